package httpexec

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/discochess/tiercache"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantErr      bool
		wantTerminal bool
	}{
		{"ok", http.StatusOK, false, false},
		{"created", http.StatusCreated, false, false},
		{"no content", http.StatusNoContent, false, false},
		{"bad request", http.StatusBadRequest, true, true},
		{"conflict", http.StatusConflict, true, true},
		{"request timeout", http.StatusRequestTimeout, true, false},
		{"too many requests", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusInternalServerError, true, false},
		{"bad gateway", http.StatusBadGateway, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			e, err := New(srv.URL)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			err = e.Execute(context.Background(), tiercache.Operation{Method: "POST", Target: "/items"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := tiercache.IsTerminal(err); got != tt.wantTerminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.wantTerminal)
			}
			if tt.wantErr {
				var se *StatusError
				if !errors.As(err, &se) || se.Status != tt.status {
					t.Errorf("error = %v, want *StatusError with status %d", err, tt.status)
				}
			}
		})
	}
}

func TestExecutor_SendsRequest(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotBody   string
		gotHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Request-Id")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	e, err := New(srv.URL + "/api/")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	op := tiercache.Operation{
		Method:  "put",
		Target:  "users/42",
		Payload: []byte(`{"name":"ada"}`),
		Headers: map[string]string{"X-Request-Id": "abc"},
	}
	if err := e.Execute(context.Background(), op); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotPath != "/api/users/42" {
		t.Errorf("path = %q, want /api/users/42", gotPath)
	}
	if gotBody != `{"name":"ada"}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotHeader != "abc" {
		t.Errorf("X-Request-Id = %q, want abc", gotHeader)
	}
}

func TestExecutor_TransportErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e, _ := New(url)
	err := e.Execute(context.Background(), tiercache.Operation{Method: "POST", Target: "/x"})
	if err == nil {
		t.Fatal("Execute() against closed server should fail")
	}
	if tiercache.IsTerminal(err) {
		t.Error("transport error should be retryable")
	}
}

func TestExecutor_RelativeTargetWithoutBase(t *testing.T) {
	e, err := New("")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = e.Execute(context.Background(), tiercache.Operation{Method: "POST", Target: "/x"})
	if !tiercache.IsTerminal(err) {
		t.Errorf("Execute() error = %v, want terminal", err)
	}
}

func TestNew_InvalidBase(t *testing.T) {
	if _, err := New("not-a-url"); err == nil {
		t.Error("New() with relative base should fail")
	}
}

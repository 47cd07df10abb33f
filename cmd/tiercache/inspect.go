package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/discochess/tiercache/internal/store"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [KEY]",
	Short: "List persisted cache entries",
	Long: `List the entries held in the on-disk store without loading them into a
cache. With a KEY, only that entry is shown, including its value.

Examples:
  # All entries, oldest first
  tiercache inspect

  # One entry as JSON
  tiercache inspect user:42 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

var (
	outputJSON  bool
	inspectTag  string
	showExpired bool
)

func init() {
	inspectCmd.Flags().BoolVar(&outputJSON, "json", false, "output entries as JSON")
	inspectCmd.Flags().StringVar(&inspectTag, "tag", "", "only show entries carrying this tag")
	inspectCmd.Flags().BoolVar(&showExpired, "expired", false, "include expired entries")
	rootCmd.AddCommand(inspectCmd)
}

type entryView struct {
	Key       string    `json:"key"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Expired   bool      `json:"expired,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Value     string    `json:"value,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	records, corrupt, err := st.LoadAll(context.Background())
	if err != nil {
		return fmt.Errorf("reading store: %w", err)
	}

	now := time.Now()
	var views []entryView
	for _, rec := range records {
		if len(args) == 1 && rec.Key != args[0] {
			continue
		}
		if inspectTag != "" && !hasTag(rec, inspectTag) {
			continue
		}
		expired := rec.Expired(now)
		if expired && !showExpired && len(args) == 0 {
			continue
		}
		v := entryView{
			Key:       rec.Key,
			Size:      len(rec.Value),
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt(),
			Expired:   expired,
			Tags:      rec.Tags,
		}
		if len(args) == 1 {
			v.Value = string(rec.Value)
		}
		views = append(views, v)
	}

	if len(args) == 1 && len(views) == 0 {
		return fmt.Errorf("key %q not found", args[0])
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	for _, v := range views {
		expiry := "never"
		if !v.ExpiresAt.IsZero() {
			expiry = v.ExpiresAt.Format(time.RFC3339)
			if v.Expired {
				expiry += " (expired)"
			}
		}
		fmt.Printf("%-40s %10s  expires %s", v.Key, formatBytes(int64(v.Size)), expiry)
		if len(v.Tags) > 0 {
			fmt.Printf("  [%s]", strings.Join(v.Tags, ", "))
		}
		fmt.Println()
		if v.Value != "" {
			fmt.Println(v.Value)
		}
	}
	if verbose || corrupt > 0 {
		fmt.Printf("%d entries shown, %d unreadable\n", len(views), corrupt)
	}
	return nil
}

func hasTag(rec store.Record, tag string) bool {
	for _, t := range rec.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

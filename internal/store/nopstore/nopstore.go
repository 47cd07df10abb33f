// Package nopstore provides a store that persists nothing.
package nopstore

import (
	"context"

	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = Store{}

// Store discards every write and loads nothing. It is the default backend
// when persistence is disabled.
type Store struct{}

// New returns a no-op store.
func New() Store { return Store{} }

func (Store) Save(context.Context, store.Record) error { return nil }

func (Store) LoadAll(context.Context) ([]store.Record, int, error) { return nil, 0, nil }

func (Store) Remove(context.Context, string) error { return nil }

func (Store) Close() error { return nil }

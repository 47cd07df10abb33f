package tiercache

import (
	"context"
	"time"
)

// MemoizeConfig describes how Memoize caches a function's results.
type MemoizeConfig[A any] struct {
	// Key derives the cache key from the argument. Required.
	Key func(A) string
	// Strategy defaults to CacheFirst.
	Strategy Strategy
	// TTL applies to every cached result.
	TTL time.Duration
	// Tags, if set, derives tags from the argument.
	Tags func(A) []string
}

// Memoize wraps fn so each call resolves through d under the key cfg.Key
// derives from its argument.
//
//	profile := tiercache.Memoize(d, tiercache.MemoizeConfig[int]{
//	    Key:  func(id int) string { return fmt.Sprintf("user:%d:profile", id) },
//	    TTL:  time.Minute,
//	    Tags: func(id int) []string { return []string{fmt.Sprintf("user:%d", id)} },
//	}, api.Profile)
func Memoize[A any](d *Dispatcher, cfg MemoizeConfig[A], fn func(context.Context, A) ([]byte, error)) func(context.Context, A) ([]byte, error) {
	return func(ctx context.Context, arg A) ([]byte, error) {
		opts := SetOptions{TTL: cfg.TTL}
		if cfg.Tags != nil {
			opts.Tags = cfg.Tags(arg)
		}
		return d.Resolve(ctx, cfg.Key(arg), cfg.Strategy, func(ctx context.Context) ([]byte, error) {
			return fn(ctx, arg)
		}, opts)
	}
}

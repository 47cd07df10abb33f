package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/discochess/tiercache"
)

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the cached value for a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var setCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Store a value in the cache",
	Long: `Store a value in the persisted cache.

Examples:
  tiercache set user:42 '{"name":"ada"}' --ttl 10m --tag users --tag team:x`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Remove a key from the cache",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate TAG",
	Short: "Remove every entry carrying a tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runInvalidate,
}

var (
	setTTL  time.Duration
	setTags []string
)

func init() {
	setCmd.Flags().DurationVar(&setTTL, "ttl", 0, "entry lifetime (0 means no expiry)")
	setCmd.Flags().StringArrayVar(&setTags, "tag", nil, "tag to attach (repeatable)")
	rootCmd.AddCommand(getCmd, setCmd, deleteCmd, invalidateCmd)
}

// withCache opens the persisted cache, runs fn and closes it, flushing
// pending writes.
func withCache(fn func(*tiercache.Cache) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	fnErr := fn(cache)
	if err := cache.Close(); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

func runGet(cmd *cobra.Command, args []string) error {
	return withCache(func(c *tiercache.Cache) error {
		val, ok := c.Get(args[0])
		if !ok {
			return fmt.Errorf("key %q not found", args[0])
		}
		_, err := os.Stdout.Write(append(val, '\n'))
		return err
	})
}

func runSet(cmd *cobra.Command, args []string) error {
	return withCache(func(c *tiercache.Cache) error {
		return c.Set(args[0], []byte(args[1]), tiercache.SetOptions{TTL: setTTL, Tags: setTags})
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withCache(func(c *tiercache.Cache) error {
		if !c.Delete(args[0]) {
			fmt.Printf("Key %q was not cached.\n", args[0])
		}
		return nil
	})
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	return withCache(func(c *tiercache.Cache) error {
		n := c.InvalidateTag(args[0])
		fmt.Printf("Removed %d entries tagged %q.\n", n, args[0])
		return nil
	})
}

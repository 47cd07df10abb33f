package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/internal/config"
	"github.com/discochess/tiercache/internal/store/diskstore"
)

var (
	// Global flags.
	dataDir    string
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tiercache",
	Short: "Inspect a persisted cache and replay queued offline operations",
	Long: `Tiercache manages the on-disk state of a tiercache deployment: the
persisted cache entries and the journal of operations queued while the
origin was unreachable.

Examples:
  # Show what the cache holds
  tiercache inspect

  # Read a value through the cache, fetching it on a miss
  tiercache fetch https://api.example.com/users/42 --strategy cache-first --ttl 5m

  # Replay queued operations against the origin
  tiercache queue replay --base-url https://api.example.com`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "directory holding the store and journal (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// loadConfig returns the config file merged over the defaults, with
// command-line overrides applied.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

// openStore opens the entry store. With create unset, a missing store is
// reported instead of created.
func openStore(cfg config.Config, create bool) (*diskstore.Store, error) {
	dir := cfg.StoreDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if !create {
			return nil, fmt.Errorf("store directory %q does not exist", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	c, err := cfg.NewCodec()
	if err != nil {
		return nil, err
	}
	return diskstore.New(dir, c)
}

// openCache opens a cache backed by the on-disk store.
func openCache(cfg config.Config, logger *zap.Logger) (*tiercache.Cache, error) {
	st, err := openStore(cfg, true)
	if err != nil {
		return nil, err
	}
	cache, err := tiercache.New(
		tiercache.WithStore(st),
		tiercache.WithMaxSize(cfg.Cache.MaxSize),
		tiercache.WithSweepInterval(cfg.Cache.SweepInterval),
		tiercache.WithLogger(logger.Named("cache")),
	)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return cache, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

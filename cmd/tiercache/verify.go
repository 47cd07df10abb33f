package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/discochess/tiercache/internal/store"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the persisted cache",
	Long: `Verify that every persisted entry can be read back.

This command checks:
- Each entry file can be decompressed
- Each entry decodes to a record with a key`,
	RunE: runVerify,
}

var (
	verifyPrune bool
)

func init() {
	verifyCmd.Flags().BoolVar(&verifyPrune, "prune", false, "delete entries that fail verification")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	var checked, errCount, pruned int
	err = st.Walk(context.Background(), func(path string, rec store.Record, err error) error {
		checked++
		name := filepath.Base(path)
		if err == nil {
			if verbose {
				fmt.Printf("  ok  %s (%s)\n", name, rec.Key)
			}
			return nil
		}

		fmt.Printf("  ERROR: %s: %v\n", name, err)
		errCount++
		if verifyPrune {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("pruning %s: %w", name, err)
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading store: %w", err)
	}

	if checked == 0 {
		fmt.Println("No entries found in store.")
		return nil
	}
	if errCount > pruned {
		return fmt.Errorf("%d of %d entries failed verification", errCount, checked)
	}
	if pruned > 0 {
		fmt.Printf("Pruned %d unreadable entries.\n", pruned)
	}

	fmt.Printf("All %d entries verified successfully.\n", checked-pruned)
	return nil
}

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogyrec-o/rune-companion/internal/config"
	"github.com/ogyrec-o/rune-companion/internal/maintenance"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass and exit",
	Long: "Deletes memories and facts whose effective score has decayed below the\n" +
		"eviction floor and releases task claims orphaned by a crashed scheduler.",
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	svc := maintenance.New(st.memories, st.facts, st.tasks, maintenance.Options{
		ClaimLease: cfg.Maintenance.ClaimLease.Std(),
	})

	stats, err := svc.RunOnce(context.Background(), time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("swept %d memories, %d facts; released %d stuck claims\n",
		stats.MemoriesSwept, stats.FactsSwept, stats.ClaimsReleased)
	return nil
}

package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ogyrec-o/rune-companion/internal/config"
	"github.com/ogyrec-o/rune-companion/internal/maintenance"
	"github.com/ogyrec-o/rune-companion/internal/planner"
	"github.com/ogyrec-o/rune-companion/internal/scheduler"
	"github.com/ogyrec-o/rune-companion/internal/server"
	"github.com/ogyrec-o/rune-companion/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, scheduler and maintenance loop",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	recall := storage.NewRecall(st.memories, subjectCaps(cfg))
	exec := planner.NewExecutor(recall, st.memories, st.facts, st.tasks, planner.Options{
		FactKeyAllowlist: cfg.Planner.FactKeyAllowlist,
	})

	srv := server.New(cfg.Server, st.memories, st.facts, st.tasks, exec, VersionString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr, err := srv.Start(ctx)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Printf("serve: api on %s db=%s driver=%s", addr, cfg.Storage.DSN, cfg.Storage.Driver)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(st.tasks, logDeliverer{}, scheduler.Options{
			Interval:   cfg.Scheduler.Interval.Std(),
			RetryDelay: cfg.Scheduler.RetryDelay.Std(),
			BatchLimit: cfg.Scheduler.BatchLimit,
			SendRate:   rate.Limit(cfg.Scheduler.SendRate),
			SendBurst:  cfg.Scheduler.SendBurst,
			OnDispatch: func(ev scheduler.Event) {
				srv.Hub().Broadcast(ev)
			},
		})
		go func() {
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("serve: scheduler exited: %v", err)
			}
		}()
	}

	maint := maintenance.New(st.memories, st.facts, st.tasks, maintenance.Options{
		Schedule:   cfg.Maintenance.Schedule,
		ClaimLease: cfg.Maintenance.ClaimLease.Std(),
	})
	if err := maint.Start(); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer maint.Stop()

	<-ctx.Done()
	log.Println("serve: shutting down")
	return nil
}

// logDeliverer is the stand-in transport used when no chat connector is
// wired. Deliveries are logged and counted as sent.
type logDeliverer struct{}

func (logDeliverer) SendText(ctx context.Context, d scheduler.Delivery) error {
	log.Printf("deliver: to=%s room=%s text=%q", d.ToUserID, d.RoomID, d.Text)
	return nil
}

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/domain/intake"
)

func staffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "staff",
		Short: "Watch the live intake form",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ch, cleanup, err := connectChannel(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			controller := intake.NewStaffController(ch, intake.StaffOptions{
				NotificationTTL: cfg.NotificationTTL,
				Logger:          logger,
				OnChange:        printer(os.Stdout),
			})
			defer controller.Close()

			if err := controller.Attach(ctx); err != nil {
				return err
			}
			writeStaffView(os.Stdout, controller.View())
			logger.Info().Str("channel", cfg.ChannelName).Msg("watching intake channel")

			<-ctx.Done()
			return controller.Detach()
		},
	}
}

// printer serializes view output from concurrent transport callbacks.
func printer(w io.Writer) func(intake.StaffView) {
	var mu sync.Mutex
	return func(v intake.StaffView) {
		mu.Lock()
		defer mu.Unlock()
		writeStaffView(w, v)
	}
}

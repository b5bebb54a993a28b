package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/pubsub"
)

func patientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patient",
		Short: "Fill the intake form from stdin (field=value, submit, show, quit)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			ch, cleanup, err := connectChannel(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			controller := intake.NewPatientController(ch, intake.PatientOptions{
				Timings: timings(cfg),
				Logger:  logger,
			})
			defer controller.Close()

			return runPatientSession(ctx, controller, os.Stdin, os.Stdout, logger)
		},
	}
}

// runPatientSession drives the controller from line commands until EOF or
// "quit". Delivery failures are reported and the session keeps going.
func runPatientSession(ctx context.Context, c *intake.PatientController, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "quit" || line == "exit":
			return nil
		case line == "show":
			writePatientView(out, c.View())
		case line == "submit":
			errs, err := c.Submit(ctx)
			switch {
			case err != nil:
				fmt.Fprintf(out, "submit failed: %v\n", describe(err))
			case len(errs) > 0:
				for _, field := range errs.Fields() {
					fmt.Fprintf(out, "  %s: %s\n", field, errs[field])
				}
			default:
				fmt.Fprintln(out, "form submitted")
			}
		default:
			path, value, ok := strings.Cut(line, "=")
			if !ok {
				fmt.Fprintf(out, "expected field=value, submit, show or quit, got %q\n", line)
				continue
			}
			if err := c.OnFieldChange(ctx, strings.TrimSpace(path), strings.TrimSpace(value)); err != nil {
				logger.Debug().Err(err).Msg("field change")
				fmt.Fprintf(out, "%s: %v\n", strings.TrimSpace(path), describe(err))
			}
		}
	}
	return scanner.Err()
}

// describe maps transport errors to the line the patient sees.
func describe(err error) string {
	switch {
	case errors.Is(err, pubsub.ErrNotConnected):
		return "not connected, staff will not see this change yet"
	case errors.Is(err, pubsub.ErrAuthUnavailable):
		return "unable to connect"
	}
	return err.Error()
}

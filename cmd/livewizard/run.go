package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gabrielmiguelok/livewizard/internal/server"
	"github.com/gabrielmiguelok/livewizard/pkg/terminal"
	"github.com/gabrielmiguelok/livewizard/pkg/tracing"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <wizard>",
		Short: "Fill in a wizard in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			defs, err := server.LoadDefinitions(ctx, cfg)
			if err != nil {
				return err
			}
			def, ok := defs.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown wizard %q, try: %v", args[0], defs.IDs())
			}
			stopTracing, err := tracing.Setup(cfg.TracingExporter, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer stopTracing(context.Background())

			sinks, err := server.OpenSinks(ctx, cfg.Sink, defs, tracing.NewTracer("livewizard"), logger)
			if err != nil {
				return err
			}
			defer sinks.Close()

			ctrl, err := def.NewController(sinks.SubmitFor(def), wizard.WithLogger(logger))
			if err != nil {
				return err
			}
			_, err = terminal.NewRunner(ctrl, nil, terminal.WithTitle(def.Title), terminal.WithLogger(logger)).Run(ctx)
			if errors.Is(err, terminal.ErrQuit) || errors.Is(err, terminal.ErrAborted) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Nothing was submitted.")
				return nil
			}
			return err
		},
	}
}

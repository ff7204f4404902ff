package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/scan"
)

func newWorkerCmd() *cobra.Command {
	var phases []string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consumes phase queues",
		Long: `Runs worker pools for the given phases (all phases when --phases is
omitted) until interrupted. Pool sizes come from workers.concurrency.`,
		Example: "  siteaudit worker --phases discovery,selection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parsePhases(phases)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), parsed)
		},
	}
	cmd.Flags().StringSliceVar(&phases, "phases", nil, "phases (or queue names) to consume")
	return cmd
}

func parsePhases(raw []string) ([]scan.Phase, error) {
	out := make([]scan.Phase, 0, len(raw))
	seen := make(map[scan.Phase]bool, len(raw))
	for _, r := range raw {
		p, err := scan.ParsePhase(r)
		if err != nil {
			return nil, fmt.Errorf("--phases: %w", err)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func runWorker(ctx context.Context, phases []scan.Phase) error {
	a, rt, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a, rt.logger)

	if rt.cfg.Broker.Provider == "memory" {
		rt.logger.Warn("memory broker only delivers tasks published by this process")
	}
	d, err := a.Dispatcher(phases)
	if err != nil {
		return err
	}
	rt.logger.Info("worker starting", zap.Strings("queues", d.Queues()))
	return d.Run(ctx)
}

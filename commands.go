package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/temporal"
)

func newRunCmd(configPath *string) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Run one research pipeline in-process and save the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.close()
			go func() {
				if err := rt.app.ServeAdmin(ctx); err != nil {
					rt.logger.Warn("Admin server stopped", zap.Error(err))
				}
			}()

			if runID == "" {
				runID = uuid.New().String()
			}
			query := strings.Join(args, " ")
			res, err := rt.app.Execute(ctx, runID, []llm.Message{{Role: llm.RoleHuman, Content: query}})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Question != "" {
				fmt.Fprintln(out, res.Question)
				return nil
			}
			fmt.Fprintf(out, "run %s: %s after %d rounds\n", runID, res.Run.Outcome, res.Run.Rounds)
			for i, note := range res.Run.Notes {
				fmt.Fprintf(out, "\n[%d] %s\n", i+1, note)
			}
			fmt.Fprintf(out, "\nreport: %s\n", res.ReportPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random UUID)")
	return cmd
}

func newSubmitCmd(configPath *string) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <query>",
		Short: "Start a research workflow on Temporal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			cfg := rt.app.Config.Temporal
			tc, err := client.Dial(client.Options{HostPort: cfg.Host, Namespace: cfg.Namespace, Logger: temporal.NewZapAdapter(rt.logger)})
			if err != nil {
				return fmt.Errorf("dial temporal %s: %w", cfg.Host, err)
			}
			defer tc.Close()

			run, err := tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
				ID:                       "research-" + uuid.New().String(),
				TaskQueue:                cfg.TaskQueue,
				WorkflowExecutionTimeout: temporal.DefaultRunTimeout + time.Minute,
			}, constants.ResearchWorkflow, temporal.ResearchInput{Query: strings.Join(args, " ")})
			if err != nil {
				return fmt.Errorf("start workflow: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workflow %s started (run %s)\n", run.GetID(), run.GetRunID())
			if !wait {
				return nil
			}

			var res temporal.ResearchOutput
			if err := run.Get(ctx, &res); err != nil {
				return err
			}
			if res.Question != "" {
				fmt.Fprintln(out, res.Question)
				return nil
			}
			fmt.Fprintf(out, "report: %s\n", res.ReportPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the workflow result")
	return cmd
}

func newWorkerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve research workflows from the Temporal task queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.close()
			go func() {
				if err := rt.app.ServeAdmin(ctx); err != nil {
					rt.logger.Error("Admin server failed", zap.Error(err))
				}
			}()

			cfg := rt.app.Config.Temporal
			tc, err := dialTemporal(ctx, cfg.Host, cfg.Namespace, rt.logger)
			if err != nil {
				return err
			}
			defer tc.Close()

			w := worker.New(tc, cfg.TaskQueue, worker.Options{
				MaxConcurrentActivityExecutionSize: rt.app.Config.Supervisor.ConcurrencyLimit * 4,
			})
			temporal.Register(w, temporal.NewActivities(rt.app, rt.logger))

			rt.logger.Info("Temporal worker started", zap.String("queue", cfg.TaskQueue))
			stop := make(chan interface{})
			go func() {
				<-ctx.Done()
				close(stop)
			}()
			return w.Run(stop)
		},
	}
}

// dialTemporal waits for the frontend port, then dials with a capped
// linear backoff until ctx ends.
func dialTemporal(ctx context.Context, host, namespace string, logger *zap.Logger) (client.Client, error) {
	for i := 1; i <= 60; i++ {
		c, err := net.DialTimeout("tcp", host, 2*time.Second)
		if err == nil {
			_ = c.Close()
			break
		}
		logger.Warn("Waiting for Temporal TCP endpoint", zap.String("host", host), zap.Int("attempt", i))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	for attempt := 1; ; attempt++ {
		tc, err := client.Dial(client.Options{HostPort: host, Namespace: namespace, Logger: temporal.NewZapAdapter(logger)})
		if err == nil {
			return tc, nil
		}
		delay := time.Duration(attempt) * time.Second
		if delay > 15*time.Second {
			delay = 15 * time.Second
		}
		logger.Warn("Temporal not ready, retrying", zap.Int("attempt", attempt), zap.String("host", host), zap.Duration("sleep", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sanity-io/litter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/enginemaster/enginemaster/internal/engines"
	"github.com/enginemaster/enginemaster/internal/executor"
	"github.com/enginemaster/enginemaster/internal/plugin"
	"github.com/enginemaster/enginemaster/pkg/engine"
)

// withExecutor loads the configuration and runs action against a single worker executor that talks to the
// engines directly, bypassing queues and arbitration.
func withExecutor(cmd *cobra.Command, action func(ctx context.Context, e *executor.Executor) error) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if config.WorkDir == "" {
		config.WorkDir = "."
	}
	resolver := plugin.NewResolver(config.WorkDir, engines.NewRegistry(), config.EngineProperties(), log.StandardLogger())
	e := executor.New(resolver, executor.Config{Slots: 1, CallTimeout: config.Executor.CallTimeout}, log.StandardLogger())
	e.Start(cmd.Context())
	defer func() {
		e.Shutdown()
		<-e.Done()
	}()
	return action(cmd.Context(), e)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <engineType> <engineJobId>",
		Short: "Print the status an engine reports for a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(cmd, func(ctx context.Context, e *executor.Executor) error {
				fmt.Fprintln(cmd.OutOrStdout(), e.GetStatus(ctx, args[0], args[1]))
				return nil
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <engineType> <engineJobId>",
		Short: "Ask an engine to stop a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(cmd, func(ctx context.Context, e *executor.Executor) error {
				result := e.Cancel(ctx, args[0], args[1])
				if result.IsErr() {
					return errors.Errorf("cancel of %s failed: %s", args[1], result.Message())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[1])
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <engineType> <engineJobId>",
		Short: "Print the driver and application logs of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(cmd, func(ctx context.Context, e *executor.Executor) error {
				for _, line := range e.GetLog(ctx, args[0], args[1]).Lines() {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			})
		},
	}
}

func resourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources <engineType>",
		Short: "Print the resources an engine reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(cmd, func(ctx context.Context, e *executor.Executor) error {
				out, err := yaml.Marshal(e.GetResources(ctx, args[0]))
				if err != nil {
					return errors.WithStack(err)
				}
				fmt.Fprint(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job described in a yaml file straight to its engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString("file")
			if err != nil {
				return err
			}
			wait, err := cmd.Flags().GetBool("wait")
			if err != nil {
				return err
			}
			pollInterval, err := cmd.Flags().GetDuration("poll-interval")
			if err != nil {
				return err
			}
			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return err
			}
			job, err := readJobFile(path)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), dumpJob(job))
				return nil
			}
			return withExecutor(cmd, func(ctx context.Context, e *executor.Executor) error {
				return submit(ctx, cmd, e, job, wait, pollInterval)
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "Job file")
	cmd.Flags().Bool("wait", false, "Poll the job status until it is terminal")
	cmd.Flags().Duration("poll-interval", 5*time.Second, "Interval between status polls when waiting")
	cmd.Flags().Bool("dry-run", false, "Print the job request parsed from the file instead of submitting it")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// dumpJob renders the exported fields of job, operators included.
func dumpJob(job *engine.JobRequest) string {
	return litter.Options{HidePrivateFields: true, HideZeroValues: true}.Sdump(job)
}

func submit(ctx context.Context, cmd *cobra.Command, e *executor.Executor, job *engine.JobRequest, wait bool, pollInterval time.Duration) error {
	if err := e.Submit(job); err != nil {
		return err
	}
	var completed *engine.JobRequest
	select {
	case completed = <-e.Completions():
	case <-ctx.Done():
		return ctx.Err()
	}
	result := completed.Result()
	if result.IsErr() {
		return errors.Errorf("submission of %s failed: %s", job.TaskId, result.Message())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s as %s\n", job.TaskId, result.EngineJobId())
	if !wait {
		return nil
	}

	var last engine.TaskStatus
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status := e.GetStatus(ctx, job.EngineType, result.EngineJobId())
		if status != last {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", time.Now().Format(time.RFC3339), status)
			last = status
		}
		if status.IsTerminal() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

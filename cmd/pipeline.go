package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/buildquote/quotecore/internal/journal"
	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Create and observe server-side processing pipelines",
}

var pipelineCreateCmd = &cobra.Command{
	Use:   "create <project-id>",
	Short: "Start a pipeline for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Pipelines.Create(ctx, args[0])
		if err != nil {
			return err
		}
		formatPipeline(os.Stdout, p)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return watchPipeline(ctx, env.Pipelines, p.ID)
		}
		return nil
	},
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status [pipeline-id]",
	Short: "Show a pipeline, or the latest one of --project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		project, _ := cmd.Flags().GetString("project")
		offline, _ := cmd.Flags().GetBool("offline")

		if len(args) == 0 && project == "" {
			return eris.New("pipeline status: pass a pipeline id or --project")
		}

		if offline {
			return offlineStatus(ctx, args, project)
		}

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		var p model.Pipeline
		if len(args) == 1 {
			p, err = env.Pipelines.Refresh(ctx, args[0])
		} else {
			p, err = env.Pipelines.LoadForProject(ctx, project)
		}
		if err != nil {
			return err
		}
		formatPipeline(os.Stdout, p)
		return nil
	},
}

// offlineStatus prints the last journaled snapshot without calling the engine.
func offlineStatus(ctx context.Context, args []string, project string) error {
	if err := cfg.Validate(""); err != nil {
		return err
	}
	st, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	var snap *journal.PipelineSnapshot
	if len(args) == 1 {
		snap, err = st.GetPipeline(ctx, args[0])
	} else {
		snap, err = st.LatestPipeline(ctx, project)
	}
	if err != nil {
		return eris.Wrap(err, "pipeline status")
	}
	if snap == nil {
		return pipeline.ErrNoPipeline
	}

	fmt.Printf("Snapshot observed %s\n\n", snap.ObservedAt.Format(time.RFC3339))
	formatPipeline(os.Stdout, snap.Pipeline)
	return nil
}

var pipelineWatchCmd = &cobra.Command{
	Use:   "watch <pipeline-id>",
	Short: "Poll a pipeline until it pauses or finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Pipelines.Refresh(ctx, args[0])
		if err != nil {
			return err
		}
		formatPipeline(os.Stdout, p)
		return watchPipeline(ctx, env.Pipelines, p.ID)
	},
}

var pipelineResumeCmd = &cobra.Command{
	Use:   "resume <pipeline-id>",
	Short: "Resume a paused or failed pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Pipelines.Refresh(ctx, args[0]); err != nil {
			return err
		}
		p, err := env.Pipelines.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		formatPipeline(os.Stdout, p)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return watchPipeline(ctx, env.Pipelines, p.ID)
		}
		return nil
	},
}

var pipelineCancelCmd = &cobra.Command{
	Use:   "cancel <pipeline-id>",
	Short: "Cancel a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Pipelines.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		formatPipeline(os.Stdout, p)
		return nil
	},
}

// watchPipeline prints every observed state of id until its poll loop ends.
func watchPipeline(ctx context.Context, c *pipeline.Controller, id string) error {
	done := make(chan pipeline.State, 1)
	unsubscribe := c.Subscribe(func(st pipeline.State) {
		if st.Pipeline.ID != id {
			return
		}
		printProgress(os.Stdout, st)
		if !st.Polling {
			select {
			case done <- st:
			default:
			}
		}
	})
	defer unsubscribe()

	c.StartPolling(id)

	select {
	case <-ctx.Done():
		c.StopPolling(id)
		return nil
	case st := <-done:
		return st.LastError
	}
}

func printProgress(out io.Writer, st pipeline.State) {
	p := st.Pipeline
	step := "-"
	if s, ok := p.Step(); ok {
		step = s.StepType.Label()
	}
	line := fmt.Sprintf("%s  %-9s  step %d/%d (%s)  %d%%",
		st.UpdatedAt.Format("15:04:05"), p.Status, p.CurrentStep, p.TotalSteps, step, p.ProgressPercent)
	if st.LastError != nil {
		line += "  error: " + st.LastError.Error()
	}
	if p.IsPausedForReview() {
		line += "  (waiting for review)"
	}
	_, _ = fmt.Fprintln(out, line)
}

func formatPipeline(out io.Writer, p model.Pipeline) {
	project := "-"
	if p.ProjectID != nil {
		project = *p.ProjectID
	}
	_, _ = fmt.Fprintf(out, "Pipeline %s (project %s)\n", p.ID, project)
	_, _ = fmt.Fprintf(out, "Status:   %s\n", p.Status)
	_, _ = fmt.Fprintf(out, "Progress: %d%% (step %d of %d)\n", p.ProgressPercent, p.CurrentStep, p.TotalSteps)
	if p.ErrorMessage != nil {
		_, _ = fmt.Fprintf(out, "Error:    %s\n", *p.ErrorMessage)
	}
	if p.IsPausedForReview() {
		_, _ = fmt.Fprintln(out, "Paused for review of the parsed data. Resume to continue.")
	}
	if len(p.Steps) == 0 {
		return
	}

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tSTEP\tSTATUS\tRETRIES\tERROR")
	_, _ = fmt.Fprintln(w, "-\t----\t------\t-------\t-----")
	for _, s := range p.Steps {
		errMsg := ""
		if s.ErrorMessage != nil {
			errMsg = *s.ErrorMessage
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", s.StepOrder, s.StepType.Label(), s.Status, s.RetryCount, errMsg)
	}
	_ = w.Flush()
}

func init() {
	pipelineCreateCmd.Flags().Bool("watch", false, "poll until the pipeline pauses or finishes")
	pipelineResumeCmd.Flags().Bool("watch", false, "poll until the pipeline pauses or finishes")
	pipelineStatusCmd.Flags().String("project", "", "show the latest pipeline of this project")
	pipelineStatusCmd.Flags().Bool("offline", false, "read the journaled snapshot instead of the engine")

	pipelineCmd.AddCommand(pipelineCreateCmd, pipelineStatusCmd, pipelineWatchCmd, pipelineResumeCmd, pipelineCancelCmd)
	rootCmd.AddCommand(pipelineCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/buildquote/quotecore/internal/dispatch"
	"github.com/buildquote/quotecore/internal/journal"
	"github.com/buildquote/quotecore/internal/resilience"
)

var dispatchesCmd = &cobra.Command{
	Use:   "dispatches",
	Short: "Inspect journaled dispatch batches",
}

var dispatchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled stage dispatches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(""); err != nil {
			return err
		}
		st, err := journal.Open(ctx, cfg.Journal)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		batch, _ := cmd.Flags().GetString("batch")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		recs, err := st.ListDispatches(ctx, journal.DispatchFilter{BatchID: batch, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dispatches list")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No dispatches found.")
			return nil
		}
		formatDispatches(os.Stdout, recs)
		return nil
	},
}

func formatDispatches(out io.Writer, recs []journal.DispatchRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BATCH\tSTAGE\tCATEGORY\tCAMPAIGN\tSENT\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "-----\t-----\t--------\t--------\t----\t-------\t-----")
	for _, r := range recs {
		errMsg := r.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(r.BatchID),
			r.Stage,
			r.Category,
			r.CampaignID,
			r.Sent,
			r.CreatedAt.Format("2006-01-02 15:04"),
			errMsg,
		)
	}
	_ = w.Flush()
}

var dispatchesFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List stages waiting in the dead-letter queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(""); err != nil {
			return err
		}
		st, err := journal.Open(ctx, cfg.Journal)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{ErrorType: errType, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dispatches failed")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No failed stages queued.")
			return nil
		}
		formatDeadLetters(os.Stdout, entries)
		return nil
	},
}

var dispatchesRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Resend queued failed stages that are due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		errType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := env.Journal.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: errType, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dispatches retry")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing due for retry.")
			return nil
		}

		var failed int
		for _, b := range groupRetries(entries) {
			out, err := env.Dispatcher.Redispatch(ctx, b.origin, b.results)
			if err != nil {
				return err
			}
			if err := journal.RecordOutcome(ctx, env.Journal, out, time.Now(), cfg.Dispatch.MaxRetries); err != nil {
				zap.L().Warn("dispatches: retry not journaled", zap.String("batch_id", out.BatchID.String()), zap.Error(err))
			}
			formatOutcome(os.Stdout, out)
			failed += out.Failed
		}
		if failed > 0 {
			return eris.Errorf("dispatches retry: %d stages still failing", failed)
		}
		return nil
	},
}

// retryBatch is the queued stages of one original batch.
type retryBatch struct {
	origin  uuid.UUID
	results []dispatch.StageResult
}

// groupRetries groups entries by the batch they first failed in, keeping the
// order of first appearance. Entries with a malformed batch id are skipped.
func groupRetries(entries []resilience.DLQEntry) []retryBatch {
	var out []retryBatch
	pos := make(map[uuid.UUID]int)
	for _, e := range entries {
		id, err := uuid.Parse(e.BatchID)
		if err != nil {
			zap.L().Warn("dispatches: skipping dead letter with bad batch id", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		i, ok := pos[id]
		if !ok {
			i = len(out)
			pos[id] = i
			out = append(out, retryBatch{origin: id})
		}
		out[i].results = append(out[i].results, journal.RetryResults([]resilience.DLQEntry{e})...)
	}
	return out
}

func formatDeadLetters(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BATCH	STAGE	CATEGORY	TYPE	RETRIES	NEXT RETRY	ERROR")
	_, _ = fmt.Fprintln(w, "-----	-----	--------	----	-------	----------	-----")
	for _, e := range entries {
		errMsg := e.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s	%s	%s	%s	%d/%d	%s	%s\n",
			truncateID(e.BatchID),
			e.Stage,
			e.Request.Category,
			e.ErrorType,
			e.RetryCount, e.MaxRetries,
			e.NextRetryAt.Local().Format("2006-01-02 15:04"),
			errMsg,
		)
	}
	_ = w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	dispatchesListCmd.Flags().String("batch", "", "only show one batch id")
	dispatchesListCmd.Flags().Int("limit", 50, "max number of rows to display")
	dispatchesListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	dispatchesFailedCmd.Flags().String("type", "", "only show transient or permanent failures")
	dispatchesFailedCmd.Flags().Int("limit", 50, "max number of rows to display")
	dispatchesFailedCmd.Flags().Bool("json", false, "print JSON instead of a table")

	dispatchesRetryCmd.Flags().String("type", resilience.ErrorTransient, "error type to retry; empty retries both")
	dispatchesRetryCmd.Flags().Int("limit", 20, "max number of stages to resend")

	dispatchesCmd.AddCommand(dispatchesListCmd, dispatchesFailedCmd, dispatchesRetryCmd)
	rootCmd.AddCommand(dispatchesCmd)
}

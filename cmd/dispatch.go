package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/buildquote/quotecore/internal/dispatch"
	"github.com/buildquote/quotecore/internal/journal"
	"github.com/buildquote/quotecore/internal/model"
)

// dispatchFile is the YAML input of the dispatch command.
type dispatchFile struct {
	Project   string                      `yaml:"project" validate:"required"`
	Location  string                      `yaml:"location"`
	Deadline  string                      `yaml:"deadline"`
	Stages    []dispatchStage             `yaml:"stages" validate:"required,min=1,dive"`
	Suppliers map[model.Category][]string `yaml:"suppliers"`
}

type dispatchStage struct {
	Name        string         `yaml:"name" validate:"required"`
	Category    model.Category `yaml:"category" validate:"required"`
	Quantity    float64        `yaml:"quantity" validate:"gte=0"`
	Unit        string         `yaml:"unit"`
	Description string         `yaml:"description"`
	PriceMin    float64        `yaml:"price_min"`
	PriceMax    float64        `yaml:"price_max"`
	PriceMedian float64        `yaml:"price_median"`
	// Skip leaves the stage in the file without sending it.
	Skip bool `yaml:"skip"`
}

func loadDispatchFile(r io.Reader) (*dispatchFile, error) {
	var f dispatchFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, eris.Wrap(err, "dispatch: parse file")
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, eris.Wrap(err, "dispatch: invalid file")
	}
	for _, s := range f.Stages {
		if !s.Category.Valid() {
			return nil, eris.Errorf("dispatch: stage %q has unknown category %q", s.Name, s.Category)
		}
	}
	return &f, nil
}

// request converts the file into a dispatch batch. Listing suppliers for any
// category switches to the preview flow, where every category needs some.
func (f *dispatchFile) request() dispatch.Request {
	req := dispatch.Request{
		ProjectTitle:     f.Project,
		Location:         f.Location,
		Suppliers:        f.Suppliers,
		RequireSuppliers: len(f.Suppliers) > 0,
	}
	if f.Deadline != "" {
		d := f.Deadline
		req.Deadline = &d
	}
	for _, s := range f.Stages {
		if s.Skip {
			continue
		}
		req.Stages = append(req.Stages, model.Stage{
			Name:                s.Name,
			Category:            s.Category,
			Quantity:            s.Quantity,
			Unit:                s.Unit,
			Description:         s.Description,
			PriceEstimateMin:    s.PriceMin,
			PriceEstimateMax:    s.PriceMax,
			PriceEstimateMedian: s.PriceMedian,
			Selected:            true,
		})
	}
	return req
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send one RFQ per stage listed in a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		fh, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "dispatch: open %s", path)
		}
		defer fh.Close() //nolint:errcheck

		f, err := loadDispatchFile(fh)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Dispatcher.Dispatch(ctx, f.request())
		if err != nil {
			return err
		}
		if err := journal.RecordOutcome(ctx, env.Journal, out, time.Now(), cfg.Dispatch.MaxRetries); err != nil {
			zap.L().Warn("dispatch: outcome not journaled", zap.String("batch_id", out.BatchID.String()), zap.Error(err))
		}

		formatOutcome(os.Stdout, out)
		return out.Err()
	},
}

func formatOutcome(out io.Writer, o dispatch.Outcome) {
	_, _ = fmt.Fprintf(out, "Batch %s: %s, %d RFQs sent (%d stages ok, %d failed)\n\n",
		o.BatchID, strings.ToUpper(string(o.Status)), o.SentCount, o.Succeeded, o.Failed)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tCATEGORY\tCAMPAIGN\tSENT\tELAPSED\tERROR")
	_, _ = fmt.Fprintln(w, "-----\t--------\t--------\t----\t-------\t-----")
	for _, r := range o.Results {
		campaign := ""
		if r.Campaign != nil {
			campaign = r.Campaign.ID
		}
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Stage, r.Category, campaign, r.Sent, r.Elapsed.Round(time.Millisecond), errMsg)
	}
	_ = w.Flush()
}

func init() {
	dispatchCmd.Flags().StringP("file", "f", "", "YAML file describing the project and its stages")
	_ = dispatchCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(dispatchCmd)
}

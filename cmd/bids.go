package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/buildquote/quotecore/internal/bids"
	"github.com/buildquote/quotecore/internal/model"
)

var bidsCmd = &cobra.Command{
	Use:   "bids",
	Short: "Inspect supplier bids",
}

var bidsRankCmd = &cobra.Command{
	Use:   "rank <campaign-id>",
	Short: "Rank a campaign's bids by price",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "bids")
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Client.GetCampaignBidsWithAnalysis(ctx, args[0])
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No bids yet.")
			return nil
		}

		ranking := bids.Rank(list)
		formatRanking(os.Stdout, ranking)

		if check, _ := cmd.Flags().GetBool("crosscheck"); check {
			server, err := env.Client.CompareBids(ctx, args[0])
			if err != nil {
				return err
			}
			mismatches := bids.CrossCheck(ranking, *server)
			if len(mismatches) == 0 {
				fmt.Println("\nServer comparison agrees.")
				return nil
			}
			fmt.Println("\nServer comparison disagrees:")
			for _, m := range mismatches {
				fmt.Println("  " + m.String())
			}
		}
		return nil
	},
}

func formatRanking(out io.Writer, r bids.Ranking) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tSUPPLIER\tPRICE\tTIMELINE\tVERDICT\tVS MEDIAN")
	_, _ = fmt.Fprintln(w, "----\t--------\t-----\t--------\t-------\t---------")
	for i, b := range r.Sorted {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%.2f %s\t%s\t%s\t%s\n",
			i+1,
			b.SupplierName,
			b.Price,
			b.Currency,
			timeline(b),
			bids.Label(bids.VerdictOf(b)),
			bids.Deviation(b),
		)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nAverage: %.2f  Range: %.2f - %.2f  Potential savings: %.2f\n",
		r.AveragePrice, r.MinPrice, r.MaxPrice, r.PotentialSavings)
}

func timeline(b model.Bid) string {
	if b.TimelineDays == nil {
		return "-"
	}
	return fmt.Sprintf("%d days", *b.TimelineDays)
}

func init() {
	bidsRankCmd.Flags().Bool("crosscheck", false, "compare the local ranking with the server's comparison")
	bidsCmd.AddCommand(bidsRankCmd)
	rootCmd.AddCommand(bidsCmd)
}

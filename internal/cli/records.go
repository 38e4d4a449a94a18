package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/moderator"
)

func (c *CLI) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate counts from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := c.openCore(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			st, err := core.Moderator.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return writeJSON(out, st)
			}
			fmt.Fprintf(out, "total:        %d\n", st.Total)
			fmt.Fprintf(out, "allowed:      %d\n", st.Allowed)
			fmt.Fprintf(out, "blocked:      %d\n", st.Blocked)
			fmt.Fprintf(out, "needs review: %d\n", st.NeedsReview)
			if len(st.ByLabel) > 0 {
				fmt.Fprintln(out, "\nby label:")
				labels := make([]string, 0, len(st.ByLabel))
				for l := range st.ByLabel {
					labels = append(labels, l)
				}
				sort.Strings(labels)
				for _, l := range labels {
					fmt.Fprintf(out, "  %-12s %d\n", l, st.ByLabel[l])
				}
			}
			return nil
		},
	}
}

func (c *CLI) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent decisions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := c.openCore(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			recs, err := core.Moderator.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return writeJSON(out, recs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tALLOWED\tLABEL\tCONFIDENCE\tTEXT")
			for _, r := range recs {
				fmt.Fprintf(tw, "%d\t%s\t%v\t%s\t%.4f\t%s\n",
					r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Allowed, r.Label, r.Confidence, audit.TruncateText(r.Text, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of records (max 100)")
	return cmd
}

func (c *CLI) feedbackCmd() *cobra.Command {
	var (
		in           moderator.FeedbackInput
		predictionID int64
		list         bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record a label correction, or list recent corrections",
		Example: `  modctl feedback --text "cheap pills" --predicted product --correct spam
  modctl feedback --list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := c.openCore(cmd)
			if err != nil {
				return err
			}
			defer core.Close()
			out := cmd.OutOrStdout()

			if list {
				recs, err := core.Moderator.FeedbackHistory(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return writeJSON(out, recs)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPREDICTED\tCORRECT\tTEXT")
				for _, r := range recs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ID, r.PredictedLabel, r.CorrectLabel, audit.TruncateText(r.Text, 60))
				}
				return tw.Flush()
			}

			if cmd.Flags().Changed("prediction-id") {
				in.PredictionID = &predictionID
			}
			rec, err := core.Moderator.SubmitFeedback(cmd.Context(), in)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return writeJSON(out, rec)
			}
			fmt.Fprintf(out, "feedback %d recorded: %s -> %s\n", rec.ID, rec.PredictedLabel, rec.CorrectLabel)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Text, "text", "", "the text that was misclassified")
	f.StringVar(&in.PredictedLabel, "predicted", "", "label the model predicted")
	f.StringVar(&in.CorrectLabel, "correct", "", "label it should have been")
	f.Int64Var(&predictionID, "prediction-id", 0, "audit record id of the prediction")
	f.BoolVar(&list, "list", false, "list recent feedback instead of recording")
	f.IntVarP(&limit, "limit", "l", 20, "number of records with --list")
	return cmd
}

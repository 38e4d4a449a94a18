package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/classifier"
	"github.com/triage-ai/palisade/moderation/internal/moderator"
)

const prompt = "text> "

var cliMeta = moderator.Meta{Source: "cli", ClientID: "modctl"}

func (c *CLI) predictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "predict [text]",
		Short: "Classify text; without arguments, read lines interactively",
		Long: `Classify one text given as arguments, or start an interactive loop that
classifies each line typed. Type q to quit the loop.

Example:
  modctl predict "Samsung Galaxy S24 Ultra 256GB"
  modctl predict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := c.openCore(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				d, err := core.Moderator.Check(cmd.Context(), strings.Join(args, " "), cliMeta)
				if err != nil {
					return err
				}
				return c.printDecision(out, d)
			}

			sc := bufio.NewScanner(cmd.InOrStdin())
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			fmt.Fprint(out, prompt)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				switch line {
				case "q", "quit", "exit":
					return nil
				case "":
				default:
					d, err := core.Moderator.Check(cmd.Context(), line, cliMeta)
					if err != nil {
						if !moderator.IsValidation(err) {
							return err
						}
						fmt.Fprintf(out, "error: %v\n", err)
					} else if err := c.printDecision(out, d); err != nil {
						return err
					}
				}
				fmt.Fprint(out, prompt)
			}
			fmt.Fprintln(out)
			return sc.Err()
		},
	}
}

func (c *CLI) batchCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "batch --file texts.txt",
		Short: "Classify every non-empty line of a file",
		Long: `Classify every non-empty line of a file ("-" reads stdin). Lines are sent
in batches of max_batch_size and every decision is written to the audit log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			texts, err := readLines(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if len(texts) == 0 {
				return fmt.Errorf("no texts in %s", file)
			}

			core, err := c.openCore(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			size := core.Moderator.Config().MaxBatchSize
			var all []*moderator.Decision
			for start := 0; start < len(texts); start += size {
				end := min(start+size, len(texts))
				decs, err := core.Moderator.CheckBatch(cmd.Context(), texts[start:end], cliMeta)
				if err != nil {
					return fmt.Errorf("lines %d-%d: %w", start+1, end, err)
				}
				all = append(all, decs...)
			}

			out := cmd.OutOrStdout()
			if c.jsonOut {
				return writeJSON(out, all)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ALLOWED\tREVIEW\tLABEL\tCONFIDENCE\tTEXT")
			var allowed, review int
			for _, d := range all {
				if d.Allowed {
					allowed++
				}
				if d.NeedsReview {
					review++
				}
				fmt.Fprintf(tw, "%v\t%v\t%s\t%.4f\t%s\n", d.Allowed, d.NeedsReview, d.Label, d.Confidence, audit.TruncateText(d.Text, 60))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d texts: %d allowed, %d blocked, %d need review\n",
				len(all), allowed, len(all)-allowed, review)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", `file with one text per line ("-" for stdin)`)
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *CLI) explainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain <text>",
		Short: "Show per-label probabilities and the most influential features",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := c.openCore(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			exp, err := core.Moderator.Explain(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return writeJSON(out, exp)
			}
			printExplanation(out, exp)
			return nil
		},
	}
	cmd.Flags().Int("top", 10, "number of features to show")
	_ = c.v.BindPFlag("explain_top_n", cmd.Flags().Lookup("top"))
	return cmd
}

// benchTexts cycle through the benchmark input.
var benchTexts = []string{
	"Samsung Galaxy S24 Ultra 256GB",
	"Click here to win a free prize now!!!",
	"you are a stupid moron",
	"Apple iPhone 15 Pro Max 512GB titanium",
	"Earn $5000 per week working from home",
	"Sony WH-1000XM5 wireless noise cancelling headphones",
}

func (c *CLI) benchCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure inference latency for single and batched predictions",
		Long: `Run n single predictions, then one batch of n texts, directly against the
classifier. Nothing is written to the audit log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if n < 1 {
				return fmt.Errorf("--n must be positive")
			}
			core, err := c.openCore(cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			texts := make([]string, n)
			for i := range texts {
				texts[i] = benchTexts[i%len(benchTexts)]
			}
			clf := core.Classifier
			ctx := cmd.Context()

			start := time.Now()
			for _, t := range texts {
				if _, err := clf.Predict(ctx, t); err != nil {
					return err
				}
			}
			single := time.Since(start)

			start = time.Now()
			if _, err := clf.PredictBatch(ctx, texts); err != nil {
				return err
			}
			batch := time.Since(start)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model %s\n", clf.ModelVersion())
			fmt.Fprintf(out, "single: %d predictions in %v (%.3f ms/prediction)\n", n, single.Round(time.Microsecond), perItemMs(single, n))
			fmt.Fprintf(out, "batch:  %d predictions in %v (%.3f ms/prediction)\n", n, batch.Round(time.Microsecond), perItemMs(batch, n))
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 1000, "number of predictions per run")
	return cmd
}

func (c *CLI) printDecision(out io.Writer, d *moderator.Decision) error {
	if c.jsonOut {
		return writeJSON(out, d)
	}
	verdict := "BLOCKED"
	if d.Allowed {
		verdict = "ALLOWED"
	}
	review := ""
	if d.NeedsReview {
		review = " (needs review)"
	}
	fmt.Fprintf(out, "%s%s  label=%s confidence=%.4f\n", verdict, review, d.Label, d.Confidence)
	return nil
}

func printExplanation(out io.Writer, exp *classifier.Explanation) {
	fmt.Fprintf(out, "label=%s confidence=%.4f\n\nprobabilities:\n", exp.Label, exp.Confidence)
	labels := make([]string, 0, len(exp.Probabilities))
	for l := range exp.Probabilities {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		return exp.Probabilities[labels[i]] > exp.Probabilities[labels[j]]
	})
	for _, l := range labels {
		fmt.Fprintf(out, "  %-12s %.4f\n", l, exp.Probabilities[l])
	}
	fmt.Fprintln(out, "\ntop features:")
	for _, f := range exp.TopFeatures {
		fmt.Fprintf(out, "  %-20q %+.4f\n", f.Feature, f.Weight)
	}
}

func perItemMs(d time.Duration, n int) float64 {
	return float64(d.Microseconds()) / 1000 / float64(n)
}

// readLines returns the non-empty, trimmed lines of path ("-" for in).
func readLines(in io.Reader, path string) ([]string, error) {
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}
	var lines []string
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

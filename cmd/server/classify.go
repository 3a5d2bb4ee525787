package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/ashureev/relaybot/internal/classifier"
	"github.com/spf13/cobra"
)

var classifyRules string

var classifyCmd = &cobra.Command{
	Use:   "classify [log-file]",
	Short: "Show how each line of a program transcript would be routed",
	Long: `Runs the output classifier over a captured transcript of the external
program, one chunk per line, and prints the delivery rule, whether the line
would reach the user, and any workflow marker it triggers. Reads stdin when
no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := classifyRules
		if path == "" {
			path = os.Getenv("CLASSIFIER_RULES")
		}
		rules, err := loadRules(path)
		if err != nil {
			return err
		}

		in := cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open transcript: %w", err)
			}
			defer f.Close()
			in = f
		}
		return classifyTranscript(in, cmd.OutOrStdout(), classifier.New(rules))
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyRules, "rules", "", "YAML rule file (defaults to CLASSIFIER_RULES)")
}

func classifyTranscript(in io.Reader, out io.Writer, c *classifier.Classifier) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tDELIVER\tMARKER\tTEXT")

	counts := make(map[string]int)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		res, ok := c.Classify(sc.Text())
		if !ok {
			continue
		}
		marker := "-"
		if res.Workflow != nil {
			marker = res.Workflow.Marker
		}
		counts[res.Decision.Rule]++
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", res.Decision.Rule, res.Decision.Deliver, marker, truncate(res.Text, 60))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read transcript: %w", err)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[name]))
	}
	_, err := fmt.Fprintf(out, "\n%s\n", strings.Join(parts, " "))
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"failkit/internal/baseline"
	"failkit/internal/cases"
	"failkit/internal/domain"
	"failkit/internal/engine"
	"failkit/internal/executor"
	"failkit/internal/receipt"
	"failkit/internal/repo"
)

// errShipGate is returned when a run's decision matches --fail-on.
var errShipGate = errors.New("ship decision gate failed")

func runCmd() *cobra.Command {
	var (
		casePaths   []string
		failOn      string
		recordDir   string
		replay      bool
		baseFile    string
		baseRunID   string
		exportPath  string
		showPassing bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an audit against the configured endpoint",
		Long:  "Loads cases, sends each to the endpoint (or replays recorded fixtures), applies the gates, evaluates checks and prints the ship decision. Results are stored as run history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			failOn = strings.ToLower(strings.TrimSpace(failOn))
			switch failOn {
			case "block", "review", "never":
			default:
				return fmt.Errorf("invalid --fail-on %q (block|review|never)", failOn)
			}
			tcs, err := cases.Load(casePaths...)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.RunOptions{
					ActorID:   viper.GetString("actor-id"),
					Cases:     tcs,
					Replay:    replay,
					RecordDir: recordDir,
				}
				if baseFile != "" {
					b, err := baseline.Load(baseFile)
					if err != nil {
						return err
					}
					opts.Baseline = &b
				}
				if baseRunID == "latest" {
					prev, err := e.Repo.LatestRun(ctx, e.Config.Project.ID, "")
					switch {
					case errors.Is(err, repo.ErrNotFound):
						baseRunID = ""
					case err != nil:
						return err
					default:
						baseRunID = prev.ID
					}
				}
				opts.BaselineRunID = baseRunID

				report, err := e.RunAudit(ctx, opts)
				if err != nil {
					return err
				}
				if exportPath != "" {
					if err := writeJSONFile(exportPath, report.Audit); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					printReport(os.Stdout, report, showPassing)
				}
				return checkFailOn(failOn, report.Audit.ShipDecision.Decision)
			})
		},
	}
	cmd.Flags().StringSliceVar(&casePaths, "cases", []string{"cases"}, "case files or directories (yaml/json)")
	cmd.Flags().StringVar(&failOn, "fail-on", "block", "exit non-zero on decision: block|review|never")
	cmd.Flags().StringVar(&recordDir, "record", "", "store every response as a replay fixture in DIR")
	cmd.Flags().BoolVar(&replay, "replay", false, "answer cases from recorded fixtures instead of the endpoint")
	cmd.Flags().StringVar(&baseFile, "baseline", "", "compare against an exported run JSON file")
	cmd.Flags().StringVar(&baseRunID, "baseline-run", "", "compare against a stored run id, or \"latest\"")
	cmd.Flags().StringVar(&exportPath, "export", "", "write the run result JSON to a file")
	cmd.Flags().BoolVar(&showPassing, "all", false, "list passing cases too")
	return cmd
}

func checkFailOn(failOn string, decision domain.Verdict) error {
	switch {
	case failOn == "never":
		return nil
	case decision == domain.VerdictBlock:
		return fmt.Errorf("%w: %s", errShipGate, decision)
	case failOn == "review" && decision == domain.VerdictNeedsReview:
		return fmt.Errorf("%w: %s", errShipGate, decision)
	}
	return nil
}

func printReport(w io.Writer, report engine.RunReport, showPassing bool) {
	res := report.Audit
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Case", "Result", "Severity", "Reason", "Gates"})
	for _, r := range res.Results {
		if r.Pass && !showPassing {
			continue
		}
		result := "PASS"
		if !r.Pass {
			result = "FAIL"
		}
		rules := make([]string, 0, len(r.Violations))
		for _, v := range r.Violations {
			rules = append(rules, v.Rule)
		}
		tw.AppendRow(table.Row{r.CaseID, result, r.Severity, r.Reason, strings.Join(rules, ",")})
	}
	if tw.Length() > 0 {
		tw.Render()
	}

	if len(res.Buckets) > 0 {
		bt := table.NewWriter()
		bt.SetOutputMirror(w)
		bt.SetTitle("Failure buckets")
		bt.AppendHeader(table.Row{"Bucket", "Count", "Cases"})
		for _, b := range res.Buckets {
			bt.AppendRow(table.Row{b.Name, b.Count, strings.Join(b.CaseIDs, ", ")})
		}
		bt.Render()
	}

	if report.Regression != nil {
		printRegression(w, *report.Regression)
	}

	partial := ""
	if res.Partial {
		partial = " (partial: run was interrupted)"
	}
	fmt.Fprintf(w, "\nRun %s: %d/%d passed (%.1f%%)%s\n", res.RunID, res.Passed, res.Total, res.PassRate*100, partial)
	fmt.Fprintf(w, "Decision: %s - %s\n", res.ShipDecision.Decision, res.ShipDecision.Reason)
	if res.ShipDecision.Action != "" {
		fmt.Fprintf(w, "Next: %s\n", res.ShipDecision.Action)
	}
}

func printRegression(w io.Writer, diff domain.RegressionResult) {
	fmt.Fprintf(w, "\nAgainst baseline %s: %d regressions, %d fixes, %d new, %d removed, %d unchanged\n",
		diff.BaselineRunID, len(diff.Regressions), len(diff.Fixes), len(diff.New), len(diff.Removed), diff.Unchanged)
	if len(diff.Regressions) == 0 && len(diff.Fixes) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Case", "Change", "Severity", "Reason"})
	for _, d := range diff.Regressions {
		tw.AppendRow(table.Row{d.CaseID, "regressed", d.Severity, d.Reason})
	}
	for _, d := range diff.Fixes {
		tw.AppendRow(table.Row{d.CaseID, "fixed", d.Severity, d.Reason})
	}
	tw.Render()
}

func casesCmd() *cobra.Command {
	cs := &cobra.Command{Use: "cases", Short: "Inspect case files"}
	var casePaths []string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load cases and check them against the config without running",
		RunE: func(cmd *cobra.Command, args []string) error {
			tcs, err := cases.Load(casePaths...)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tk, err := e.Toolkit()
				if err != nil {
					return err
				}
				if err := tk.ValidateCases(tcs); err != nil {
					return err
				}
				fmt.Printf("%d cases OK\n", len(tcs))
				return nil
			})
		},
	}
	validate.Flags().StringSliceVar(&casePaths, "cases", []string{"cases"}, "case files or directories")
	cs.AddCommand(validate)
	return cs
}

func receiptCmd() *cobra.Command {
	rc := &cobra.Command{Use: "receipt", Short: "Validate and generate action receipts"}
	rc.AddCommand(receiptValidateCmd())
	rc.AddCommand(receiptGenerateCmd())
	return rc
}

func receiptValidateCmd() *cobra.Command {
	var strict bool
	var compliance []string
	cmd := &cobra.Command{
		Use:   "validate <file|->...",
		Short: "Validate receipt JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fws, err := receipt.ParseFrameworks(compliance)
			if err != nil {
				return err
			}
			v := receipt.NewValidator(receipt.Options{Strict: strict, Frameworks: fws})
			results := make(map[string]receipt.Result, len(args))
			invalid := 0
			for _, path := range args {
				data, err := readInput(path)
				if err != nil {
					return err
				}
				res, err := v.ValidateJSON(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if !res.Valid {
					invalid++
				}
				results[path] = res
			}
			if viper.GetBool("json") {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"File", "Valid", "Problem"})
				for _, path := range args {
					res := results[path]
					if res.Valid && len(res.Warnings) == 0 {
						tw.AppendRow(table.Row{path, true, ""})
					}
					for _, fe := range res.Errors {
						tw.AppendRow(table.Row{path, false, fe.Error()})
					}
					for _, m := range res.Missing {
						tw.AppendRow(table.Row{path, false, "missing " + m})
					}
					for _, w := range res.Warnings {
						tw.AppendRow(table.Row{path, res.Valid, "warning: " + w})
					}
				}
				tw.Render()
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d receipts invalid", invalid, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "warn on absent proof and duration_ms")
	cmd.Flags().StringSliceVar(&compliance, "compliance", nil, "frameworks: SOC2, PCI-DSS, HIPAA, GDPR")
	return cmd
}

func receiptGenerateCmd() *cobra.Command {
	var tool, input, output, status string
	var sign bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build a receipt for a tool call (input and output are JSON)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in, out any
			if err := json.Unmarshal([]byte(input), &in); err != nil {
				return fmt.Errorf("--input: %w", err)
			}
			if err := json.Unmarshal([]byte(output), &out); err != nil {
				return fmt.Errorf("--output: %w", err)
			}
			r, err := receipt.Generate(tool, in, out, domain.ReceiptStatus(status), receipt.GenerateOptions{Sign: sign})
			if err != nil {
				return err
			}
			return printJSON(r)
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "tool name")
	cmd.Flags().StringVar(&input, "input", "null", "tool input as JSON")
	cmd.Flags().StringVar(&output, "output", "null", "tool output as JSON")
	cmd.Flags().StringVar(&status, "status", string(domain.StatusSuccess), "receipt status")
	cmd.Flags().BoolVar(&sign, "sign", false, "attach a signature")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func gatesCmd() *cobra.Command {
	gt := &cobra.Command{Use: "gates", Short: "Run the gate pipeline by hand"}
	var requestText, responsePath string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Apply the configured gates to one agent response",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(responsePath)
			if err != nil {
				return err
			}
			resp, err := executor.DecodeResponse(data)
			if err != nil {
				return fmt.Errorf("response: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyGates(requestText, resp)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"response": res.Response, "violations": res.Violations})
				}
				if len(res.Violations) == 0 {
					fmt.Println("no gate fired")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rule", "Reason", "Category"})
				for _, v := range res.Violations {
					tw.AppendRow(table.Row{v.Rule, v.Reason, v.Category})
				}
				tw.Render()
				fmt.Printf("decision: %s\nfinal_text: %s\n", res.Response.Outputs.Decision, res.Response.Outputs.FinalText)
				return nil
			})
		},
	}
	apply.Flags().StringVar(&requestText, "request", "", "the user request text")
	apply.Flags().StringVar(&responsePath, "response", "-", "agent response JSON file, - for stdin")
	gt.AddCommand(apply)
	return gt
}

func runsCmd() *cobra.Command {
	rs := &cobra.Command{Use: "runs", Short: "Inspect run history"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRuns(ctx, e.Config.Project.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Started", "Passed", "Total", "Pass rate", "Decision", "Partial"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.StartedAt, r.Passed, r.Total, fmt.Sprintf("%.1f%%", r.PassRate*100), r.Decision, r.Partial})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of runs")
	var showPassing bool
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Repo.GetAuditResult(ctx, e.Config.Project.ID, args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printReport(os.Stdout, engine.RunReport{Audit: res}, showPassing)
				return nil
			})
		},
	}
	show.Flags().BoolVar(&showPassing, "all", false, "list passing cases too")
	rs.AddCommand(list, show)
	return rs
}

func compareCmd() *cobra.Command {
	var baseFile string
	cmd := &cobra.Command{
		Use:   "compare <run-id> [baseline-run-id]",
		Short: "Compare a stored run against a baseline run or exported file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 2) == (baseFile != "") {
				return fmt.Errorf("give either a baseline run id or --baseline")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				actor := viper.GetString("actor-id")
				var (
					diff domain.RegressionResult
					err  error
				)
				if baseFile != "" {
					b, lerr := baseline.Load(baseFile)
					if lerr != nil {
						return lerr
					}
					diff, err = e.CompareBaseline(ctx, projectID, args[0], actor, b)
				} else {
					diff, err = e.CompareRuns(ctx, projectID, args[0], args[1], actor)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(diff)
				}
				printRegression(os.Stdout, diff)
				if diff.HasRegressions() {
					return fmt.Errorf("%d regressions", len(diff.Regressions))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&baseFile, "baseline", "", "exported run JSON file")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

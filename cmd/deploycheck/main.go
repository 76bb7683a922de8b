// Command deploycheck reports whether the most recent deploy workflow run
// for this repository succeeded, and if not, surfaces the log lines most
// likely to explain why.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ajmccauley/syncrelay/internal/deploycheck"
)

func main() {
	var opts deploycheck.Options
	var fullLog bool

	rootCmd := &cobra.Command{
		Use:   "deploycheck",
		Short: "Check the latest deploy workflow run and summarize its logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, fullLog)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVar(&opts.Workflow, "workflow", "deploy.yml", "workflow file name")
	rootCmd.Flags().StringVar(&opts.Branch, "branch", "main", "branch to check")
	rootCmd.Flags().Int64Var(&opts.RunID, "run-id", 0, "check a specific run id instead of the latest")
	rootCmd.Flags().IntVar(&opts.TailLines, "tail-lines", 120, "number of log lines to print when the run did not succeed")
	rootCmd.Flags().StringVar(&opts.ArtifactNamePrefix, "artifact-name-prefix", "deploy-log-", "artifact name prefix to prefer over the run's own log stream")
	rootCmd.Flags().BoolVar(&fullLog, "full-log", false, "print the full log even on success")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var toolingErr *deploycheck.ToolingError
		if errors.As(err, &toolingErr) {
			fmt.Printf("tooling_error: %v\n", err)
		} else {
			fmt.Println(err)
		}
		os.Exit(deploycheck.ExitToolingError)
	}
}

func run(ctx context.Context, opts deploycheck.Options, fullLog bool) error {
	checker := deploycheck.NewChecker()
	report, err := checker.Check(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Printf("run_id: %d\n", report.Run.RunID)
	fmt.Printf("status: %s\n", report.Run.Status)
	fmt.Printf("conclusion: %s\n", orDefault(report.Run.Conclusion, "none"))
	fmt.Printf("event: %s\n", orDefault(report.Run.Event, "unknown"))
	fmt.Printf("head_sha: %s\n", orDefault(report.Run.HeadSHA, "unknown"))
	fmt.Printf("url: %s\n", orDefault(report.Run.HTMLURL, "unknown"))

	if report.Run.Succeeded() {
		fmt.Println("result: success")
		if fullLog {
			fmt.Println("\n--- full log ---")
			fmt.Println(report.LogText)
		}
		return nil
	}

	fmt.Println("result: deploy_not_success")
	if len(report.ErrorLines) > 0 {
		fmt.Println("\n--- detected error lines ---")
		for _, line := range report.ErrorLines {
			fmt.Println(line)
		}
	}
	fmt.Println("\n--- log tail ---")
	fmt.Println(report.LogTail)
	os.Exit(deploycheck.ExitDeployNotSuccess)
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

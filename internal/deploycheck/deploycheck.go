// Package deploycheck inspects the most recent GitHub Actions deploy
// workflow run for this repository and reports whether it succeeded,
// surfacing the log lines most likely to explain a failure. It shells out
// to the gh and git CLIs rather than hand-rolling a GitHub API client,
// matching the operational tooling this repo already assumes is on PATH
// in CI and on operator workstations.
package deploycheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Exit code conventions for cmd/deploycheck.
const (
	ExitOK               = 0
	ExitDeployNotSuccess = 2
	ExitToolingError     = 3
)

var errorPatterns = compileErrorPatterns([]string{
	`CREATE_FAILED`,
	`ROLLBACK`,
	`Error:`,
	`Not authorized`,
	`InvalidRequest`,
	`AccessDenied`,
})

func compileErrorPatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile("(?i)" + p)
	}
	return compiled
}

// ToolingError is raised when local tooling (git, gh) cannot be invoked or
// returns data this package cannot interpret. It is distinct from a deploy
// that ran and failed, which is reported as a non-success RunSummary
// instead of an error.
type ToolingError struct {
	msg string
}

func (e *ToolingError) Error() string { return e.msg }

func toolingErrorf(format string, args ...any) error {
	return &ToolingError{msg: fmt.Sprintf(format, args...)}
}

// RunSummary mirrors the subset of a GitHub Actions workflow run this
// package cares about.
type RunSummary struct {
	RunID      int64
	Status     string
	Conclusion string
	HTMLURL    string
	HeadSHA    string
	Event      string
}

// Succeeded reports whether the run completed successfully.
func (r RunSummary) Succeeded() bool {
	return r.Status == "completed" && r.Conclusion == "success"
}

// Report is the outcome of one Check invocation.
type Report struct {
	Repo       string
	Run        RunSummary
	LogText    string
	ErrorLines []string
	LogTail    string
}

// Options configures a Check invocation. Zero values select the same
// defaults the original tooling used.
type Options struct {
	Workflow           string
	Branch             string
	RunID              int64
	TailLines          int
	ArtifactNamePrefix string
}

func (o Options) withDefaults() Options {
	if o.Workflow == "" {
		o.Workflow = "deploy.yml"
	}
	if o.Branch == "" {
		o.Branch = "main"
	}
	if o.TailLines == 0 {
		o.TailLines = 120
	}
	if o.ArtifactNamePrefix == "" {
		o.ArtifactNamePrefix = "deploy-log-"
	}
	return o
}

// Runner executes external commands on behalf of Check. The production
// Runner shells out to git and gh; tests substitute a fake so this
// package's decision logic can be exercised without either binary
// present.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

// execRunner is the default Runner, backed by os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.Error); ok {
			return "", toolingErrorf("command not found: %s. Install required tooling first.", name)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", toolingErrorf("command failed (%s %s): %s", name, strings.Join(args, " "), detail)
	}
	return stdout.String(), nil
}

// Checker runs one deploy check against the repo's origin remote.
type Checker struct {
	runner Runner
}

// NewChecker builds a Checker that shells out to the real git and gh
// binaries.
func NewChecker() *Checker {
	return &Checker{runner: execRunner{}}
}

// newCheckerForTest builds a Checker against a fake Runner.
func newCheckerForTest(runner Runner) *Checker {
	return &Checker{runner: runner}
}

// Check verifies gh is installed and authenticated, resolves the repo from
// the local git origin remote, loads the relevant run (by id, or the
// latest matching the workflow/branch), and downloads its log, preferring
// the artifact named by ArtifactNamePrefix and falling back to the run's
// own log stream.
func (c *Checker) Check(ctx context.Context, opts Options) (Report, error) {
	opts = opts.withDefaults()

	if err := c.ensureGHAvailable(ctx); err != nil {
		return Report{}, err
	}

	repo, err := c.repoFromGitOrigin(ctx)
	if err != nil {
		return Report{}, err
	}

	var run RunSummary
	if opts.RunID != 0 {
		run, err = c.loadRunByID(ctx, repo, opts.RunID)
	} else {
		run, err = c.loadLatestRun(ctx, repo, opts.Workflow, opts.Branch)
	}
	if err != nil {
		return Report{}, err
	}

	logText, err := c.downloadArtifactLog(ctx, repo, run.RunID, opts.ArtifactNamePrefix)
	if err != nil {
		return Report{}, err
	}
	if logText == "" {
		logText, err = c.fallbackRunLog(ctx, run.RunID)
		if err != nil {
			return Report{}, err
		}
	}

	report := Report{Repo: repo, Run: run, LogText: logText}
	if !run.Succeeded() {
		report.ErrorLines = ExtractErrorLines(logText, 40)
		report.LogTail = TailLog(logText, opts.TailLines)
	}
	return report, nil
}

func (c *Checker) ensureGHAvailable(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, "gh", "--version"); err != nil {
		return err
	}
	// gh auth status exits non-zero when not authenticated.
	if _, err := c.runner.Run(ctx, "gh", "auth", "status"); err != nil {
		return toolingErrorf("gh is not authenticated: %v", err)
	}
	return nil
}

func (c *Checker) repoFromGitOrigin(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, "git", "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return ParseRepoFromRemote(strings.TrimSpace(out))
}

type ghRunsPayload struct {
	WorkflowRuns []ghRun `json:"workflow_runs"`
}

type ghRun struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
	HeadSHA    string `json:"head_sha"`
	Event      string `json:"event"`
}

func (r ghRun) toSummary() RunSummary {
	return RunSummary{
		RunID:      r.ID,
		Status:     r.Status,
		Conclusion: r.Conclusion,
		HTMLURL:    r.HTMLURL,
		HeadSHA:    r.HeadSHA,
		Event:      r.Event,
	}
}

func (c *Checker) loadLatestRun(ctx context.Context, repo, workflow, branch string) (RunSummary, error) {
	raw, err := c.runner.Run(ctx, "gh", "api",
		fmt.Sprintf("repos/%s/actions/workflows/%s/runs?branch=%s&per_page=30", repo, workflow, branch))
	if err != nil {
		return RunSummary{}, err
	}
	var payload ghRunsPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return RunSummary{}, toolingErrorf("unparseable workflow runs payload: %v", err)
	}
	latest := SelectLatestRun(payload.WorkflowRuns, "push", "workflow_dispatch")
	if latest == nil {
		return RunSummary{}, toolingErrorf("no deploy workflow runs found for workflow=%s branch=%s", workflow, branch)
	}
	return latest.toSummary(), nil
}

func (c *Checker) loadRunByID(ctx context.Context, repo string, runID int64) (RunSummary, error) {
	raw, err := c.runner.Run(ctx, "gh", "api", fmt.Sprintf("repos/%s/actions/runs/%d", repo, runID))
	if err != nil {
		return RunSummary{}, err
	}
	var run ghRun
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return RunSummary{}, toolingErrorf("unparseable run payload for run_id=%d: %v", runID, err)
	}
	return run.toSummary(), nil
}

type ghArtifactsPayload struct {
	Artifacts []ghArtifact `json:"artifacts"`
}

type ghArtifact struct {
	Name string `json:"name"`
}

func (c *Checker) downloadArtifactLog(ctx context.Context, repo string, runID int64, artifactNamePrefix string) (string, error) {
	raw, err := c.runner.Run(ctx, "gh", "api", fmt.Sprintf("repos/%s/actions/runs/%d/artifacts?per_page=100", repo, runID))
	if err != nil {
		return "", err
	}
	var payload ghArtifactsPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", toolingErrorf("unparseable artifacts payload for run_id=%d: %v", runID, err)
	}

	var artifactName string
	for _, a := range payload.Artifacts {
		if strings.HasPrefix(a.Name, artifactNamePrefix) {
			artifactName = a.Name
			break
		}
	}
	if artifactName == "" {
		return "", nil
	}

	tmpDir, err := os.MkdirTemp("", "syncrelay-deploy-log-")
	if err != nil {
		return "", toolingErrorf("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	if _, err := c.runner.Run(ctx, "gh", "run", "download", fmt.Sprintf("%d", runID), "-n", artifactName, "-D", tmpDir); err != nil {
		return "", err
	}

	var logPath string
	filepath.Walk(tmpDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.Name() == "deploy.log" && (logPath == "" || path < logPath) {
			logPath = path
		}
		return nil
	})
	if logPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", toolingErrorf("read downloaded log: %v", err)
	}
	return string(data), nil
}

func (c *Checker) fallbackRunLog(ctx context.Context, runID int64) (string, error) {
	return c.runner.Run(ctx, "gh", "run", "view", fmt.Sprintf("%d", runID), "--log")
}

// ParseRepoFromRemote extracts an "owner/repo" slug from an origin remote
// URL in any of the forms git remote -v prints.
func ParseRepoFromRemote(remoteURL string) (string, error) {
	raw := strings.TrimSpace(remoteURL)
	raw = strings.TrimSuffix(raw, ".git")
	switch {
	case strings.HasPrefix(raw, "https://github.com/"):
		return strings.TrimPrefix(raw, "https://github.com/"), nil
	case strings.HasPrefix(raw, "http://github.com/"):
		return strings.TrimPrefix(raw, "http://github.com/"), nil
	case strings.HasPrefix(raw, "git@github.com:"):
		return strings.TrimPrefix(raw, "git@github.com:"), nil
	default:
		return "", toolingErrorf("unsupported git remote URL format: %s", remoteURL)
	}
}

// SelectLatestRun returns the first run (gh already orders these newest
// first) whose event matches one of allowedEvents, or nil if none do.
func SelectLatestRun(runs []ghRun, allowedEvents ...string) *ghRun {
	allowed := make(map[string]bool, len(allowedEvents))
	for _, e := range allowedEvents {
		allowed[e] = true
	}
	for i := range runs {
		if allowed[runs[i].Event] {
			return &runs[i]
		}
	}
	return nil
}

// ExtractErrorLines returns up to maxLines lines from logText that match
// one of the known deploy failure patterns, in order of appearance.
func ExtractErrorLines(logText string, maxLines int) []string {
	var matched []string
	for _, line := range strings.Split(logText, "\n") {
		for _, pattern := range errorPatterns {
			if pattern.MatchString(line) {
				matched = append(matched, line)
				break
			}
		}
		if len(matched) >= maxLines {
			break
		}
	}
	return matched
}

// TailLog returns the last lineCount lines of logText joined by "\n". A
// trailing newline ends the last line; it does not start an empty one.
func TailLog(logText string, lineCount int) string {
	if lineCount <= 0 {
		return ""
	}
	lines := strings.Split(strings.TrimSuffix(logText, "\n"), "\n")
	if len(lines) > lineCount {
		lines = lines[len(lines)-lineCount:]
	}
	return strings.Join(lines, "\n")
}

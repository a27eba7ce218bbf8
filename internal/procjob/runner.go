// Package procjob implements the external-process runner shared by both
// Simulation Schedulers: workdir preparation, a merged stdout+stderr
// line-scan that drives monotonic progress reporting, a wall-clock
// deadline with kill-on-expiry, and post-exit output verification.
package procjob

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ProcError carries the failure-kind taxonomy a Simulation Scheduler
// reports: "timeout", "subprocess", or "missing_output".
type ProcError struct {
	Kind string
	Err  error
}

func (e *ProcError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ProcError) Unwrap() error { return e.Err }

// ProgressMatcher maps a substring seen on the child's combined
// stdout+stderr stream to a monotonic progress value and an event kind.
// Matchers are tried in order; the first match on a line wins.
type ProgressMatcher struct {
	Substr   string
	Progress int
	Kind     string
}

// Spec describes one external-process invocation.
type Spec struct {
	Command         string
	Args            []string
	WorkDir         string
	Timeout         time.Duration // 0 means no deadline
	Matchers        []ProgressMatcher
	ExpectedOutputs []string // paths verified to exist after a clean exit
	// FoldCase matches Matchers against a lower-cased copy of each line.
	// charm's free-text progress banners vary in case across SimNIBS
	// releases, unlike ROAST's fixed-case "STEP N" markers.
	FoldCase bool
}

// OnProgress is invoked, in order, whenever a line matches a Matcher whose
// Progress exceeds the highest progress reported so far for this run.
type OnProgress func(progress int, kind string)

// Runner launches one external process per Run call. It holds no state
// between calls; callers wrap it with their own deadline/queue policy.
type Runner struct{}

// Run executes spec's command in spec.WorkDir, streaming merged
// stdout+stderr through spec.Matchers, and returns a *ProcError on any
// failure: a deadline exceeded ("timeout"), a nonzero exit or launch
// failure ("subprocess"), or a missing expected output file
// ("missing_output").
func (r Runner) Run(ctx context.Context, spec Spec, onProgress OnProgress) error {
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return fmt.Errorf("procjob: create workdir %s: %w", spec.WorkDir, err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir

	// Both streams are merged onto one pipe: the scheduler's progress
	// matchers make no distinction between stdout and stderr lines, per
	// spec §4.8 step 5 ("capture merged stdout+stderr line-by-line").
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("procjob: create pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return &ProcError{Kind: "subprocess", Err: err}
	}
	pw.Close()

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		last := -1
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := scanner.Text()
			if spec.FoldCase {
				line = strings.ToLower(line)
			}
			for _, m := range spec.Matchers {
				if m.Progress <= last {
					continue
				}
				if strings.Contains(line, m.Substr) {
					last = m.Progress
					if onProgress != nil {
						onProgress(m.Progress, m.Kind)
					}
					break
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	pr.Close()
	<-scanDone

	if runCtx.Err() == context.DeadlineExceeded {
		return &ProcError{Kind: "timeout", Err: runCtx.Err()}
	}
	if waitErr != nil {
		return &ProcError{Kind: "subprocess", Err: waitErr}
	}

	for _, out := range spec.ExpectedOutputs {
		if _, statErr := os.Stat(out); statErr != nil {
			return &ProcError{Kind: "missing_output", Err: fmt.Errorf("expected output %s: %w", out, statErr)}
		}
	}
	return nil
}

package conformance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/wasp/internal/wasm"
)

// Result is the outcome of one scenario.
type Result struct {
	Scenario string
	Passed   bool

	// Got describes what the export produced when it did not match.
	Got string

	// Err is the call error, if any.
	Err      error
	Duration time.Duration
}

// Report collects the results of a suite run in scenario order.
type Report struct {
	Results []Result
}

// Passed reports whether every scenario passed.
func (r *Report) Passed() bool {
	return len(r.Failed()) == 0
}

// Failed returns the results that did not pass.
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if !res.Passed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Runner executes suites against instances.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{
		logger: logger.With(zap.String("component", "conformance")),
	}
}

// Run executes every scenario of suite on inst in order. A scenario that
// leaves the instance closed makes the remaining ones fail.
func (r *Runner) Run(ctx context.Context, inst *wasm.Instance, suite *Suite) *Report {
	report := &Report{Results: make([]Result, 0, len(suite.Scenarios))}

	for _, sc := range suite.Scenarios {
		start := time.Now()
		res := r.runScenario(ctx, inst, sc)
		res.Duration = time.Since(start)
		report.Results = append(report.Results, res)

		if res.Passed {
			r.logger.Debug("Scenario passed",
				zap.String("scenario", sc.Name),
				zap.Duration("duration", res.Duration),
			)
		} else {
			r.logger.Warn("Scenario failed",
				zap.String("scenario", sc.Name),
				zap.String("export", sc.Export),
				zap.String("got", res.Got),
				zap.Error(res.Err),
			)
		}
	}

	r.logger.Info("Conformance run complete",
		zap.String("instance", inst.ID),
		zap.Int("scenarios", len(report.Results)),
		zap.Int("failed", len(report.Failed())),
	)
	return report
}

func (r *Runner) runScenario(ctx context.Context, inst *wasm.Instance, sc Scenario) Result {
	res := Result{Scenario: sc.Name}

	args := make([]any, 0, len(sc.Args.Ints)+1)
	for _, v := range sc.Args.Ints {
		args = append(args, v)
	}
	switch {
	case sc.Args.Text != nil:
		args = append(args, *sc.Args.Text)
	case sc.Args.Bytes != nil:
		args = append(args, []byte(*sc.Args.Bytes))
	}

	exp := sc.Expect
	switch {
	case exp.Failure != nil:
		res.Err = inst.CallFunction(ctx, sc.Export, nil, args...)
		var failure *wasm.GuestSignaledFailure
		if errors.As(res.Err, &failure) {
			res.Passed = failure.Message == *exp.Failure
			res.Got = fmt.Sprintf("failure %q", failure.Message)
		} else if res.Err == nil {
			res.Got = "success"
		}

	case exp.Int != nil:
		var out int32
		if res.Err = inst.CallFunction(ctx, sc.Export, &out, args...); res.Err == nil {
			res.Passed = out == *exp.Int
			res.Got = fmt.Sprintf("%d", out)
		}

	case exp.Text != nil:
		var out string
		if res.Err = inst.CallFunction(ctx, sc.Export, &out, args...); res.Err == nil {
			res.Passed = out == *exp.Text
			res.Got = fmt.Sprintf("%q", out)
		}

	case exp.Bytes != nil:
		var out []byte
		if res.Err = inst.CallFunction(ctx, sc.Export, &out, args...); res.Err == nil {
			res.Passed = bytes.Equal(out, *exp.Bytes)
			res.Got = fmt.Sprintf("%v", out)
		}
	}

	if res.Passed {
		res.Got = ""
	}
	return res
}

// Package upload executes the upload stage across a fixed priority order of
// alternative submission mechanisms, with a bounded wall-clock budget and
// optional processing-status polling.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/metrics"
	"github.com/snooky23/apple-deploy-sub001/internal/ports"
)

// Strategy is one mechanism for submitting an archive to the upload channel.
type Strategy interface {
	Name() string
	Upload(ctx context.Context, archivePath string, creds ports.UploadCredentials, opts ports.UploadOptions) (ports.UploadResult, error)
}

// Defaults for the coordinator's time budgets.
const (
	DefaultBudget       = 30 * time.Minute
	DefaultPollInterval = 30 * time.Second
	DefaultPollBudget   = 10 * time.Minute
)

// Coordinator tries strategies in order, falling through only when the
// current one fails outright. There is no cross-strategy retry count; the
// wall-clock budget bounds the whole operation. Strategies are distinct
// mechanisms, not repeated attempts, so no backoff applies between them.
type Coordinator struct {
	strategies   []Strategy
	channel      ports.Upload
	logger       *slog.Logger
	recorder     *metrics.Recorder
	budget       time.Duration
	pollInterval time.Duration
	pollBudget   time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewCoordinator returns a coordinator over the given strategies in priority
// order. channel is polled for processing state in enhanced mode.
func NewCoordinator(strategies []Strategy, channel ports.Upload, recorder *metrics.Recorder, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		strategies:   strategies,
		channel:      channel,
		logger:       logger,
		recorder:     recorder,
		budget:       DefaultBudget,
		pollInterval: DefaultPollInterval,
		pollBudget:   DefaultPollBudget,
		sleep:        sleepCtx,
	}
}

// WithBudgets overrides the default time budgets. Zero values keep defaults.
func (c *Coordinator) WithBudgets(budget, pollInterval, pollBudget time.Duration) *Coordinator {
	if budget > 0 {
		c.budget = budget
	}
	if pollInterval > 0 {
		c.pollInterval = pollInterval
	}
	if pollBudget > 0 {
		c.pollBudget = pollBudget
	}
	return c
}

// Upload submits the archive. It never returns an error: callers must check
// the result's Success flag. On success the winning mechanism is recorded in
// the result metadata as upload_method and earlier failures are retained in
// AttemptErrs without becoming the final error.
func (c *Coordinator) Upload(ctx context.Context, archivePath string, creds ports.UploadCredentials, opts ports.UploadOptions) ports.UploadResult {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	var attemptErrs []string
	var lastStrategy string
	for _, strategy := range c.strategies {
		if ctx.Err() != nil {
			attemptErrs = append(attemptErrs, fmt.Sprintf("%s: not attempted: %v", strategy.Name(), ctx.Err()))
			continue
		}
		lastStrategy = strategy.Name()
		result, err := strategy.Upload(ctx, archivePath, creds, opts)
		if err != nil {
			c.recorder.UploadAttempt(strategy.Name(), "failure")
			c.logger.Warn("upload strategy failed",
				"strategy", strategy.Name(), "archive", archivePath, "error", err)
			attemptErrs = append(attemptErrs, fmt.Sprintf("%s: %v", strategy.Name(), err))
			continue
		}
		c.recorder.UploadAttempt(strategy.Name(), "success")
		result.Success = true
		result.AttemptErrs = attemptErrs
		if result.Metadata == nil {
			result.Metadata = make(map[string]string, 1)
		}
		result.Metadata["upload_method"] = strategy.Name()
		c.logger.Info("upload succeeded", "strategy", strategy.Name(), "archive", archivePath)
		if opts.Enhanced {
			result.FinalState = c.awaitProcessing(ctx, opts)
		}
		return result
	}

	final := ports.UploadResult{
		Success:     false,
		AttemptErrs: attemptErrs,
		Metadata:    map[string]string{},
	}
	if lastStrategy != "" {
		final.Metadata["failed_strategy"] = lastStrategy
	}
	if len(attemptErrs) > 0 {
		final.Metadata["error"] = attemptErrs[len(attemptErrs)-1]
	} else {
		final.Metadata["error"] = "no upload strategies configured"
	}
	c.logger.Error("all upload strategies failed", "archive", archivePath, "attempts", len(attemptErrs))
	return final
}

// awaitProcessing polls the processing-state endpoint at a fixed interval
// until the build reaches a terminal state or the wait budget is exhausted.
// Processing status does not fail transiently, so there is no backoff.
func (c *Coordinator) awaitProcessing(ctx context.Context, opts ports.UploadOptions) ports.ProcessingState {
	deadline := time.Now().Add(c.pollBudget)
	for {
		state, err := c.channel.GetProcessingState(ctx, opts.BundleID, opts.BuildNumber)
		if err != nil {
			c.logger.Warn("processing state poll failed",
				"bundle_id", opts.BundleID, "build", opts.BuildNumber, "error", err)
			state = ports.ProcessingUnknown
		}
		if state.Terminal() {
			return state
		}
		if time.Now().After(deadline) {
			c.logger.Warn("processing wait budget exhausted",
				"bundle_id", opts.BundleID, "build", opts.BuildNumber)
			return ports.ProcessingInProgress
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return ports.ProcessingUnknown
		}
	}
}

// sleepCtx waits for d or for ctx cancellation, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

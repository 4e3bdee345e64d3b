// Package indexer drives the optional semantic-search indexer binary:
// start, stop, index-reconcile, and the health probe that parses its
// status subcommand output, per spec §4.7 and §6 "Process invocations".
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cloudshipai/runner/internal/impersonate"
)

// Controller implements jobs.IndexerController against a configured
// indexer binary, run under impersonation in the job's workspace.
type Controller struct {
	imp               impersonate.Impersonator
	program           string
	embeddingProvider string
	timeout           time.Duration
	grace             time.Duration
}

// NewController constructs a Controller. embeddingProvider is passed as
// the indexer's index-reconcile option, per spec §6.
func NewController(imp impersonate.Impersonator, program, embeddingProvider string, timeout, grace time.Duration) *Controller {
	return &Controller{imp: imp, program: program, embeddingProvider: embeddingProvider, timeout: timeout, grace: grace}
}

func (c *Controller) run(ctx context.Context, workspacePath, targetUser string, args ...string) (string, error) {
	var out []byte
	result, err := c.imp.Run(ctx, impersonate.Request{
		TargetUser:  targetUser,
		WorkingDir:  workspacePath,
		Program:     c.program,
		Args:        args,
		Timeout:     c.timeout,
		GracePeriod: c.grace,
		OnStdout: func(chunk []byte) {
			out = append(out, chunk...)
		},
	})
	if err != nil {
		return string(out), err
	}
	if result.ExitCode != 0 {
		return string(out), fmt.Errorf("indexer %v exited %d", args, result.ExitCode)
	}
	return string(out), nil
}

// Start implements jobs.IndexerController.
func (c *Controller) Start(ctx context.Context, workspacePath, targetUser string) error {
	_, err := c.run(ctx, workspacePath, targetUser, "start")
	return err
}

// Stop implements jobs.IndexerController. Best-effort: callers (the
// Executor) log failures rather than propagating them, per spec §4.7
// ("indexer start/stop failures never fail the job").
func (c *Controller) Stop(ctx context.Context, workspacePath, targetUser string) error {
	_, err := c.run(ctx, workspacePath, targetUser, "stop")
	return err
}

// Reconcile implements jobs.IndexerController, passing the configured
// embedding provider option.
func (c *Controller) Reconcile(ctx context.Context, workspacePath, targetUser string) error {
	_, err := c.run(ctx, workspacePath, targetUser, "index-reconcile", "--embedding-provider", c.embeddingProvider)
	return err
}

// Healthy implements jobs.IndexerController: parses the status
// subcommand's output and reports true only when every component line
// reports its ready token. Uses github.com/tidwall/gjson, already in the
// teacher's dependency set, on the assumption the status subcommand emits
// JSON lines of the form {"component":"...","status":"ready"} — if the
// real indexer's output shape differs this is the one place to adjust the
// gjson path expressions.
func (c *Controller) Healthy(ctx context.Context, workspacePath, targetUser string) bool {
	out, err := c.run(ctx, workspacePath, targetUser, "status")
	if err != nil {
		return false
	}
	return allComponentsReady(out)
}

// allComponentsReady treats out as newline-delimited JSON objects, each
// carrying a "status" field, and requires at least one line and every
// line to report "ready". Kept as a standalone function so it is testable
// against literal status-probe output without driving a real indexer
// binary.
func allComponentsReady(out string) bool {
	var seen int
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		seen++
		status := gjson.Get(line, "status")
		if !status.Exists() || status.String() != "ready" {
			return false
		}
	}
	return seen > 0
}

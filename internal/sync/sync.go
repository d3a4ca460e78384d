// Package sync reconciles the compose projects of the host with the
// stacks declared in the deployment repository.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/schaermu/composesyncd/internal/compose"
	"github.com/schaermu/composesyncd/internal/config"
	"github.com/schaermu/composesyncd/internal/git"
	"github.com/schaermu/composesyncd/internal/metrics"
	"github.com/schaermu/composesyncd/internal/planner"
	"github.com/schaermu/composesyncd/internal/repo"
	"github.com/schaermu/composesyncd/internal/secrets"
	"github.com/schaermu/composesyncd/internal/stack"
)

// EnvReader resolves stack environments; see secrets.Reader
type EnvReader interface {
	CheckEncryption(ctx context.Context, repoDir, keyPath string) error
	ReadAndMergeEnvs(ctx context.Context, scope secrets.Scope, maskSecrets bool) (stack.EffectiveEnv, error)
}

// Engine orchestrates the sync process
type Engine struct {
	cfg     *config.Config
	git     git.Client
	compose compose.Runtime
	secrets EnvReader
	planner *planner.Planner
	metrics *metrics.Metrics
	logger  *slog.Logger
	dryRun  bool

	status atomic.Pointer[Status]
}

// NewEngine creates a new sync engine. m may be nil.
func NewEngine(cfg *config.Config, gitClient git.Client, runtime compose.Runtime, reader EnvReader, m *metrics.Metrics, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		git:     gitClient,
		compose: runtime,
		secrets: reader,
		planner: planner.New(cfg.RepoDir(), cfg.IgnoreExternal()),
		metrics: m,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Run checks out the configured ref and reconciles the host with it
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting sync",
		"repo", e.cfg.Repo.URL,
		"ref", e.cfg.Repo.Ref,
		"dry_run", e.dryRun)

	start := time.Now()
	commit, err := e.Checkout(ctx)
	if err != nil {
		e.finish(commit, nil, err, start)
		return err
	}

	plan, err := e.reconcile(ctx)
	e.finish(commit, plan, err, start)
	return err
}

// Poll checks out the configured ref and reconciles when the commit moved
// away from lastCommit or the host drifted from the checkout. It returns
// the checked out commit.
func (e *Engine) Poll(ctx context.Context, lastCommit string) (string, error) {
	start := time.Now()
	commit, err := e.Checkout(ctx)
	if err != nil {
		e.finish(commit, nil, err, start)
		return "", err
	}

	if commit == lastCommit {
		required, err := e.IsUpdateRequired(ctx)
		if err != nil {
			e.finish(commit, nil, err, start)
			return "", err
		}
		if !required {
			e.logger.Debug("no changes detected", "commit", commit)
			e.metrics.ObserveCycle(metrics.ResultSkipped, time.Since(start))
			return commit, nil
		}
		e.logger.Info("stacks drifted from checkout, reconciling", "commit", commit)
	} else {
		e.logger.Info("new commit detected", "previous", lastCommit, "commit", commit)
	}

	plan, err := e.reconcile(ctx)
	e.finish(commit, plan, err, start)
	if err != nil {
		return "", err
	}
	return commit, nil
}

// Checkout brings the local working copy to the configured ref
func (e *Engine) Checkout(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	e.logger.Debug("fetching repository", "dest", e.cfg.RepoDir())
	commit, err := e.git.EnsureCheckout(ctx, e.cfg.Repo.URL, e.cfg.Repo.Ref, e.cfg.RepoDir())
	if err != nil {
		return "", fmt.Errorf("failed to checkout repository: %w", err)
	}
	e.logger.Info("repository checked out", "commit", commit)
	return commit, nil
}

// Reconcile plans and applies against the current checkout without fetching
func (e *Engine) Reconcile(ctx context.Context) error {
	_, err := e.reconcile(ctx)
	return err
}

// CreateSyncPlan compares the host's compose projects with the checkout
func (e *Engine) CreateSyncPlan(ctx context.Context) (*stack.Plan, error) {
	actuals, expecteds, err := e.observe(ctx)
	if err != nil {
		return nil, err
	}
	return BuildPlan(e.planner, actuals, expecteds), nil
}

// IsUpdateRequired is a cheaper CreateSyncPlan that only answers whether
// the plan would change anything
func (e *Engine) IsUpdateRequired(ctx context.Context) (bool, error) {
	actuals, expecteds, err := e.observe(ctx)
	if err != nil {
		return false, err
	}
	return UpdateRequired(e.planner, actuals, expecteds), nil
}

// Status returns the outcome of the last cycle, or nil before the first one
func (e *Engine) Status() *Status {
	return e.status.Load()
}

func (e *Engine) reconcile(ctx context.Context) (*stack.Plan, error) {
	if err := e.secrets.CheckEncryption(ctx, e.cfg.RepoDir(), e.cfg.Repo.KeyFile); err != nil {
		return nil, fmt.Errorf("encryption check failed: %w", err)
	}

	plan, err := e.CreateSyncPlan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync plan: %w", err)
	}
	e.metrics.ObservePlan(plan)

	e.logger.Info("sync plan",
		"bring_up", len(plan.ToBringUp),
		"tear_down", len(plan.ToTearDown),
		"ignored", len(plan.Ignored))

	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return plan, nil
	}

	if err := e.Apply(ctx, plan); err != nil {
		return plan, fmt.Errorf("failed to apply sync plan: %w", err)
	}

	e.logger.Info("sync completed successfully")
	return plan, nil
}

func (e *Engine) observe(ctx context.Context) ([]stack.Actual, []stack.Expected, error) {
	actuals, err := e.compose.ListProjects(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list compose projects: %w", err)
	}

	layout, err := repo.Scan(e.cfg.RepoDir(), e.cfg.Repo.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan repository: %w", err)
	}
	e.logger.Debug("observed stacks", "actual", len(actuals), "expected", len(layout.Projects))

	return actuals, layout.Expected(), nil
}

// finish records the outcome of a cycle
func (e *Engine) finish(commit string, plan *stack.Plan, err error, start time.Time) {
	now := time.Now()
	st := &Status{Commit: commit, FinishedAt: now, Result: metrics.ResultSuccess}
	if prev := e.status.Load(); prev != nil {
		st.LastSuccess = prev.LastSuccess
	}
	if plan != nil {
		summary := plan.Summarize()
		st.Plan = &summary
	}
	if err != nil {
		st.Result = metrics.ResultFailure
		st.Error = err.Error()
	} else {
		st.LastSuccess = &now
	}
	e.status.Store(st)
	e.metrics.ObserveCycle(st.Result, now.Sub(start))
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/composesyncd/internal/compose"
	"github.com/schaermu/composesyncd/internal/stack"
)

// Apply executes a plan: tear-downs first, then bring-ups in order. Among
// bring-ups sharing a name only the first, lowest order one is applied.
// A failing stack does not stop the others; all failures are returned
// together.
func (e *Engine) Apply(ctx context.Context, plan *stack.Plan) error {
	var errs []error

	for _, a := range plan.ToTearDown {
		e.logger.Info("tearing down stack", "name", a.Name(), "manifest", a.ManifestPath())
		if err := e.compose.Down(ctx, a.Name()); err != nil {
			errs = append(errs, err)
		}
	}

	applied := make(map[string]stack.Expected, len(plan.ToBringUp))
	for _, exp := range plan.ToBringUp {
		key := strings.ToLower(exp.Name())
		if kept, dup := applied[key]; dup {
			e.logger.Warn("skipping stack with duplicate name",
				"name", exp.Name(),
				"manifest", exp.ManifestPath(),
				"kept", kept.ManifestPath())
			continue
		}
		applied[key] = exp

		if err := e.bringUp(ctx, exp); err != nil {
			errs = append(errs, err)
		}
	}

	for _, r := range plan.Ignored {
		e.logger.Debug("leaving stack alone", "name", r.Name(), "manifest", r.ManifestPath())
	}

	return errors.Join(errs...)
}

func (e *Engine) bringUp(ctx context.Context, exp stack.Expected) error {
	env, err := e.secrets.ReadAndMergeEnvs(ctx, exp, false)
	if err != nil {
		return fmt.Errorf("failed to resolve environment of stack %s: %w", exp.Name(), err)
	}

	e.logger.Info("bringing up stack",
		"name", exp.Name(),
		"manifest", exp.ManifestPath(),
		"env_vars", len(env))

	return e.compose.Up(ctx, compose.UpRequest{
		Name:         exp.Name(),
		ManifestPath: exp.ManifestPath(),
		ProjectDir:   exp.StackDir,
		Env:          env.Environ(),
	})
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *stack.Plan) {
	for _, a := range plan.ToTearDown {
		e.logger.Info("[dry-run] would tear down", "name", a.Name(), "manifest", a.ManifestPath())
	}
	for _, exp := range plan.ToBringUp {
		e.logger.Info("[dry-run] would bring up", "name", exp.Name(), "manifest", exp.ManifestPath())
	}
	for _, r := range plan.Ignored {
		e.logger.Info("[dry-run] would ignore", "name", r.Name(), "manifest", r.ManifestPath())
	}
}

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/composesyncd/internal/repo"
	"github.com/schaermu/composesyncd/internal/secrets"
	"github.com/schaermu/composesyncd/internal/stack"
)

var (
	planOutput  = newEnumValue("text", "text", "yaml")
	noFetch     bool
	showSecrets bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a sync would do without applying it",
	Long: `Plan fetches the configured Git repository and prints the stacks a sync
would bring up, tear down or leave alone. Nothing is applied.`,
	RunE: runPlan,
}

var envCmd = &cobra.Command{
	Use:   "env [project]",
	Short: "Print the merged environment of the repository or one project",
	Long: `Env prints the environment a stack is brought up with: repository .env and
.secret.env, then the project's own files, later values overriding earlier
ones. Without a project only the repository files are merged. Values from
secret files are masked unless --show-secrets is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnv,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the repository and report whether a sync is needed",
	Long: `Check fetches the configured Git repository, validates its encryption key
configuration and reports whether the host differs from the repository.
Configuration errors, such as encrypted files without a key, exit non-zero.`,
	RunE: runCheck,
}

func init() {
	planCmd.Flags().Var(planOutput, "output", "output format (text, yaml)")
	for _, c := range []*cobra.Command{planCmd, envCmd, checkCmd} {
		c.Flags().BoolVar(&noFetch, "no-fetch", false, "use the existing checkout instead of fetching")
	}
	envCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print values from secret env files in clear text")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, nil, logger, true)
	if !noFetch {
		if _, err := engine.Checkout(ctx); err != nil {
			return err
		}
	}

	plan, err := engine.CreateSyncPlan(ctx)
	if err != nil {
		return err
	}
	return renderPlan(cmd.OutOrStdout(), plan.Summarize(), planOutput.String())
}

func runEnv(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !noFetch {
		if _, err := newEngine(cfg, nil, logger, true).Checkout(ctx); err != nil {
			return err
		}
	}

	var scope secrets.Scope
	if len(args) == 0 {
		base, err := repo.ScanBase(cfg.RepoDir(), cfg.Repo.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to scan repository: %w", err)
		}
		scope = base
	} else {
		layout, err := repo.Scan(cfg.RepoDir(), cfg.Repo.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to scan repository: %w", err)
		}
		expected, ok := findProject(layout, args[0])
		if !ok {
			return fmt.Errorf("project %q not found in repository", args[0])
		}
		scope = expected
	}

	env, err := newReader(cfg, logger).ReadAndMergeEnvs(ctx, scope, !showSecrets)
	if err != nil {
		return err
	}
	renderEnv(cmd.OutOrStdout(), env)
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, nil, logger, true)
	if !noFetch {
		if _, err := engine.Checkout(ctx); err != nil {
			return err
		}
	}

	if err := newReader(cfg, logger).CheckEncryption(ctx, cfg.RepoDir(), cfg.Repo.KeyFile); err != nil {
		return fmt.Errorf("encryption check failed: %w", err)
	}

	required, err := engine.IsUpdateRequired(ctx)
	if err != nil {
		return err
	}
	if required {
		fmt.Fprintln(cmd.OutOrStdout(), "update required")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "in sync")
	}
	return nil
}

// findProject returns the stack named name, case-insensitively. Projects
// are sorted by order, so the lowest order wins among duplicates.
func findProject(layout *stack.Full, name string) (stack.Expected, bool) {
	for _, e := range layout.Expected() {
		if strings.EqualFold(e.Name(), name) {
			return e, true
		}
	}
	return stack.Expected{}, false
}

func renderPlan(w io.Writer, summary stack.Summary, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(summary); err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tNAME\tORDER\tMANIFEST")
	rows := []struct {
		action string
		refs   []stack.RefSummary
	}{
		{"down", summary.TearDown},
		{"up", summary.BringUp},
		{"ignore", summary.Ignored},
	}
	for _, row := range rows {
		for _, r := range row.refs {
			order := "-"
			if r.Order != nil {
				order = fmt.Sprint(*r.Order)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.action, r.Name, order, r.Manifest)
		}
	}
	return tw.Flush()
}

func renderEnv(w io.Writer, env stack.EffectiveEnv) {
	for _, k := range env.Keys() {
		fmt.Fprintf(w, "%s=%s\n", k, env[k].Value)
	}
}

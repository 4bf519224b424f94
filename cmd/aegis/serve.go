package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/aegis/pkg/audit/retention"
	"mercator-hq/aegis/pkg/cli"
	"mercator-hq/aegis/pkg/config"
	"mercator-hq/aegis/pkg/policy/git"
	"mercator-hq/aegis/pkg/policy/manager"
	"mercator-hq/aegis/pkg/policy/override"
)

var serveFlags struct {
	metricsAddr string
	dryRun      bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane's background services",
	Long: `Load tenant bundles and keep the control plane current until SIGINT
or SIGTERM.

serve activates a snapshot for every tenant bundle and then:
  - reloads bundles when files change (policy.watch) or when the policy
    repository receives a commit touching bundle files (policy.mode: git)
  - ends expired overrides and resets daily override counters
  - prunes audit rows past the retention period
  - exposes Prometheus metrics

A bundle reload that fails validation is logged and the previous snapshots
stay ACTIVE.

Examples:
  aegis serve --config /etc/aegis/config.yaml
  aegis serve --dry-run`,
	Args: cobra.NoArgs,
	RunE: serveControlPlane,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveFlags.metricsAddr, "metrics-addr", "", "override telemetry.metrics.listen_address")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "load bundles once and exit")
}

// service is a background component started by serve.
type service struct {
	name string
	stop func()
}

func serveControlPlane(cmd *cobra.Command, args []string) error {
	ctx := cli.SetupSignalHandler(cmdContext(cmd))
	w := out(cmd)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	if serveFlags.metricsAddr != "" {
		cfg.Telemetry.Metrics.ListenAddress = serveFlags.metricsAddr
	}

	// Building the control plane checks engine and precedence settings
	// before anything starts.
	if _, err := a.ControlPlane(ctx); err != nil {
		return cli.NewCommandError("serve", err)
	}
	m, err := a.Manager(ctx)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}

	var services []service
	defer func() {
		for i := len(services) - 1; i >= 0; i-- {
			services[i].stop()
			a.logger.Debug("service stopped", "service", services[i].name)
		}
	}()
	errCh := make(chan error, 4)

	switch cfg.Policy.Mode {
	case config.PolicyModeGit:
		svc, err := startGitSource(ctx, w, a, m, serveFlags.dryRun)
		if err != nil {
			return cli.NewCommandError("serve", err)
		}
		if svc != nil {
			services = append(services, *svc)
		}
	default:
		res, err := m.Sync(ctx, cfg.Policy.BundleDir, "")
		if err != nil {
			return cli.NewCommandError("serve", err)
		}
		fmt.Fprintf(w, "✓ Bundles loaded from %s (%d tenants, %d new snapshots)\n",
			cfg.Policy.BundleDir, len(res.Tenants), len(res.Created()))
		if cfg.Policy.Watch && !serveFlags.dryRun {
			go func() {
				if err := m.WatchDir(ctx, cfg.Policy.BundleDir, cfg.Policy.DebounceInterval); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("bundle watcher: %w", err)
				}
			}()
			fmt.Fprintf(w, "✓ Watching %s for bundle changes\n", cfg.Policy.BundleDir)
		}
	}

	if serveFlags.dryRun {
		fmt.Fprintln(w, "✓ Configuration and bundles valid")
		return nil
	}

	overrides, err := a.Overrides(ctx)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	sweeper := override.NewSweeper(overrides, override.SweeperConfig{
		SweepSchedule: cfg.Override.SweepSchedule,
		ResetSchedule: cfg.Override.ResetSchedule,
	})
	if err := sweeper.Start(ctx); err != nil {
		return cli.NewCommandError("serve", err)
	}
	services = append(services, service{name: "override.sweeper", stop: sweeper.Stop})
	fmt.Fprintf(w, "✓ Override sweeper started (%s)\n", cfg.Override.SweepSchedule)

	if cfg.Audit.Retention.RetentionDays > 0 {
		store, err := a.Audit()
		if err != nil {
			return cli.NewCommandError("serve", err)
		}
		scheduler := retention.NewPruner(store, retentionConfig(cfg.Audit.Retention), a.clock).Scheduler()
		if err := scheduler.Start(ctx); err != nil {
			return cli.NewCommandError("serve", err)
		}
		services = append(services, service{name: "audit.retention", stop: scheduler.Stop})
		fmt.Fprintf(w, "✓ Audit retention: %d days (%s)\n", cfg.Audit.Retention.RetentionDays, cfg.Audit.Retention.PruneSchedule)
	}

	if cfg.Telemetry.Metrics.IsEnabled() {
		go func() {
			if err := a.metrics.Serve(ctx); err != nil {
				errCh <- fmt.Errorf("metrics endpoint: %w", err)
			}
		}()
		fmt.Fprintf(w, "✓ Metrics at http://%s%s\n", cfg.Telemetry.Metrics.ListenAddress, cfg.Telemetry.Metrics.Path)
	}

	a.logger.Info("control plane running", "policy_mode", cfg.Policy.Mode)
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return cli.NewCommandError("serve", err)
	}
}

// startGitSource clones the policy repository, loads HEAD and, when polling
// is enabled, watches for new commits.
func startGitSource(ctx context.Context, w io.Writer, a *app, m *manager.Manager, once bool) (*service, error) {
	gc := a.cfg.Policy.Git
	repo, err := git.NewRepository(gc)
	if err != nil {
		return nil, err
	}
	if err := repo.Clone(ctx); err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	if err := m.ReloadCommit(ctx, repo.BundleDir(), head); err != nil {
		return nil, err
	}
	fmt.Fprintf(w, "✓ Bundles loaded from %s@%s (%s)\n", gc.Repository, gc.Branch, head.Short())

	if once || (gc.Poll.Enabled != nil && !*gc.Poll.Enabled) {
		return nil, nil
	}
	watcher := git.NewWatcher(repo, gc.Poll.Interval, a.cfg.Policy.DebounceInterval, m.ReloadCommit, a.logger)
	if err := watcher.Start(ctx); err != nil {
		return nil, err
	}
	fmt.Fprintf(w, "✓ Polling %s every %s\n", gc.Repository, gc.Poll.Interval.Round(time.Second))
	return &service{name: "policy.git", stop: watcher.Stop}, nil
}

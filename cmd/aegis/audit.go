package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/audit/export"
	"mercator-hq/aegis/pkg/audit/retention"
	"mercator-hq/aegis/pkg/cli"
	"mercator-hq/aegis/pkg/config"
)

var auditFlags struct {
	runID   string
	tenant  string
	kind    string
	metric  string
	unacked bool
	since   time.Duration
	limit   int
	by      string
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect run reconciliation and threshold signals",
}

var auditSignalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "List or export threshold signals",
	Long: `List threshold signals, newest first. With -o csv or -o json the
signals are exported in full.

Examples:
  aegis audit signals --tenant acme --unacked
  aegis audit signals --since 24h --type breach -o csv > breaches.csv`,
	Args: cobra.NoArgs,
	RunE: listSignals,
}

var auditAckCmd = &cobra.Command{
	Use:   "ack <signal-id>",
	Short: "Acknowledge a threshold signal",
	Args:  cobra.ExactArgs(1),
	RunE:  ackSignal,
}

var auditReconcileCmd = &cobra.Command{
	Use:   "reconcile <run-id>",
	Short: "Reconcile a run's expectations against its acks",
	Args:  cobra.ExactArgs(1),
	RunE:  reconcileRun,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit rows past the retention period",
	Long: `Delete expectations, acks and acknowledged threshold signals older
than audit.retention.retention_days. Unacknowledged signals are kept.`,
	Args: cobra.NoArgs,
	RunE: pruneAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditSignalsCmd, auditAckCmd, auditReconcileCmd, auditPruneCmd)

	f := auditSignalsCmd.Flags()
	f.StringVar(&auditFlags.runID, "run", "", "filter by run ID")
	f.StringVarP(&auditFlags.tenant, "tenant", "t", "", "filter by tenant")
	f.StringVar(&auditFlags.kind, "type", "", "filter by signal type: near, breach")
	f.StringVar(&auditFlags.metric, "metric", "", "filter by metric name")
	f.BoolVar(&auditFlags.unacked, "unacked", false, "only unacknowledged signals")
	f.DurationVar(&auditFlags.since, "since", 0, "only signals created within this duration")
	f.IntVar(&auditFlags.limit, "limit", 100, "maximum number of signals (0 = no limit)")

	auditAckCmd.Flags().StringVar(&auditFlags.by, "by", "", "actor acknowledging the signal")
	_ = auditAckCmd.MarkFlagRequired("by")
}

type signalTable []*audit.ThresholdSignal

func (t signalTable) Header() []string {
	return []string{"SIGNAL", "RUN", "TENANT", "POLICY", "TYPE", "METRIC", "VALUE", "THRESHOLD", "ACTION", "CREATED_AT", "ACKED_BY"}
}

func (t signalTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, s := range t {
		rows = append(rows, []string{
			s.SignalID, s.RunID, s.TenantID, s.PolicyID, string(s.Type), s.Metric,
			strconv.FormatFloat(s.CurrentValue, 'g', -1, 64),
			strconv.FormatFloat(s.ThresholdValue, 'g', -1, 64),
			s.ActionTaken,
			formatTime(&s.CreatedAt),
			s.AcknowledgedBy,
		})
	}
	return rows
}

func signalQuery(now time.Time) (*audit.SignalQuery, error) {
	q := &audit.SignalQuery{
		RunID:          auditFlags.runID,
		TenantID:       auditFlags.tenant,
		Metric:         auditFlags.metric,
		Unacknowledged: auditFlags.unacked,
		Limit:          auditFlags.limit,
	}
	switch t := audit.SignalType(strings.ToLower(auditFlags.kind)); t {
	case "":
	case audit.SignalNear, audit.SignalBreach:
		q.Type = t
	default:
		return nil, cli.NewConfigError("type", fmt.Sprintf("unknown signal type %q", auditFlags.kind))
	}
	if auditFlags.since > 0 {
		start := now.Add(-auditFlags.since)
		q.StartTime = &start
	}
	return q, nil
}

func listSignals(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(output)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := signalQuery(a.clock.Now())
	if err != nil {
		return err
	}
	store, err := a.Audit()
	if err != nil {
		return cli.NewCommandError("audit signals", err)
	}
	ctx := cmdContext(cmd)
	signals, err := store.Signals(ctx, q)
	if err != nil {
		return cli.NewCommandError("audit signals", err)
	}

	switch format {
	case cli.FormatCSV:
		return export.NewCSVExporter(true).Export(ctx, signals, out(cmd))
	case cli.FormatJSON:
		return export.NewJSONExporter(true).Export(ctx, signals, out(cmd))
	default:
		return render(cmd, signalTable(signals))
	}
}

func ackSignal(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.Audit()
	if err != nil {
		return cli.NewCommandError("audit ack", err)
	}
	if err := store.AcknowledgeSignal(cmdContext(cmd), args[0], auditFlags.by, a.clock.Now()); err != nil {
		return cli.NewCommandError("audit ack", err)
	}
	fmt.Fprintf(out(cmd), "✓ signal %s acknowledged by %s\n", args[0], auditFlags.by)
	return nil
}

type reconcileResult struct {
	*audit.Reconciliation
}

func (r reconcileResult) String() string {
	s := fmt.Sprintf("run %s: %s", r.RunID, r.Status)
	if len(r.MissingActions) > 0 {
		s += "\n  missing: " + strings.Join(r.MissingActions, ", ")
	}
	if len(r.DriftActions) > 0 {
		s += "\n  drift:   " + strings.Join(r.DriftActions, ", ")
	}
	return s
}

func reconcileRun(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(output)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.Audit()
	if err != nil {
		return cli.NewCommandError("audit reconcile", err)
	}
	ctx := cmdContext(cmd)
	rec, err := audit.NewStoreReconciler(store, a.clock).Reconcile(ctx, args[0])
	if err != nil {
		return cli.NewCommandError("audit reconcile", err)
	}

	if format == cli.FormatJSON {
		err = export.NewJSONExporter(true).ExportReconciliation(ctx, rec, out(cmd))
	} else {
		err = render(cmd, reconcileResult{rec})
	}
	if err != nil {
		return err
	}
	if !rec.IsClean {
		return &cli.CommandError{Command: "audit reconcile", Err: fmt.Errorf("run %s is %s", rec.RunID, rec.Status), Code: cli.ExitInvalid}
	}
	return nil
}

func retentionConfig(cfg config.RetentionConfig) *retention.Config {
	return &retention.Config{
		RetentionDays:       cfg.RetentionDays,
		PruneSchedule:       cfg.PruneSchedule,
		ArchiveBeforeDelete: cfg.ArchiveBeforeDelete,
		ArchivePath:         cfg.ArchivePath,
	}
}

func pruneAudit(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.Audit()
	if err != nil {
		return cli.NewCommandError("audit prune", err)
	}
	n, err := retention.NewPruner(store, retentionConfig(a.cfg.Audit.Retention), a.clock).Prune(cmdContext(cmd))
	if err != nil {
		return cli.NewCommandError("audit prune", err)
	}
	fmt.Fprintf(out(cmd), "✓ pruned %d audit row(s)\n", n)
	return nil
}

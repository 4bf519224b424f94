package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/aegis/pkg/cli"
	"mercator-hq/aegis/pkg/policy/manager"
	"mercator-hq/aegis/pkg/policy/snapshot"
)

var snapshotFlags struct {
	file     string
	dir      string
	revision string
	tenant   string
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage policy snapshots",
	Long: `Create, list, verify and archive tenant policy snapshots.

A snapshot is an immutable copy of a tenant's policies, scopes, precedence
rows and thresholds. Creating one supersedes the tenant's previous ACTIVE
snapshot; runs already bound to the old one keep it.`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot tenant bundles",
	Long: `Load tenant bundles and activate a snapshot for every tenant whose
content changed. Unchanged tenants keep their ACTIVE snapshot.

Examples:
  aegis snapshot create --dir policies/
  aegis snapshot create --file policies/acme.yaml --revision 3f2a9c1`,
	Args: cobra.NoArgs,
	RunE: createSnapshots,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE:  listSnapshots,
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify [snapshot-id]",
	Short: "Recompute a snapshot's content hash",
	Long: `Recompute the content hash of a stored snapshot and compare it with the
recorded one. A mismatch marks the snapshot INVALID and exits with status 3.
With --tenant instead of an ID, the tenant's ACTIVE snapshot is verified.`,
	Args: cobra.MaximumNArgs(1),
	RunE: verifySnapshot,
}

var snapshotArchiveCmd = &cobra.Command{
	Use:   "archive <snapshot-id>",
	Short: "Archive a superseded snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  archiveSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotVerifyCmd, snapshotArchiveCmd)

	snapshotCreateCmd.Flags().StringVarP(&snapshotFlags.file, "file", "f", "", "bundle file to snapshot")
	snapshotCreateCmd.Flags().StringVarP(&snapshotFlags.dir, "dir", "d", "", "directory of bundle files (default: policy.bundle_dir)")
	snapshotCreateCmd.Flags().StringVar(&snapshotFlags.revision, "revision", "", "source revision recorded on new snapshots")

	snapshotListCmd.Flags().StringVarP(&snapshotFlags.tenant, "tenant", "t", "", "tenant ID")
	_ = snapshotListCmd.MarkFlagRequired("tenant")

	snapshotVerifyCmd.Flags().StringVarP(&snapshotFlags.tenant, "tenant", "t", "", "verify the tenant's ACTIVE snapshot")
}

func cmdContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

type syncTable struct {
	*manager.SyncResult
}

func (t syncTable) Header() []string {
	return []string{"TENANT", "SNAPSHOT", "VERSION", "STATE", "OVERRIDES"}
}

func (t syncTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.Tenants))
	for _, r := range t.Tenants {
		state := "unchanged"
		if r.Created {
			state = "created"
		}
		rows = append(rows, []string{r.Tenant, r.SnapshotID, strconv.FormatInt(r.Version, 10), state, strconv.Itoa(r.Overrides)})
	}
	return rows
}

func createSnapshots(cmd *cobra.Command, args []string) error {
	if snapshotFlags.file != "" && snapshotFlags.dir != "" {
		return cli.NewConfigError("snapshot create", "--file and --dir are mutually exclusive")
	}
	ctx := cmdContext(cmd)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.Manager(ctx)
	if err != nil {
		return cli.NewCommandError("snapshot create", err)
	}

	var res *manager.SyncResult
	if snapshotFlags.file != "" {
		b, err := manager.NewLoader(nil).LoadFile(snapshotFlags.file)
		if err != nil {
			return &cli.CommandError{Command: "snapshot create", Err: err, Code: cli.ExitInvalid}
		}
		res, err = m.Apply(ctx, []*manager.Bundle{b}, snapshotFlags.revision)
		if err != nil {
			return cli.NewCommandError("snapshot create", err)
		}
	} else {
		dir := snapshotFlags.dir
		if dir == "" {
			dir = a.cfg.Policy.BundleDir
		}
		res, err = m.Sync(ctx, dir, snapshotFlags.revision)
		if err != nil {
			return cli.NewCommandError("snapshot create", err)
		}
	}

	if err := render(cmd, syncTable{res}); err != nil {
		return err
	}
	if len(res.Rejected) > 0 {
		return &cli.CommandError{
			Command: "snapshot create",
			Err:     fmt.Errorf("%d bundle file(s) rejected: %w", len(res.Rejected), errors.Join(res.Rejected...)),
			Code:    cli.ExitInvalid,
		}
	}
	return nil
}

type snapshotTable []*snapshot.Snapshot

func (t snapshotTable) Header() []string {
	return []string{"SNAPSHOT", "TENANT", "VERSION", "STATUS", "CONTENT_HASH", "CREATED_AT", "REVISION"}
}

func (t snapshotTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, s := range t {
		rows = append(rows, []string{
			s.ID,
			s.TenantID,
			strconv.FormatInt(s.Version, 10),
			string(s.Status),
			shortHash(s.ContentHash),
			s.CreatedAt.UTC().Format(time.RFC3339),
			s.SourceRevision,
		})
	}
	return rows
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func listSnapshots(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.Snapshots(ctx)
	if err != nil {
		return cli.NewCommandError("snapshot list", err)
	}
	history, err := store.History(ctx, snapshotFlags.tenant)
	if err != nil {
		return cli.NewCommandError("snapshot list", err)
	}
	return render(cmd, snapshotTable(history))
}

// verifyResult is the outcome of a hash verification.
type verifyResult struct {
	SnapshotID string `json:"snapshot_id"`
	TenantID   string `json:"tenant_id"`
	Valid      bool   `json:"valid"`
}

func (r verifyResult) String() string {
	if r.Valid {
		return fmt.Sprintf("✓ snapshot %s (tenant %s) content hash verified", r.SnapshotID, r.TenantID)
	}
	return fmt.Sprintf("✗ snapshot %s (tenant %s) content hash mismatch, marked INVALID", r.SnapshotID, r.TenantID)
}

func verifySnapshot(cmd *cobra.Command, args []string) error {
	if (len(args) == 1) == (snapshotFlags.tenant != "") {
		return cli.NewConfigError("snapshot verify", "give either a snapshot ID or --tenant")
	}
	ctx := cmdContext(cmd)
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.Snapshots(ctx)
	if err != nil {
		return cli.NewCommandError("snapshot verify", err)
	}

	var snap *snapshot.Snapshot
	if len(args) == 1 {
		snap, err = store.Get(ctx, args[0])
	} else {
		snap, err = store.Active(ctx, snapshotFlags.tenant)
	}
	if err != nil {
		return cli.NewCommandError("snapshot verify", err)
	}

	ok, err := store.Verify(ctx, snap.ID)
	var integrity *snapshot.IntegrityError
	if err != nil && !errors.As(err, &integrity) {
		return cli.NewCommandError("snapshot verify", err)
	}
	a.metrics.ObserveSnapshotEvent(verifyEvent(ok))

	res := verifyResult{SnapshotID: snap.ID, TenantID: snap.TenantID, Valid: ok}
	if err := render(cmd, res); err != nil {
		return err
	}
	if !ok {
		return &cli.CommandError{Command: "snapshot verify", Err: err, Code: cli.ExitInvalid}
	}
	return nil
}

func verifyEvent(ok bool) string {
	if ok {
		return "verified"
	}
	return "invalid"
}

func archiveSnapshot(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.Snapshots(ctx)
	if err != nil {
		return cli.NewCommandError("snapshot archive", err)
	}
	if err := store.Archive(ctx, args[0]); err != nil {
		return cli.NewCommandError("snapshot archive", err)
	}
	a.metrics.ObserveSnapshotEvent("archived")
	fmt.Fprintf(out(cmd), "✓ snapshot %s archived\n", args[0])
	return nil
}

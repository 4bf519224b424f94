package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/aegis/pkg/cli"
	"mercator-hq/aegis/pkg/policy/override"
)

var overrideFlags struct {
	tenant   string
	policy   string
	by       string
	role     string
	reason   string
	duration time.Duration
}

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Check, activate and end policy overrides",
	Long: `An override suspends enforcement of one policy for one tenant for a
bounded time. Whether a policy may be overridden, by which roles, for how
long and how often per day is configured in the tenant's bundle.`,
}

var overrideCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether a policy is currently overridden",
	Args:  cobra.NoArgs,
	RunE:  checkOverride,
}

var overrideActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Start an override",
	Long: `Start an override of one policy. The request is refused, and the
command exits with status 2, when the policy is not overridable, the role is
not allowed, a required reason is missing, the duration exceeds the
configured maximum, the daily limit is reached or an override is already
active.

Example:
  aegis override activate --tenant acme --policy no-rm-rf \
    --by alice --role sre --reason "incident 4411" --duration 30m`,
	Args: cobra.NoArgs,
	RunE: activateOverride,
}

var overrideEndCmd = &cobra.Command{
	Use:   "end",
	Short: "End an active override before it expires",
	Args:  cobra.NoArgs,
	RunE:  endOverride,
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's override authorities",
	Args:  cobra.NoArgs,
	RunE:  listOverrides,
}

func init() {
	rootCmd.AddCommand(overrideCmd)
	overrideCmd.AddCommand(overrideCheckCmd, overrideActivateCmd, overrideEndCmd, overrideListCmd)

	for _, c := range []*cobra.Command{overrideCheckCmd, overrideActivateCmd, overrideEndCmd, overrideListCmd} {
		c.Flags().StringVarP(&overrideFlags.tenant, "tenant", "t", "", "tenant ID")
		_ = c.MarkFlagRequired("tenant")
	}
	for _, c := range []*cobra.Command{overrideCheckCmd, overrideActivateCmd, overrideEndCmd} {
		c.Flags().StringVarP(&overrideFlags.policy, "policy", "p", "", "policy ID")
		_ = c.MarkFlagRequired("policy")
	}
	for _, c := range []*cobra.Command{overrideActivateCmd, overrideEndCmd} {
		c.Flags().StringVar(&overrideFlags.by, "by", "", "actor performing the change")
		_ = c.MarkFlagRequired("by")
	}

	overrideActivateCmd.Flags().StringVar(&overrideFlags.role, "role", "", "role of the actor")
	overrideActivateCmd.Flags().StringVar(&overrideFlags.reason, "reason", "", "justification recorded on the override")
	overrideActivateCmd.Flags().DurationVar(&overrideFlags.duration, "duration", time.Hour, "how long enforcement is suspended")
	_ = overrideActivateCmd.MarkFlagRequired("role")
}

// overrideCommand opens the override authority for one command. With the
// memory backend the bundle directory is loaded first.
func overrideCommand(cmd *cobra.Command, fn func(*app, *override.Service) error) error {
	ctx := cmdContext(cmd)
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.seedMemory(ctx); err != nil {
		return cli.NewCommandError(cmd.Name(), err)
	}
	svc, err := a.Overrides(ctx)
	if err != nil {
		return cli.NewCommandError(cmd.Name(), err)
	}
	return fn(a, svc)
}

type checkResult struct {
	TenantID string `json:"tenant_id"`
	PolicyID string `json:"policy_id"`
	override.CheckResult
}

func (r checkResult) String() string {
	s := fmt.Sprintf("%s/%s: %s", r.TenantID, r.PolicyID, r.Status)
	if r.SkipEnforcement {
		s += fmt.Sprintf(" (enforcement skipped, %s remaining)", time.Duration(r.RemainingSeconds)*time.Second)
	}
	return s
}

func checkOverride(cmd *cobra.Command, args []string) error {
	return overrideCommand(cmd, func(a *app, svc *override.Service) error {
		res, err := svc.Check(cmdContext(cmd), overrideFlags.tenant, overrideFlags.policy)
		if err != nil {
			return cli.NewCommandError("override check", err)
		}
		return render(cmd, checkResult{TenantID: overrideFlags.tenant, PolicyID: overrideFlags.policy, CheckResult: res})
	})
}

type recordTable []*override.Record

func (t recordTable) Header() []string {
	return []string{"RECORD", "TENANT", "POLICY", "BY", "ROLE", "STARTED_AT", "EXPIRES_AT", "ENDED_AT", "ENDED_BY"}
}

func (t recordTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		rows = append(rows, []string{
			r.RecordID, r.TenantID, r.PolicyID, r.OverrideBy, r.Role,
			formatTime(&r.StartedAt), formatTime(&r.ExpiresAt), formatTime(r.EndedAt), r.EndedBy,
		})
	}
	return rows
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func activateOverride(cmd *cobra.Command, args []string) error {
	return overrideCommand(cmd, func(a *app, svc *override.Service) error {
		rec, err := svc.Activate(cmdContext(cmd), override.ActivateRequest{
			TenantID: overrideFlags.tenant,
			PolicyID: overrideFlags.policy,
			By:       overrideFlags.by,
			Role:     overrideFlags.role,
			Reason:   overrideFlags.reason,
			Duration: overrideFlags.duration,
		})
		var rejected *override.ActivationError
		if errors.As(err, &rejected) {
			return &cli.CommandError{Command: "override activate", Err: err, Code: cli.ExitDenied}
		}
		if err != nil {
			return cli.NewCommandError("override activate", err)
		}
		return render(cmd, recordTable{rec})
	})
}

func endOverride(cmd *cobra.Command, args []string) error {
	return overrideCommand(cmd, func(a *app, svc *override.Service) error {
		rec, err := svc.End(cmdContext(cmd), overrideFlags.tenant, overrideFlags.policy, overrideFlags.by)
		if err != nil {
			return cli.NewCommandError("override end", err)
		}
		if rec == nil {
			fmt.Fprintf(out(cmd), "✓ override of %s/%s ended\n", overrideFlags.tenant, overrideFlags.policy)
			return nil
		}
		return render(cmd, recordTable{rec})
	})
}

type authorityTable []*override.Authority

func (t authorityTable) Header() []string {
	return []string{"POLICY", "ALLOWED", "ROLES", "MAX_DURATION", "PER_DAY", "TODAY", "ACTIVE", "EXPIRES_AT", "BY"}
}

func (t authorityTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, a := range t {
		perDay := "unlimited"
		if a.MaxOverridesPerDay > 0 {
			perDay = strconv.Itoa(a.MaxOverridesPerDay)
		}
		rows = append(rows, []string{
			a.PolicyID,
			strconv.FormatBool(a.OverrideAllowed),
			strings.Join(a.AllowedRoles, ","),
			a.MaxDuration.String(),
			perDay,
			strconv.Itoa(a.OverridesToday),
			strconv.FormatBool(a.CurrentlyOverridden),
			formatTime(a.ExpiresAt),
			a.By,
		})
	}
	return rows
}

func listOverrides(cmd *cobra.Command, args []string) error {
	return overrideCommand(cmd, func(a *app, svc *override.Service) error {
		auths, err := svc.Store().ListAuthorities(cmdContext(cmd), overrideFlags.tenant)
		if err != nil {
			return cli.NewCommandError("override list", err)
		}
		return render(cmd, authorityTable(auths))
	})
}

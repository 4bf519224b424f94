package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mercator-hq/aegis/pkg/cli"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		resetFlags()
		wd, err := os.Getwd()
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Chdir(t.TempDir()); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = os.Chdir(wd) })
		t.Setenv("AEGIS_CONFIG", "")

		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Policy.Mode != "file" || cfg.Governance.Workers == 0 {
			t.Errorf("defaults not applied: %+v", cfg.Policy)
		}
	})

	t.Run("explicit missing file", func(t *testing.T) {
		resetFlags()
		cfgFile = filepath.Join(t.TempDir(), "missing.yaml")

		var cfgErr *cli.ConfigError
		if _, err := loadConfig(); !errors.As(err, &cfgErr) {
			t.Errorf("loadConfig() error = %v, want *cli.ConfigError", err)
		}
	})

	t.Run("AEGIS_CONFIG", func(t *testing.T) {
		resetFlags()
		e := newEnv(t)
		t.Setenv("AEGIS_CONFIG", e.config)

		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Policy.BundleDir != e.bundleDir {
			t.Errorf("BundleDir = %q, want %q", cfg.Policy.BundleDir, e.bundleDir)
		}
	})
}

func TestValidateCommand(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "validate")
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "acme") || !strings.Contains(out, "ok") {
		t.Errorf("report missing acme:\n%s", out)
	}

	bad := e.runFile(t, "bad.yaml", "tenant: broken\npolicies: []\n")
	out, err = e.run(t, "validate", "--file", bad, "-o", "json")
	if cli.ExitCode(err) != cli.ExitInvalid {
		t.Fatalf("validate exit = %d (%v), want %d", cli.ExitCode(err), err, cli.ExitInvalid)
	}
	var report validateReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if report.Valid || len(report.Bundles) != 1 || report.Bundles[0].File != bad {
		t.Errorf("report = %+v", report)
	}
}

func TestSnapshotCommands(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "snapshot", "create", "--revision", "r1")
	if err != nil {
		t.Fatalf("snapshot create error = %v", err)
	}
	if !strings.Contains(out, "created") {
		t.Errorf("first create should create a snapshot:\n%s", out)
	}

	out, err = e.run(t, "snapshot", "create")
	if err != nil {
		t.Fatalf("snapshot create error = %v", err)
	}
	if !strings.Contains(out, "unchanged") {
		t.Errorf("unchanged bundle should keep its snapshot:\n%s", out)
	}

	edited := strings.Replace(acmeBundle, "cost_usd: 50", "cost_usd: 75", 1)
	writeFile(t, filepath.Join(e.bundleDir, "acme.yaml"), edited)
	if _, err := e.run(t, "snapshot", "create", "--file", filepath.Join(e.bundleDir, "acme.yaml")); err != nil {
		t.Fatalf("snapshot create --file error = %v", err)
	}

	out, err = e.run(t, "snapshot", "list", "--tenant", "acme", "-o", "csv")
	if err != nil {
		t.Fatalf("snapshot list error = %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v\n%s", err, out)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header and two snapshots:\n%s", len(rows), out)
	}
	oldest, newest := rows[1], rows[2]
	if newest[2] != "2" || newest[3] != "ACTIVE" || oldest[3] != "SUPERSEDED" || oldest[6] != "r1" {
		t.Errorf("history = %v", rows[1:])
	}

	if out, err := e.run(t, "snapshot", "verify", "--tenant", "acme"); err != nil || !strings.Contains(out, "verified") {
		t.Errorf("snapshot verify = %q, %v", out, err)
	}
	if _, err := e.run(t, "snapshot", "verify"); err == nil {
		t.Error("verify without ID or tenant should fail")
	}

	if _, err := e.run(t, "snapshot", "archive", newest[0]); err == nil {
		t.Error("archiving the ACTIVE snapshot should fail")
	}
	if _, err := e.run(t, "snapshot", "archive", oldest[0]); err != nil {
		t.Errorf("archive superseded error = %v", err)
	}
}

const allowedRun = `
run_id: run-ok
subject: {tenant_id: acme, agent_id: bot}
input:
  request: {action: plan}
metrics: {cost_usd: 10}
steps:
  - name: list
    input:
      request: {action: ls}
`

const wipeRun = `
run_id: run-wipe
subject: {tenant_id: acme}
input:
  request: {action: "rm -rf /"}
`

const costlyRun = `
run_id: run-costly
subject: {tenant_id: acme}
input:
  request: {action: plan}
metrics: {cost_usd: 60}
`

func TestEvaluateCommand(t *testing.T) {
	e := newEnv(t)
	if _, err := e.run(t, "snapshot", "create"); err != nil {
		t.Fatalf("snapshot create error = %v", err)
	}

	out, err := e.run(t, "evaluate", "-f", e.runFile(t, "ok.yaml", allowedRun))
	if err != nil {
		t.Fatalf("evaluate error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "COMPLETED") || !strings.Contains(out, "ALLOW") {
		t.Errorf("allowed run output:\n%s", out)
	}

	out, err = e.run(t, "evaluate", "-f", e.runFile(t, "wipe.yaml", wipeRun), "-o", "json")
	if cli.ExitCode(err) != cli.ExitDenied {
		t.Fatalf("denied run exit = %d (%v), want %d", cli.ExitCode(err), err, cli.ExitDenied)
	}
	var rep runReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if rep.Phase != "FAILED" || len(rep.Evaluations) != 1 || rep.Evaluations[0].SourceRule != "no-rm-rf" {
		t.Errorf("report = %+v", rep)
	}

	if _, err := e.run(t, "evaluate", "-f", e.runFile(t, "bad.yaml", "subject: {}\n")); err == nil {
		t.Error("run file without tenant should fail")
	}
}

func TestEvaluateCommand_ManyRuns(t *testing.T) {
	e := newEnv(t)
	if _, err := e.run(t, "snapshot", "create"); err != nil {
		t.Fatalf("snapshot create error = %v", err)
	}

	out, err := e.run(t, "evaluate",
		"-f", e.runFile(t, "ok.yaml", allowedRun),
		"-f", e.runFile(t, "costly.yaml", costlyRun),
		"-o", "json")
	if cli.ExitCode(err) != cli.ExitDenied {
		t.Fatalf("exit = %d (%v), want %d", cli.ExitCode(err), err, cli.ExitDenied)
	}
	var reps []runReport
	if err := json.Unmarshal([]byte(out), &reps); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(reps) != 2 || reps[0].RunID != "run-ok" || reps[1].RunID != "run-costly" {
		t.Fatalf("reports = %+v", reps)
	}
	if reps[0].Phase != "COMPLETED" || reps[1].Phase != "FAILED" {
		t.Errorf("phases = %s, %s", reps[0].Phase, reps[1].Phase)
	}

	// The breach is recorded as a threshold signal.
	out, err = e.run(t, "audit", "signals", "--tenant", "acme", "--type", "breach", "-o", "csv")
	if err != nil {
		t.Fatalf("audit signals error = %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	if err != nil || len(rows) != 2 {
		t.Fatalf("signals CSV = %q, %v", out, err)
	}
	if rows[1][1] != "run-costly" || rows[1][6] != "cost_usd" {
		t.Errorf("signal row = %v", rows[1])
	}

	if _, err := e.run(t, "audit", "ack", rows[1][0], "--by", "alice"); err != nil {
		t.Errorf("audit ack error = %v", err)
	}
	out, err = e.run(t, "audit", "signals", "--unacked")
	if err != nil {
		t.Fatalf("audit signals error = %v", err)
	}
	if strings.Contains(out, rows[1][0]) {
		t.Errorf("acknowledged signal still listed as unacked:\n%s", out)
	}

	if out, err := e.run(t, "audit", "reconcile", "run-ok"); err != nil || !strings.Contains(out, "CLEAN") {
		t.Errorf("reconcile = %q, %v", out, err)
	}
	if out, err := e.run(t, "audit", "prune"); err != nil || !strings.Contains(out, "pruned 0") {
		t.Errorf("prune = %q, %v", out, err)
	}
}

func TestOverrideCommands(t *testing.T) {
	e := newEnv(t)
	if _, err := e.run(t, "snapshot", "create"); err != nil {
		t.Fatalf("snapshot create error = %v", err)
	}
	wipe := e.runFile(t, "wipe.yaml", wipeRun)

	out, err := e.run(t, "override", "check", "--tenant", "acme", "--policy", "no-rm-rf")
	if err != nil || !strings.Contains(out, "NO_OVERRIDE") {
		t.Fatalf("check = %q, %v", out, err)
	}

	_, err = e.run(t, "override", "activate", "--tenant", "acme", "--policy", "no-rm-rf",
		"--by", "mallory", "--role", "dev", "--reason", "because")
	var cmdErr *cli.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != cli.ExitDenied {
		t.Fatalf("activate with wrong role error = %v, want denial", err)
	}

	if _, err := e.run(t, "override", "activate", "--tenant", "acme", "--policy", "no-rm-rf",
		"--by", "alice", "--role", "sre", "--reason", "incident 4411", "--duration", "30m"); err != nil {
		t.Fatalf("activate error = %v", err)
	}
	out, err = e.run(t, "override", "check", "--tenant", "acme", "--policy", "no-rm-rf", "-o", "json")
	if err != nil {
		t.Fatalf("check error = %v", err)
	}
	var res checkResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if res.Status != "OVERRIDE_ACTIVE" || !res.SkipEnforcement || res.RemainingSeconds <= 0 {
		t.Errorf("check = %+v", res)
	}

	// The bypassed policy no longer denies.
	out, err = e.run(t, "evaluate", "-f", wipe)
	if err != nil {
		t.Fatalf("evaluate under override error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "no-rm-rf") {
		t.Errorf("bypassed policy should be reported:\n%s", out)
	}

	out, err = e.run(t, "override", "list", "--tenant", "acme")
	if err != nil || !strings.Contains(out, "alice") {
		t.Errorf("list = %q, %v", out, err)
	}

	if _, err := e.run(t, "override", "end", "--tenant", "acme", "--policy", "no-rm-rf", "--by", "alice"); err != nil {
		t.Fatalf("end error = %v", err)
	}
	if _, err := e.run(t, "evaluate", "-f", wipe); cli.ExitCode(err) != cli.ExitDenied {
		t.Errorf("evaluate after end exit = %d (%v), want denial", cli.ExitCode(err), err)
	}
}

func TestServeDryRun(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "serve", "--dry-run")
	if err != nil {
		t.Fatalf("serve --dry-run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 tenants, 1 new snapshots") || !strings.Contains(out, "valid") {
		t.Errorf("output:\n%s", out)
	}

	if err := os.RemoveAll(e.bundleDir); err != nil {
		t.Fatal(err)
	}
	if _, err := e.run(t, "serve", "--dry-run"); err == nil {
		t.Error("serve without bundles should fail")
	}
}

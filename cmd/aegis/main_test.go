package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const acmeBundle = `
tenant: acme
policies:
  - id: no-rm-rf
    version: 2
    logic:
      functions:
        - name: main
          blocks:
            - name: entry
              instructions:
                - {op: load_var, dst: cmd, name: request.action}
                - {op: load_const, dst: needle, value: "rm -rf"}
                - {op: call, dst: hit, name: contains, args: [cmd, needle]}
                - {op: branch, cond: hit, then: deny, else: pass}
            - name: deny
              instructions:
                - {op: action, action: DENY, rule: no-rm-rf}
            - name: pass
              instructions:
                - {op: return}
  - id: allow-all
    logic:
      functions:
        - name: main
          blocks:
            - name: entry
              instructions:
                - {op: action, action: ALLOW, rule: default}
scopes:
  - {scope_id: s1, policy_id: no-rm-rf, scope_type: all_runs}
  - {scope_id: s2, policy_id: allow-all, scope_type: all_runs}
precedence:
  - {policy_id: no-rm-rf, precedence: 10}
  - {policy_id: allow-all, precedence: 20, conflict_strategy: explicit_priority}
thresholds:
  cost_usd: 50
overrides:
  - policy_id: no-rm-rf
    override_allowed: true
    allowed_roles: [sre]
    requires_reason: true
    max_duration: 1h
`

// env is a workspace with SQLite stores and a bundle directory.
type env struct {
	dir       string
	config    string
	bundleDir string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:       dir,
		config:    filepath.Join(dir, "aegis.yaml"),
		bundleDir: filepath.Join(dir, "policies"),
	}
	writeFile(t, filepath.Join(e.bundleDir, "acme.yaml"), acmeBundle)
	writeFile(t, e.config, fmt.Sprintf(`
snapshot:
  backend: sqlite
  sqlite_path: %[1]s/snapshots.db
override:
  backend: sqlite
  sqlite_path: %[1]s/overrides.db
audit:
  backend: sqlite
  sqlite:
    path: %[1]s/audit.db
  retention:
    archive_path: %[1]s/archives
policy:
  mode: file
  bundle_dir: %[1]s/policies
telemetry:
  logging:
    level: error
  metrics:
    enabled: false
`, dir))
	return e
}

// run executes aegis with the environment's configuration.
func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"--config", e.config}, args...)...)
}

func (e *env) runFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	writeFile(t, path, body)
	return path
}

func resetFlags() {
	cfgFile, verbose, output = "", false, "text"
	validateFlags.file, validateFlags.dir = "", ""
	snapshotFlags.file, snapshotFlags.dir, snapshotFlags.revision, snapshotFlags.tenant = "", "", "", ""
	overrideFlags.tenant, overrideFlags.policy, overrideFlags.by = "", "", ""
	overrideFlags.role, overrideFlags.reason, overrideFlags.duration = "", "", time.Hour
	evaluateFlags.files, evaluateFlags.tenant, evaluateFlags.runID = nil, "", ""
	auditFlags.runID, auditFlags.tenant, auditFlags.kind, auditFlags.metric = "", "", "", ""
	auditFlags.unacked, auditFlags.since, auditFlags.limit, auditFlags.by = false, 0, 100, ""
	serveFlags.metricsAddr, serveFlags.dryRun = "", false
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

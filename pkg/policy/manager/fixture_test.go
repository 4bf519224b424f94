package manager

import (
	"os"
	"path/filepath"
	"testing"
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

const globexBundle = `
tenant: globex
policies:
  - id: deny-all
    logic:
      functions:
        - name: main
          blocks:
            - name: entry
              instructions:
                - {op: action, action: DENY, rule: lockdown}
scopes:
  - {policy_id: deny-all, scope_type: all_runs}
precedence:
  - {policy_id: deny-all, precedence: 1}
`

// writeBundles writes name → content files into a fresh directory.
func writeBundles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		writeFile(t, filepath.Join(dir, name), body)
	}
	return dir
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

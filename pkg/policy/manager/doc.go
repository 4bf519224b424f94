// Package manager loads policy bundles and turns them into snapshots.
//
// A bundle is a YAML file holding one tenant's policies (with their IR
// logic), scopes, precedence rows, thresholds and override authority
// configuration:
//
//	tenant: acme
//	policies:
//	  - id: no-destructive-shell
//	    version: 3
//	    logic:
//	      functions:
//	        - name: main
//	          blocks:
//	            - name: entry
//	              instructions:
//	                - {op: load_var, dst: cmd, name: request.action}
//	                - {op: load_const, dst: needle, value: "rm -rf"}
//	                - {op: call, dst: hit, name: contains, args: [cmd, needle]}
//	                - {op: branch, cond: hit, then: deny, else: pass}
//	            - name: deny
//	              instructions:
//	                - {op: action, action: DENY, rule: no-rm-rf}
//	            - name: pass
//	              instructions:
//	                - {op: return}
//	scopes:
//	  - {scope_id: all, policy_id: no-destructive-shell, scope_type: all_runs}
//	precedence:
//	  - {policy_id: no-destructive-shell, precedence: 10}
//	thresholds:
//	  cost_usd: 50
//	overrides:
//	  - policy_id: no-destructive-shell
//	    override_allowed: true
//	    allowed_roles: [sre]
//	    requires_reason: true
//	    max_duration: 1h
//
// The Loader rejects unknown keys, logic that does not compile, duplicate
// or missing precedence rows and invalid override settings. Precedence rows
// default to most_restrictive, run_start and fail_closed.
//
// Manager.Sync compares each bundle's canonical content hash with the
// tenant's ACTIVE snapshot and creates a new snapshot only when they
// differ, so re-reading an unchanged directory is a no-op. FileWatcher
// (fsnotify) and git.Watcher call Sync when bundles change; a failed sync
// leaves the ACTIVE snapshots untouched.
package manager

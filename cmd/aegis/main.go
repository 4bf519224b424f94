// Aegis is a governance control plane for agent runs.
//
// It binds every run step to an immutable snapshot of its tenant's
// policies, evaluates them in a deterministic interpreter, resolves their
// outcomes by precedence and reconciles the run's audit trail before the
// run is finalized.
//
// Usage:
//
//	# Validate bundles and configuration
//	aegis validate --dir policies/
//
//	# Snapshot every tenant bundle
//	aegis snapshot create --dir policies/
//
//	# Govern one run described in a file
//	aegis evaluate --file run.yaml
//
//	# Activate an override for one hour
//	aegis override activate --tenant acme --policy no-rm-rf --by alice --role sre --duration 1h
//
//	# Run the control plane with bundle reloads and schedulers
//	aegis serve --config /etc/aegis/config.yaml
package main

func main() {
	Execute()
}

// Package export writes threshold signals and reconciliation results in
// JSON and CSV form for compliance reviews and archives.
package export

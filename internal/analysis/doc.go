// Package analysis provides the business boundary for Argus alert analysis.
// It defines the Service (locking, idempotent start, retry, continue, reset,
// async dispatch), the Engine (sequential step dispatch and persistence of
// every transition), the Pipeline of step definitions, the Store interface
// and the unified orchestration Record.
//
// Both the HTTP API and the MCP server drive the same Service, so a record
// looks the same no matter which path produced it. The path is carried in
// the context (see WithLineage) for diagnostics only.
package analysis

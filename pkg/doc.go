// Package pkg provides the core of nomroute: records, the streams that carry them, and the routing machinery that delivers them.
// This package (and subpackages) is a dependency of anything in the plugin package.
//   - The entries package contains functions related to an individual entries.LogEntry.
//   - The iterator package contains functions for creating and altering the behavior of an iterator.Iterator.
//   - The rules package classifies records and evaluates destination selection rules.
//   - The route package decides which destinations should receive a record.
//   - The dispatch package queues, batches, writes and drains records for each destination.
//   - The telemetry package exposes Prometheus metrics about all of the above.
package pkg

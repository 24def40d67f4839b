// Package plugin provides the sources and sinks that connect nomroute to the outside world.
// Splitting these out into their own, independent (except what's provided in pkg) packages means that they can be omitted in favor of a smaller build size if the functionality isn't needed.
// This likely won't result in shorter initial compile times, since the dependencies are still listed in the root level go.mod.
//
// "Source" functions should take their options and return an iterator.Iterator and potentially an error, and operate asynchronously.
// Sources should close any resources, like file handles or channels, and stop the associated goroutine when they have reached the end of their input or their context is cancelled.
//
// "Sink" functions construct a dispatch.Sink, which is opened, fed batches of records, and closed by the destination that owns it.
// A Sink should wrap errors that retrying can't fix with dispatch.Permanent.
// Sinks that write a name derived from a template, like a file path or a table, should expand it with Expand so each rule can be kept apart.
//
//	Current Plugins:
//	- file provides sources and a sink for files, including tail support.
//	- std provides a STDIN source and STDOUT/STDERR sinks.
//	- sqlite provides a SQLite table source and sink.
//	- kafka provides a Kafka topic sink.
//	- nats provides a NATS subject sink.
//	- blackhole provides a sink that only counts records.
package plugin

package telemetry

// BatchWriteBuckets covers sink writes from local files to remote brokers.
var BatchWriteBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Destination metrics, all labelled by destination name.
var (
	// RecordsEnqueued counts records admitted to a destination queue.
	RecordsEnqueued CounterVec = noopCounterVec{}

	// RecordsDelivered counts records written successfully by a destination's sink.
	RecordsDelivered CounterVec = noopCounterVec{}

	// RecordsRerouted counts records handed to the residue destination after a failed write.
	RecordsRerouted CounterVec = noopCounterVec{}

	// RecordsDropped counts records that were discarded, by reason (failed, rejected, unrouted).
	RecordsDropped CounterVec = noopCounterVec{}

	// RecordsAbandoned counts records discarded because a drain timed out.
	RecordsAbandoned CounterVec = noopCounterVec{}

	// WriteRetries counts retried batch writes.
	WriteRetries CounterVec = noopCounterVec{}

	// BatchWriteSeconds measures the duration of a single batch write attempt.
	BatchWriteSeconds HistogramVec = noopHistogramVec{}

	// QueueDepth tracks the number of records waiting in a destination queue.
	QueueDepth GaugeVec = noopGaugeVec{}

	// PendingRecords tracks records taken from the queue whose write hasn't resolved.
	PendingRecords GaugeVec = noopGaugeVec{}
)

func initMetrics() {
	dest := []string{"destination"}
	RecordsEnqueued = NewCounterVec("records_enqueued_total", "Records admitted to a destination queue", dest)
	RecordsDelivered = NewCounterVec("records_delivered_total", "Records written by a destination sink", dest)
	RecordsRerouted = NewCounterVec("records_rerouted_total", "Records handed to the residue destination", dest)
	RecordsDropped = NewCounterVec("records_dropped_total", "Records discarded by reason", []string{"destination", "reason"})
	RecordsAbandoned = NewCounterVec("records_abandoned_total", "Records abandoned on drain timeout", dest)
	WriteRetries = NewCounterVec("write_retries_total", "Retried batch writes", dest)
	BatchWriteSeconds = NewHistogramVec("batch_write_seconds", "Batch write attempt duration in seconds", dest, BatchWriteBuckets)
	QueueDepth = NewGaugeVec("queue_depth", "Records waiting in a destination queue", dest)
	PendingRecords = NewGaugeVec("pending_records", "Records dequeued but not yet resolved", dest)
}

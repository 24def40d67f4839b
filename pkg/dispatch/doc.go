/*
Package dispatch moves classified records from the routing stage to sinks.

Every destination is served by a Worker that owns a bounded Queue, groups queued records into batches of the same rule, and writes them through a RetryingWriter.
Workers move through the DrainState values Open, Draining, and Closed exactly once, and a worker only reaches Closed when its queue is empty and nothing is pending, or when its drain timeout runs out.

A Supervisor owns the workers of a routing configuration, hands out Dispatcher handles for fanout, and stops destinations in tiers so that fallback destinations outlive the destinations feeding them.
*/
package dispatch

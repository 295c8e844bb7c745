// Package metrics provides Prometheus instrumentation for the gateway:
// the north-bound HTTP surface, upstream provider adapter calls, routing
// engine selections, health probes, backup writes, and the database
// connection pool.
//
// Collector registers every metric once via promauto at construction and
// exposes one Record* method per domain event; callers never touch the
// underlying prometheus vectors directly.
package metrics

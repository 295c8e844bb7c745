/*
Package database provides GORM-backed connection pool management: health
checks, statistics collection, and transaction retry.

# Overview

PoolManager wraps GORM's and database/sql's pool configuration, unifying
connection lifecycle, idle reclamation, and max-connection limits. A
background health check probes the connection on a timer and logs
diagnostics via zap on failure.

# Core types

  - PoolManager: connection pool manager. Holds the GORM DB instance and
    the underlying sql.DB; exposes DB()/Ping()/Stats()/Close().
  - PoolConfig: pool tuning — max idle/open connections, connection
    lifetime, idle timeout, health check interval.
  - PoolStats: a friendlier view of pool runtime statistics.
  - TransactionFunc: the transaction callback signature.

# Capabilities

  - Pool tuning via MaxIdleConns/MaxOpenConns/ConnMaxLifetime.
  - Background health check: periodic PingContext, logging open/idle
    connection counts.
  - Transaction management: WithTransaction for a single attempt,
    WithTransactionRetry for exponential-backoff retry on deadlocks and
    serialization failures — the primitive the persistence store uses to
    serialize concurrent mutations to the same provider or route row.
  - GetStats returns a structured snapshot of pool runtime metrics.
*/
package database

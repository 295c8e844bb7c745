// Package cursorstore holds the round-robin cursor state the routing
// engine advances on every selection. The default is an in-memory map —
// per spec, cursors are not persisted across process restarts — with a
// Redis-backed alternative for deployments that run more than one gateway
// instance behind the same database and want cursors shared across them.
package cursorstore

import "context"

// Store hands out the next round-robin index for a key and clears it on
// demand. Implementations must be safe for concurrent use.
type Store interface {
	// Next returns the current cursor value for key modulo n, then
	// advances the stored cursor by one. MemoryStore keeps the stored
	// value reduced modulo n; RedisStore keeps a raw counter. n must be >= 1.
	Next(ctx context.Context, key string, n int) (int, error)

	// Peek returns the current cursor value for key without advancing
	// it, and false if no cursor is stored for key yet.
	Peek(ctx context.Context, key string) (int, bool, error)

	// Reset clears any stored cursor for the given keys. Resetting a key
	// with no stored cursor is a no-op.
	Reset(ctx context.Context, keys ...string) error
}

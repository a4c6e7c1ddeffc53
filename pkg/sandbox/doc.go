/*
Package sandbox implements the sandbox lifecycle: the long-lived identity
clients hold, its hard TTL and idle deadlines, and the coordination between
the session layer, the cargo layer and the database.

# Lifecycle

A sandbox is created idle. No containers run until the first capability
call; EnsureRunning then materializes a session through the session
manager and commits the linkage:

	created ──► idle ──► ready ◄──┐
	              │        │      │ keepalive / reuse
	              │        └──────┘
	              │  idle GC / stop
	              ▼
	            idle ──► deleted (tombstone)

The stored row only ever holds references (current_session_id, cargo_id);
the externally visible status is derived per read from the row, the clock
and the current session's observed state.

# Locking discipline

Every mutating operation takes the per-sandbox mutex from the Registry
first, then a database write transaction (store.Locked) for the commit.
Driver calls happen under the mutex but outside the transaction, so a slow
container engine never holds the write lock. The GC scheduler follows the
same order, which yields a total order of operations per sandbox.

# Deletion

Delete tombstones the row (rows are never hard-deleted), destroys all
sessions, cascades the managed cargo, and drops the lock entry. The
cascade order — sessions, tombstone, cargo — is chosen so that an
interrupt at any point leaves a state the garbage collector can finish.
*/
package sandbox

// Package backfill fetches a contiguous range of historical ledgers under
// bounded concurrency and emits them strictly descending, proving hash
// continuity before every emission.
//
// Terminology
//   - Range: the closed interval [stop..start]. stop is clamped up to the
//     genesis index; a range that lies entirely below genesis, or where
//     start < stop, is a no-op.
//   - Slot: one index of the range that has been claimed for fetching. A slot is
//     pending, in flight, succeeded (its ledger is buffered) or failed (waiting
//     to be retried).
//   - Next: the next index to emit. It only moves downward, one index at a time,
//     and only after the buffered ledger at next has proven that its own hash
//     equals the parent hash of the ledger emitted before it.
//   - Anchor: an optional frontier ledger at start+1 whose hash is recorded but
//     which is not emitted. The first emitted ledger must link to it.
//
// Main components
//   - State: the reorder buffer. It owns the slots, the next pointer and the
//     expected hash of the next emission, and it never holds more than W slots.
//   - Filler: runs one range at a time. It claims slots while the buffer has room,
//     fetches them from a Source with at most W requests in flight, and drains the
//     buffer into the emit function as soon as the ledger at next has arrived.
//
// Failure handling
//   - Any fetch failure (transport errors, timeouts, not found, not yet
//     validated, a failed self-check) is retried on the same slot until the
//     context is done. Requests claimed together are staggered by
//     stagger x their position in the batch to avoid request bursts; a
//     retry or a single refill is sent at once.
//   - A chain integrity failure is fatal: a parent hash mismatch between adjacent
//     ledgers, or a ledger returned for an index other than the one requested.
//     The run cancels its in-flight fetches, purges the buffer and returns the
//     error; it is never retried.
//   - An error from the emit function aborts the run the same way.
//
// Usage
//  1. Construct a Filler with New(logger, source, emit, config).
//  2. Call Run(ctx, stop, start) to block until the range is emitted, or
//     BackFill(ctx, stop, start, onDone) to run it in the background; onDone fires
//     exactly once.
package backfill

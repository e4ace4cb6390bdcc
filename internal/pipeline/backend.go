package pipeline

import "context"

// Backend persists the snapshot as a single document.
//
// Update must be atomic with respect to every other writer of the same
// document, including other processes: it loads the latest snapshot, runs
// fn, and writes the result back only when fn reports a change. An error
// from fn aborts the write and is returned unchanged.
type Backend interface {
	Load(ctx context.Context) (Snapshot, error)
	Update(ctx context.Context, fn func(Snapshot) (changed bool, err error)) error
	Close() error
}

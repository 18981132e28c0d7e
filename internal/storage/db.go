// Package storage provides database abstractions.
package storage

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key; the value is not copied and
	// is valid only until fn returns.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch buffers writes for a single atomic commit: either every buffered
// Put/Delete becomes visible together on Commit, or none of them do.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	// Discard releases the batch without committing. Safe to call after a
	// successful Commit (no-op in that case); callers should defer it
	// unconditionally right after NewBatch.
	Discard()
}

// Batcher is implemented by DBs that can produce an atomic Batch.
type Batcher interface {
	NewBatch() Batch
}

package odb

// FindResult reports where a relative Find positioned the cursor.
type FindResult int

const (
	FindNotFound = FindResult(iota)
	FindExact
	FindPrevious
)

// KeyValueStore is the underlying engine: an ordered byte-key store with
// single-writer transactions and monotonic transaction numbers.
type KeyValueStore interface {
	// Begin starts a transaction. A writable Begin blocks until the
	// current writer (if any) finishes.
	Begin(writable bool) (KeyValueTx, error)
	// Close closes the store.
	Close() error
}

// KeyValueTx is an engine transaction with a single implicit cursor.
// FindFirstKey, FindNextKey, Find and FindExactKey position the cursor;
// GetKey, GetValue and EraseCurrent act on the current position.
//
// A transaction is not safe for concurrent use.
type KeyValueTx interface {
	// FindFirstKey positions at the first key under prefix.
	FindFirstKey(prefix []byte) bool

	// FindNextKey advances to the next key under prefix. The cursor must
	// be positioned. After any write, callers must re-position with an
	// absolute find before calling this.
	FindNextKey(prefix []byte) bool

	// FindExactKey positions at key, reporting whether it exists.
	FindExactKey(key []byte) bool

	// Find positions at key under prefix if present (FindExact), else at
	// the greatest smaller key under prefix (FindPrevious), else reports
	// FindNotFound.
	Find(prefix, key []byte) FindResult

	// GetKey returns the key at the current position. The slice is only
	// valid until the next operation on the transaction.
	GetKey() []byte

	// GetValue returns the value at the current position. The slice is
	// only valid until the next operation on the transaction.
	GetValue() []byte

	// CreateOrUpdateKeyValue writes a pair, reporting true on create and
	// false on update. Invalidates the cursor position.
	CreateOrUpdateKeyValue(key, value []byte) bool

	// EraseCurrent removes the pair at the current position and
	// invalidates it.
	EraseCurrent()

	// ErasePrefix removes every key under prefix.
	ErasePrefix(prefix []byte)

	// GetTransactionNumber returns the monotonic snapshot number this
	// transaction observes.
	GetTransactionNumber() uint64

	// Commit publishes the writes. The transaction is unusable afterwards.
	Commit() error

	// Dispose releases the transaction, rolling back if not committed.
	// Safe to call multiple times.
	Dispose()

	// IsReadOnly reports whether this is a reader transaction.
	IsReadOnly() bool
}

// transactionLogCloser is implemented by engines whose transaction log can
// be temporarily closed at the next commit (e.g. to allow log rotation).
type transactionLogCloser interface {
	NextCommitTemporaryCloseTransactionLog()
}

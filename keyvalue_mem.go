package odb

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/google/btree"
)

type memItem struct {
	key   []byte
	value []byte
}

func memItemLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memKeyValueStore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tree   *btree.BTreeG[memItem]
	txnum  uint64
	writer bool
	closed bool
}

// NewMemoryKeyValueStore returns a transient in-memory engine backed by a
// copy-on-write B-tree. Writers get a cloned tree and publish it on commit;
// readers keep iterating their snapshot.
func NewMemoryKeyValueStore() KeyValueStore {
	s := &memKeyValueStore{tree: btree.NewG(16, memItemLess)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memKeyValueStore) Begin(writable bool) (KeyValueTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("store closed")
	}
	txnum := s.txnum
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("store closed")
		}
		s.writer = true
		txnum = s.txnum + 1
	}
	return &memKeyValueTx{
		store:    s,
		tree:     s.tree.Clone(),
		writable: writable,
		txnum:    txnum,
	}, nil
}

func (s *memKeyValueStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tree = nil
	s.cond.Broadcast()
	return nil
}

type memKeyValueTx struct {
	store    *memKeyValueStore
	tree     *btree.BTreeG[memItem]
	writable bool
	txnum    uint64
	closed   bool
	pos      memItem
	valid    bool
}

func (tx *memKeyValueTx) seekCeil(key []byte) (memItem, bool) {
	var found memItem
	var ok bool
	tx.tree.AscendGreaterOrEqual(memItem{key: key}, func(it memItem) bool {
		found, ok = it, true
		return false
	})
	return found, ok
}

func (tx *memKeyValueTx) FindFirstKey(prefix []byte) bool {
	it, ok := tx.seekCeil(prefix)
	if !ok || !bytes.HasPrefix(it.key, prefix) {
		tx.valid = false
		return false
	}
	tx.pos, tx.valid = it, true
	return true
}

func (tx *memKeyValueTx) FindNextKey(prefix []byte) bool {
	if !tx.valid {
		return false
	}
	var found memItem
	var ok bool
	tx.tree.AscendGreaterOrEqual(memItem{key: tx.pos.key}, func(it memItem) bool {
		if bytes.Equal(it.key, tx.pos.key) {
			return true
		}
		found, ok = it, true
		return false
	})
	if !ok || !bytes.HasPrefix(found.key, prefix) {
		tx.valid = false
		return false
	}
	tx.pos = found
	return true
}

func (tx *memKeyValueTx) FindExactKey(key []byte) bool {
	it, ok := tx.tree.Get(memItem{key: key})
	if !ok {
		tx.valid = false
		return false
	}
	tx.pos, tx.valid = it, true
	return true
}

func (tx *memKeyValueTx) Find(prefix, key []byte) FindResult {
	if tx.FindExactKey(key) {
		return FindExact
	}
	var found memItem
	var ok bool
	tx.tree.DescendLessOrEqual(memItem{key: key}, func(it memItem) bool {
		found, ok = it, true
		return false
	})
	if !ok || !bytes.HasPrefix(found.key, prefix) {
		tx.valid = false
		return FindNotFound
	}
	tx.pos, tx.valid = found, true
	return FindPrevious
}

func (tx *memKeyValueTx) GetKey() []byte {
	if !tx.valid {
		panic("odb: cursor is not positioned")
	}
	return tx.pos.key
}

func (tx *memKeyValueTx) GetValue() []byte {
	if !tx.valid {
		panic("odb: cursor is not positioned")
	}
	return tx.pos.value
}

func (tx *memKeyValueTx) CreateOrUpdateKeyValue(key, value []byte) bool {
	if !tx.writable {
		panic("odb: write in a read-only engine transaction")
	}
	it := memItem{key: slices.Clone(key), value: slices.Clone(value)}
	_, existed := tx.tree.ReplaceOrInsert(it)
	tx.valid = false
	return !existed
}

func (tx *memKeyValueTx) EraseCurrent() {
	if !tx.writable {
		panic("odb: write in a read-only engine transaction")
	}
	if !tx.valid {
		panic("odb: cursor is not positioned")
	}
	tx.tree.Delete(tx.pos)
	tx.valid = false
}

func (tx *memKeyValueTx) ErasePrefix(prefix []byte) {
	if !tx.writable {
		panic("odb: write in a read-only engine transaction")
	}
	var doomed [][]byte
	tx.tree.AscendGreaterOrEqual(memItem{key: prefix}, func(it memItem) bool {
		if !bytes.HasPrefix(it.key, prefix) {
			return false
		}
		doomed = append(doomed, it.key)
		return true
	})
	for _, key := range doomed {
		tx.tree.Delete(memItem{key: key})
	}
	tx.valid = false
}

func (tx *memKeyValueTx) GetTransactionNumber() uint64 {
	return tx.txnum
}

func (tx *memKeyValueTx) Commit() error {
	if tx.closed {
		return fmt.Errorf("transaction already closed")
	}
	if !tx.writable {
		tx.close()
		return nil
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		tx.closeLocked()
		return fmt.Errorf("store closed")
	}
	s.tree = tx.tree
	s.txnum = tx.txnum
	tx.closeLocked()
	return nil
}

func (tx *memKeyValueTx) Dispose() {
	if tx.closed {
		return
	}
	tx.close()
}

func (tx *memKeyValueTx) close() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.closeLocked()
}

func (tx *memKeyValueTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.tree = nil
	tx.valid = false
	if tx.writable {
		tx.store.writer = false
		tx.store.cond.Broadcast()
	}
}

func (tx *memKeyValueTx) IsReadOnly() bool {
	return !tx.writable
}

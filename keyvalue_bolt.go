package odb

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var boltRootBucket = []byte("odb")

type BoltOptions struct {
	IsTesting bool
	MmapSize  int
}

// OpenBoltKeyValueStore opens (creating if needed) a Bolt-backed engine at
// path. The whole key space lives in a single root bucket.
func OpenBoltKeyValueStore(path string, opt BoltOptions) (KeyValueStore, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("kvdb: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(boltRootBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("kvdb: %w", err)
	}
	return &boltKeyValueStore{bdb: bdb}, nil
}

type boltKeyValueStore struct {
	bdb *bbolt.DB
}

func (s *boltKeyValueStore) Begin(writable bool) (KeyValueTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltKeyValueTx{
		btx:  btx,
		buck: nonNil(btx.Bucket(boltRootBucket)),
	}, nil
}

func (s *boltKeyValueStore) Close() error {
	return s.bdb.Close()
}

// boltKeyValueTx tracks the current key explicitly because Bolt cursors are
// invalidated by writes; relative moves re-seek when stale.
type boltKeyValueTx struct {
	btx   *bbolt.Tx
	buck  *bbolt.Bucket
	cur   *bbolt.Cursor
	k, v  []byte
	stale bool
	done  bool
}

func (tx *boltKeyValueTx) cursor() *bbolt.Cursor {
	if tx.cur == nil || tx.stale {
		tx.cur = tx.buck.Cursor()
	}
	return tx.cur
}

func (tx *boltKeyValueTx) set(k, v []byte) bool {
	if k == nil {
		tx.k, tx.v = nil, nil
		return false
	}
	tx.k, tx.v, tx.stale = k, v, false
	return true
}

func (tx *boltKeyValueTx) FindFirstKey(prefix []byte) bool {
	k, v := tx.cursor().Seek(prefix)
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return tx.set(nil, nil)
	}
	return tx.set(k, v)
}

func (tx *boltKeyValueTx) FindNextKey(prefix []byte) bool {
	if tx.k == nil {
		return false
	}
	var k, v []byte
	if tx.stale {
		c := tx.cursor()
		k, v = c.Seek(tx.k)
		if k != nil && bytes.Equal(k, tx.k) {
			k, v = c.Next()
		}
	} else {
		k, v = tx.cur.Next()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return tx.set(nil, nil)
	}
	return tx.set(k, v)
}

func (tx *boltKeyValueTx) FindExactKey(key []byte) bool {
	k, v := tx.cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return tx.set(nil, nil)
	}
	return tx.set(k, v)
}

func (tx *boltKeyValueTx) Find(prefix, key []byte) FindResult {
	c := tx.cursor()
	k, v := c.Seek(key)
	if k != nil && bytes.Equal(k, key) {
		tx.set(k, v)
		return FindExact
	}
	k, v = c.Prev()
	if k == nil || !bytes.HasPrefix(k, prefix) {
		tx.set(nil, nil)
		return FindNotFound
	}
	tx.set(k, v)
	return FindPrevious
}

func (tx *boltKeyValueTx) GetKey() []byte {
	if tx.k == nil {
		panic("odb: cursor is not positioned")
	}
	return tx.k
}

func (tx *boltKeyValueTx) GetValue() []byte {
	if tx.k == nil {
		panic("odb: cursor is not positioned")
	}
	return tx.v
}

func (tx *boltKeyValueTx) CreateOrUpdateKeyValue(key, value []byte) bool {
	existed := tx.buck.Get(key) != nil
	// Bolt retains the slices until commit; callers may reuse their buffers.
	ensure(tx.buck.Put(slices.Clone(key), slices.Clone(value)))
	if tx.k != nil {
		// keep the position key so a relative move can re-seek
		tx.k = slices.Clone(tx.k)
		tx.stale = true
	}
	return !existed
}

func (tx *boltKeyValueTx) EraseCurrent() {
	if tx.k == nil {
		panic("odb: cursor is not positioned")
	}
	key := slices.Clone(tx.k)
	ensure(tx.buck.Delete(key))
	tx.set(nil, nil)
	tx.stale = true
}

func (tx *boltKeyValueTx) ErasePrefix(prefix []byte) {
	var doomed [][]byte
	c := tx.buck.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		doomed = append(doomed, slices.Clone(k))
	}
	for _, key := range doomed {
		ensure(tx.buck.Delete(key))
	}
	tx.set(nil, nil)
	tx.stale = true
}

func (tx *boltKeyValueTx) GetTransactionNumber() uint64 {
	return uint64(tx.btx.ID())
}

func (tx *boltKeyValueTx) Commit() error {
	tx.done = true
	if !tx.btx.Writable() {
		return tx.btx.Rollback()
	}
	return tx.btx.Commit()
}

func (tx *boltKeyValueTx) Dispose() {
	if tx.done {
		return
	}
	tx.done = true
	// The only error Rollback returns is ErrTxClosed, which just means
	// Commit already ran.
	err := tx.btx.Rollback()
	if err != nil && err != bbolt.ErrTxClosed {
		panic(err)
	}
}

func (tx *boltKeyValueTx) IsReadOnly() bool {
	return !tx.btx.Writable()
}

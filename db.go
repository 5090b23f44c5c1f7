package odb

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// Key-space prefixes. TableNames, TableVersions and TableSingletons hold the
// persisted schema; AllObjects holds object content keyed by encoded OID;
// AllDictionaries and the relation prefixes are erased wholesale by
// DeleteAllData.
var (
	tableNamesPrefix      = []byte{0, 0}
	tableVersionsPrefix   = []byte{0, 1}
	tableSingletonsPrefix = []byte{0, 2}
	lastOidKey            = []byte{0, 3}
	lastDictIDKey         = []byte{0, 4}
	commitUlongKey        = []byte{0, 5}
	allObjectsPrefix      = []byte{1}
	allDictionariesPrefix = []byte{2}
	allRelationsPKPrefix  = []byte{3, 0}
	allRelationsSKPrefix  = []byte{3, 1}
)

type Options struct {
	Logf    func(format string, args ...any)
	Verbose bool

	// AutoRegisterTypes makes Store, New and Singleton register unknown
	// struct types under their Go type name.
	AutoRegisterTypes bool

	// AutoRegisterRelations makes GetRelation register unknown relation
	// interfaces through the RelationBuilder hook.
	AutoRegisterRelations bool

	// RelationBuilder is the hook into the relation subsystem; it turns a
	// registered relation interface into a per-transaction factory.
	RelationBuilder func(db *DB, name string, rtype reflect.Type) (RelationFactory, error)

	// IdentityCacheLimit bounds the identity map in large mode; 0 means
	// the default.
	IdentityCacheLimit int
}

// DB owns the engine, the table registry and the OID and dictionary-id
// allocators. All transactions are created through it.
type DB struct {
	store   KeyValueStore
	opt     Options
	logf    func(format string, args ...any)
	verbose bool

	mu           sync.Mutex
	tablesByType map[reflect.Type]*tableInfo
	tablesByID   map[uint32]*tableInfo
	tablesByName map[string]*tableInfo
	lastTableID  uint32
	persisted    map[string]*persistedTable

	relationFactories map[reflect.Type]RelationFactory
	relationNames     map[string]reflect.Type

	lastOid    atomic.Uint64
	lastDictID atomic.Uint64

	// last values flushed to the meta keys; single writer, so plain fields
	storedLastOid    uint64
	storedLastDictID uint64
}

// persistedTable is the schema state read back from the store at Open.
type persistedTable struct {
	id           uint32
	lastVersion  uint32
	info         TableVersionInfo
	singletonOid OID
}

// Open wraps a key-value engine into an object database, reading back the
// persisted table names, versions, singleton OIDs and allocator positions.
func Open(store KeyValueStore, opt Options) (*DB, error) {
	logf := opt.Logf
	if logf == nil {
		logf = func(format string, args ...any) {}
	}
	db := &DB{
		store:             store,
		opt:               opt,
		logf:              logf,
		verbose:           opt.Verbose,
		tablesByType:      make(map[reflect.Type]*tableInfo),
		tablesByID:        make(map[uint32]*tableInfo),
		tablesByName:      make(map[string]*tableInfo),
		persisted:         make(map[string]*persistedTable),
		relationFactories: make(map[reflect.Type]RelationFactory),
		relationNames:     make(map[string]reflect.Type),
	}
	err := db.loadPersistedState()
	if err != nil {
		return nil, fmt.Errorf("odb: open: %w", err)
	}
	return db, nil
}

func (db *DB) loadPersistedState() error {
	ktx, err := db.store.Begin(false)
	if err != nil {
		return err
	}
	defer ktx.Dispose()

	byID := make(map[uint32]*persistedTable)

	for ok := ktx.FindFirstKey(tableNamesPrefix); ok; ok = ktx.FindNextKey(tableNamesPrefix) {
		tid, err := oidFromKey(tableNamesPrefix, ktx.GetKey())
		if err != nil {
			return err
		}
		d := makeByteDecoder(ktx.GetValue())
		name, err := d.VarBytes()
		if err != nil {
			return err
		}
		pt := &persistedTable{id: uint32(tid)}
		byID[pt.id] = pt
		db.persisted[string(name)] = pt
		if pt.id > db.lastTableID {
			db.lastTableID = pt.id
		}
	}

	for ok := ktx.FindFirstKey(tableVersionsPrefix); ok; ok = ktx.FindNextKey(tableVersionsPrefix) {
		d := makeByteDecoder(ktx.GetKey()[len(tableVersionsPrefix):])
		tid, err := d.VarUint()
		if err != nil {
			return err
		}
		ver, err := d.VarUint()
		if err != nil {
			return err
		}
		pt := byID[uint32(tid)]
		if pt == nil {
			return fmt.Errorf("version descriptor for unnamed table %d", tid)
		}
		if uint32(ver) >= pt.lastVersion {
			info, err := decodeTableVersionInfo(ktx.GetValue())
			if err != nil {
				return err
			}
			pt.lastVersion = uint32(ver)
			pt.info = info
		}
	}

	for ok := ktx.FindFirstKey(tableSingletonsPrefix); ok; ok = ktx.FindNextKey(tableSingletonsPrefix) {
		tid, err := oidFromKey(tableSingletonsPrefix, ktx.GetKey())
		if err != nil {
			return err
		}
		d := makeByteDecoder(ktx.GetValue())
		oid, err := d.VarUint()
		if err != nil {
			return err
		}
		if pt := byID[uint32(tid)]; pt != nil {
			pt.singletonOid = OID(oid)
		}
	}

	if ktx.FindExactKey(lastOidKey) {
		d := makeByteDecoder(ktx.GetValue())
		v, err := d.VarUint()
		if err != nil {
			return err
		}
		db.lastOid.Store(v)
		db.storedLastOid = v
	}
	if ktx.FindExactKey(lastDictIDKey) {
		d := makeByteDecoder(ktx.GetValue())
		v, err := d.VarUint()
		if err != nil {
			return err
		}
		db.lastDictID.Store(v)
		db.storedLastDictID = v
	}
	return nil
}

func (db *DB) Close() {
	err := db.store.Close()
	if err != nil {
		panic(fmt.Errorf("odb: closing: %w", err))
	}
}

func (db *DB) allocateOid() OID {
	return OID(db.lastOid.Add(1))
}

// GetLastAllocatedOid returns the highest OID handed out so far.
func (db *DB) GetLastAllocatedOid() OID {
	return OID(db.lastOid.Load())
}

// NewWritingTransaction starts the writer transaction. Blocks while another
// writer is active.
func (db *DB) NewWritingTransaction() (*Tx, error) {
	ktx, err := db.store.Begin(true)
	if err != nil {
		return nil, err
	}
	return db.newTx(ktx, false), nil
}

// NewReadTransaction starts a reader observing the currently committed
// snapshot.
func (db *DB) NewReadTransaction() (*Tx, error) {
	ktx, err := db.store.Begin(false)
	if err != nil {
		return nil, err
	}
	return db.newTx(ktx, true), nil
}

// Read runs f in a reader transaction.
func (db *DB) Read(f func(tx *Tx)) {
	tx := must(db.NewReadTransaction())
	defer tx.Dispose()
	f(tx)
}

// Write runs f in the writer transaction and commits.
func (db *DB) Write(f func(tx *Tx)) {
	tx := must(db.NewWritingTransaction())
	defer tx.Dispose()
	f(tx)
	err := tx.Commit()
	if err != nil {
		panic(fmt.Errorf("commit: %w", err))
	}
}

package odb

import (
	"fmt"
	"reflect"
	"sync"
)

// CreatorFunc allocates an empty object of the table's type.
type CreatorFunc func(tx *Tx) any

// InitializerFunc fills a freshly created singleton before first use.
type InitializerFunc func(tx *Tx, obj any) error

// SaverFunc serializes an object's content into the writer.
type SaverFunc func(tx *Tx, w *ObjectWriter, obj any) error

// LoaderFunc deserializes an object's content from the reader.
type LoaderFunc func(tx *Tx, r *ObjectReader, obj any) error

// FreeContentFunc walks an object's serialized form and collects the
// dictionary IDs it transitively owns, without materializing the object.
type FreeContentFunc func(tx *Tx, r *ObjectReader, dicts *[]DictID) error

// tableInfo is the registry entry for one persistent type.
type tableInfo struct {
	id                    uint32
	name                  string
	clientType            reflect.Type // pointer to struct
	clientTypeVersion     uint32
	lastPersistedVersion  uint32
	needStoreSingletonOid bool
	singletonOid          OID
	versionInfo           TableVersionInfo

	creator     CreatorFunc
	initializer InitializerFunc
	saver       SaverFunc
	loaders     map[uint32]LoaderFunc
	freeers     map[uint32]FreeContentFunc
	defLoader   LoaderFunc
	defFreeer   FreeContentFunc

	// Singleton content cache, keyed by the engine transaction number.
	// A single slot suffices: invalidation clears it and a mismatched
	// transaction number is a miss.
	singletonMu     sync.Mutex
	singletonTxNum  uint64
	singletonBytes  []byte
	singletonCached bool
}

func (ti *tableInfo) loader(version uint32) LoaderFunc {
	if fn := ti.loaders[version]; fn != nil {
		return fn
	}
	return ti.defLoader
}

func (ti *tableInfo) freeContent(version uint32) FreeContentFunc {
	if fn := ti.freeers[version]; fn != nil {
		return fn
	}
	return ti.defFreeer
}

func (ti *tableInfo) cachedSingleton(txnum uint64) ([]byte, bool) {
	ti.singletonMu.Lock()
	defer ti.singletonMu.Unlock()
	if ti.singletonCached && ti.singletonTxNum == txnum {
		return ti.singletonBytes, true
	}
	return nil, false
}

func (ti *tableInfo) cacheSingleton(txnum uint64, content []byte) {
	ti.singletonMu.Lock()
	defer ti.singletonMu.Unlock()
	ti.singletonTxNum = txnum
	ti.singletonBytes = content
	ti.singletonCached = true
}

func (ti *tableInfo) invalidateSingletonCache() {
	ti.singletonMu.Lock()
	defer ti.singletonMu.Unlock()
	ti.singletonBytes = nil
	ti.singletonCached = false
}

// TableBuilder customizes a registered table; every method returns the
// builder for chaining.
type TableBuilder[T any] struct {
	db *DB
	ti *tableInfo
}

// Register binds *T to a named table, assigning a table id and computing
// the schema version against the persisted descriptor: an unchanged
// descriptor keeps the persisted version, a changed one bumps it.
func Register[T any](db *DB, name string) *TableBuilder[T] {
	rt := reflect.TypeOf((*T)(nil))
	ti, err := db.registerType(rt, name)
	if err != nil {
		panic(err)
	}
	return &TableBuilder[T]{db, ti}
}

func (b *TableBuilder[T]) Creator(fn func(tx *Tx) *T) *TableBuilder[T] {
	b.ti.creator = func(tx *Tx) any { return fn(tx) }
	return b
}

func (b *TableBuilder[T]) Initializer(fn func(tx *Tx, obj *T) error) *TableBuilder[T] {
	b.ti.initializer = func(tx *Tx, obj any) error { return fn(tx, obj.(*T)) }
	return b
}

func (b *TableBuilder[T]) Saver(fn func(tx *Tx, w *ObjectWriter, obj *T) error) *TableBuilder[T] {
	b.ti.saver = func(tx *Tx, w *ObjectWriter, obj any) error { return fn(tx, w, obj.(*T)) }
	return b
}

func (b *TableBuilder[T]) Loader(version uint32, fn func(tx *Tx, r *ObjectReader, obj *T) error) *TableBuilder[T] {
	b.ti.loaders[version] = func(tx *Tx, r *ObjectReader, obj any) error { return fn(tx, r, obj.(*T)) }
	return b
}

func (b *TableBuilder[T]) FreeContent(version uint32, fn FreeContentFunc) *TableBuilder[T] {
	b.ti.freeers[version] = fn
	return b
}

func (db *DB) registerType(rt reflect.Type, name string) (*tableInfo, error) {
	if rt.Kind() != reflect.Ptr || rt.Elem().Kind() != reflect.Struct {
		return nil, &InvalidStorageError{Type: rt}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if ti := db.tablesByType[rt]; ti != nil {
		if ti.name != name {
			return nil, fmt.Errorf("odb: %v already registered as table %q, cannot register as %q", rt, ti.name, name)
		}
		return ti, nil
	}
	if prev := db.tablesByName[name]; prev != nil {
		return nil, fmt.Errorf("odb: table %q already registered for %v", name, prev.clientType)
	}

	ti := &tableInfo{
		name:       name,
		clientType: rt,
		loaders:    make(map[uint32]LoaderFunc),
		freeers:    make(map[uint32]FreeContentFunc),
	}
	ti.versionInfo = computeTableVersionInfo(name, rt.Elem())

	if pt := db.persisted[name]; pt != nil {
		ti.id = pt.id
		ti.lastPersistedVersion = pt.lastVersion
		ti.singletonOid = pt.singletonOid
		if pt.lastVersion > 0 && tableVersionInfoEqual(pt.info, ti.versionInfo) {
			ti.clientTypeVersion = pt.lastVersion
		} else if pt.lastVersion > 0 {
			ti.clientTypeVersion = pt.lastVersion + 1
		} else {
			ti.clientTypeVersion = 1
		}
	} else {
		db.lastTableID++
		ti.id = db.lastTableID
		ti.clientTypeVersion = 1
	}

	ti.creator = func(tx *Tx) any { return reflect.New(rt.Elem()).Interface() }
	ti.saver = defaultSaver
	ti.defLoader = defaultLoader
	ti.defFreeer = defaultFreeContent(ti)

	db.tablesByType[rt] = ti
	db.tablesByID[ti.id] = ti
	db.tablesByName[name] = ti
	return ti, nil
}

// tableByType resolves the table for a pointer-to-struct type, registering
// it under the Go type name when allowed.
func (db *DB) tableByType(rt reflect.Type, autoRegister bool) (*tableInfo, error) {
	db.mu.Lock()
	ti := db.tablesByType[rt]
	db.mu.Unlock()
	if ti != nil {
		return ti, nil
	}
	if !autoRegister || !db.opt.AutoRegisterTypes {
		return nil, &UnknownTypeError{Type: rt}
	}
	if rt.Kind() != reflect.Ptr || rt.Elem().Kind() != reflect.Struct {
		return nil, &InvalidStorageError{Type: rt}
	}
	return db.registerType(rt, rt.Elem().Name())
}

func (db *DB) tableByID(id uint32) *tableInfo {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tablesByID[id]
}

// SingletonTypes returns the registered types that have a singleton OID
// assigned (persisted or allocated in the current session).
func (db *DB) SingletonTypes() []reflect.Type {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []reflect.Type
	for rt, ti := range db.tablesByType {
		if ti.singletonOid != 0 {
			out = append(out, rt)
		}
	}
	return out
}

package odb

import "reflect"

// maxCommitRounds bounds the commit drain loop; savers that keep storing
// new objects past this are considered pathological.
const maxCommitRounds = 1_000_000

// Tx is one unit of work against the object store. A transaction instance
// is single-threaded: callers must not share it between goroutines.
type Tx struct {
	db       *DB
	ktx      KeyValueTx
	readOnly bool
	disposed bool

	objs          objMap
	dirty         dirtySet
	updatedTables map[*tableInfo]struct{}

	relationHead  *relationLink
	relationIndex map[reflect.Type]any

	localDictID uint64

	commitUlong      uint64
	commitUlongRead  bool
	commitUlongDirty bool

	// cursorGen advances whenever an operation may have moved the engine
	// cursor; enumerators compare it to decide whether to re-seek.
	cursorGen uint64
}

func (db *DB) newTx(ktx KeyValueTx, readOnly bool) *Tx {
	tx := &Tx{
		db:          db,
		ktx:         ktx,
		readOnly:    readOnly,
		localDictID: db.lastDictID.Load(),
	}
	tx.objs.init(db.opt.IdentityCacheLimit)
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) IsReadOnly() bool {
	return tx.readOnly
}

// GetTransactionNumber returns the engine snapshot number this transaction
// observes.
func (tx *Tx) GetTransactionNumber() uint64 {
	return tx.ktx.GetTransactionNumber()
}

func (tx *Tx) cursorMoved() {
	tx.cursorGen++
}

type dirtySet struct {
	order []OID
	objs  map[OID]any
}

func (ds *dirtySet) add(oid OID, obj any) {
	if ds.objs == nil {
		ds.objs = make(map[OID]any)
	}
	if _, dup := ds.objs[oid]; !dup {
		ds.order = append(ds.order, oid)
	}
	ds.objs[oid] = obj
}

func (ds *dirtySet) has(oid OID) bool {
	_, ok := ds.objs[oid]
	return ok
}

func (ds *dirtySet) remove(oid OID) {
	delete(ds.objs, oid)
}

func (ds *dirtySet) len() int {
	return len(ds.objs)
}

// take hands out the current member and clears it, so that stores during
// the drain start a fresh round.
func (ds *dirtySet) take() ([]OID, map[OID]any) {
	order, objs := ds.order, ds.objs
	ds.order, ds.objs = nil, nil
	return order, objs
}

// oids returns the live members in insertion order.
func (ds *dirtySet) oids() []OID {
	out := make([]OID, 0, len(ds.objs))
	for _, oid := range ds.order {
		if _, ok := ds.objs[oid]; ok {
			out = append(out, oid)
		}
	}
	return out
}

// Get returns the live object for oid, materializing it from the store on
// a cache miss. Returns nil for an absent or deleted OID.
func (tx *Tx) Get(oid OID) (any, error) {
	if obj := tx.objs.getByOid(oid); obj != nil {
		return obj, nil
	}
	keyBuf := keyBytesPool.Get().([]byte)
	key := appendOid(append(keyBuf, allObjectsPrefix...), oid)
	defer releaseKeyBytes(keyBuf)
	tx.cursorMoved()
	if !tx.ktx.FindExactKey(key) {
		return nil, nil
	}
	return tx.materializeObject(oid, tx.ktx.GetValue())
}

// materializeObject decodes a stored object record and inserts it into the
// identity map. Insertion happens before the loader runs so that loaders
// resolving references back to this OID observe the same instance.
func (tx *Tx) materializeObject(oid OID, val []byte) (any, error) {
	r := newObjectReader(tx, val)
	tid, err := r.d.VarUint()
	if err != nil {
		return nil, err
	}
	ti := tx.db.tableByID(uint32(tid))
	if ti == nil {
		return nil, &UnknownTypeIDError{ID: uint32(tid)}
	}
	obj := ti.creator(tx)
	tx.objs.insert(oid, obj, &objMetadata{id: oid, state: stateRead})
	tx.objs.compact()
	err = tx.readObjFinish(r, ti, obj)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// GetOid returns the OID assigned to obj within this transaction, or 0.
func (tx *Tx) GetOid(obj any) OID {
	md := tx.objs.metadataOf(obj)
	if md == nil {
		return 0
	}
	return md.id
}

// GetStorageSize returns the encoded key and value lengths of a stored
// object, or (0, 0) if the OID is absent.
func (tx *Tx) GetStorageSize(oid OID) (keyLen, valueLen int) {
	key := oidKey(allObjectsPrefix, oid)
	tx.cursorMoved()
	if !tx.ktx.FindExactKey(key) {
		return 0, 0
	}
	return len(tx.ktx.GetKey()), len(tx.ktx.GetValue())
}

// New creates a fresh object of the given pointer-to-struct type and tracks
// it as dirty with no OID; the first Store assigns one.
func (tx *Tx) New(rt reflect.Type) (any, error) {
	ti, err := tx.db.tableByType(rt, true)
	if err != nil {
		return nil, err
	}
	obj := ti.creator(tx)
	tx.objs.addMetadata(obj, &objMetadata{state: stateDirty})
	return obj, nil
}

// New creates a fresh tracked object of type T.
func New[T any](tx *Tx) (*T, error) {
	obj, err := tx.New(reflect.TypeOf((*T)(nil)))
	if err != nil {
		return nil, err
	}
	return obj.(*T), nil
}

// Store schedules obj for writing at commit, allocating an OID on first
// store. Storing an already dirty object is a no-op; storing a deleted one
// returns its old OID without resurrecting it.
func (tx *Tx) Store(obj any) (OID, error) {
	if ind, ok := obj.(indirection); ok {
		if oid := ind.indirectOid(); oid != 0 {
			return oid, nil
		}
		target := ind.indirectTarget()
		if target == nil {
			return 0, &InvalidStorageError{Type: reflect.TypeOf(obj)}
		}
		oid, err := tx.Store(target)
		if err == nil {
			ind.indirectSetOid(oid)
		}
		return oid, err
	}

	rt := reflect.TypeOf(obj)
	if rt == nil || rt.Kind() != reflect.Ptr || rt.Elem().Kind() != reflect.Struct {
		return 0, &InvalidStorageError{Type: rt}
	}
	ti, err := tx.db.tableByType(rt, true)
	if err != nil {
		return 0, err
	}

	md := tx.objs.metadataOf(obj)
	if md == nil {
		md = &objMetadata{state: stateDirty}
		tx.objs.addMetadata(obj, md)
	}
	if md.state == stateDeleted {
		return md.id, nil
	}
	if md.id == 0 {
		md.id = tx.db.allocateOid()
		md.state = stateDirty
		tx.objs.insert(md.id, obj, md)
		tx.objs.compact()
	}
	if md.state != stateDirty || !tx.dirty.has(md.id) {
		md.state = stateDirty
		tx.dirty.add(md.id, obj)
	}
	tx.ensureSchemaStored(ti)
	if tx.db.verbose {
		tx.db.logf("db: STORE %s/%d", ti.name, md.id)
	}
	return md.id, nil
}

// StoreAndFlush stores obj and writes its content immediately instead of
// waiting for commit.
func (tx *Tx) StoreAndFlush(obj any) (OID, error) {
	oid, err := tx.Store(obj)
	if err != nil {
		return 0, err
	}
	if ind, ok := obj.(indirection); ok {
		obj = ind.indirectTarget()
		if obj == nil {
			return oid, nil // stored by reference only
		}
	}
	md := tx.objs.metadataOf(obj)
	if md == nil || md.state != stateDirty {
		return oid, nil
	}
	err = tx.storeObject(obj)
	if err != nil {
		return 0, err
	}
	tx.dirty.remove(oid)
	return oid, nil
}

// StoreIfNotInlined returns the OID of an independently stored object, or
// InlineSentinel when the caller should write the object inline: the type
// is unknown (and autoRegister is off), the object was never stored, or
// forceInline is set (which also erases any stored copy).
func (tx *Tx) StoreIfNotInlined(obj any, autoRegister, forceInline bool) (OID, error) {
	if ind, ok := obj.(indirection); ok {
		if oid := ind.indirectOid(); oid != 0 {
			return oid, nil
		}
		obj = ind.indirectTarget()
		if obj == nil {
			return InlineSentinel, nil
		}
	}
	rt := reflect.TypeOf(obj)
	if rt == nil || rt.Kind() != reflect.Ptr || rt.Elem().Kind() != reflect.Struct {
		return 0, &InvalidStorageError{Type: rt}
	}
	ti, err := tx.db.tableByType(rt, autoRegister)
	if err != nil {
		if _, unknown := err.(*UnknownTypeError); unknown {
			return InlineSentinel, nil
		}
		return 0, err
	}

	md := tx.objs.metadataOf(obj)
	if md == nil || md.id == 0 || md.state == stateDeleted {
		return InlineSentinel, nil
	}
	if forceInline {
		err := tx.eraseStored(ti, md.id)
		if err != nil {
			return 0, err
		}
		tx.objs.removeOid(md.id)
		tx.dirty.remove(md.id)
		md.id = 0
		md.state = stateDirty
		return InlineSentinel, nil
	}
	return md.id, nil
}

// storeObject writes the object record under AllObjects. This is the
// commit-drain worker, also used by StoreAndFlush.
func (tx *Tx) storeObject(obj any) error {
	rt := reflect.TypeOf(obj)
	if rt == nil || rt.Kind() != reflect.Ptr || rt.Elem().Kind() != reflect.Struct {
		return &InvalidStorageError{Type: rt}
	}
	md := tx.objs.metadataOf(obj)
	if md == nil {
		return &MissingMetadataError{Type: rt}
	}
	if md.state == stateDeleted {
		return nil
	}
	ti, err := tx.db.tableByType(rt, false)
	if err != nil {
		return err
	}
	tx.ensureSchemaStored(ti)

	buf := valueBytesPool.Get().([]byte)
	w := &ObjectWriter{bytesBuilder{buf}, tx}
	err = tx.writeObjectTo(w, ti, obj)
	if err != nil {
		releaseValueBytes(w.Buf)
		return err
	}
	if ti.singletonOid != 0 && md.id == ti.singletonOid {
		ti.invalidateSingletonCache()
	}
	tx.cursorMoved()
	tx.ktx.CreateOrUpdateKeyValue(oidKey(allObjectsPrefix, md.id), w.Buf)
	releaseValueBytes(w.Buf)
	md.state = stateRead
	return nil
}

// Delete removes an object. An unknown object gets a deleted stub that
// suppresses later stores of the same reference; a stored object is erased
// together with the dictionaries it owns. Accepts an object, an OID, or an
// indirection.
func (tx *Tx) Delete(obj any) error {
	switch v := obj.(type) {
	case OID:
		return tx.DeleteByOid(v)
	case uint64:
		return tx.DeleteByOid(OID(v))
	case indirection:
		if oid := v.indirectOid(); oid != 0 {
			return tx.DeleteByOid(oid)
		}
		target := v.indirectTarget()
		if target == nil {
			return nil
		}
		return tx.Delete(target)
	}

	rt := reflect.TypeOf(obj)
	if rt == nil || rt.Kind() != reflect.Ptr || rt.Elem().Kind() != reflect.Struct {
		return &InvalidStorageError{Type: rt}
	}
	md := tx.objs.metadataOf(obj)
	if md == nil {
		tx.objs.addMetadata(obj, &objMetadata{state: stateDeleted})
		return nil
	}
	if md.state == stateDeleted {
		return nil
	}
	oid := md.id
	md.state = stateDeleted
	if oid == 0 {
		return nil
	}
	ti, err := tx.db.tableByType(rt, false)
	if err != nil {
		return err
	}
	err = tx.eraseStored(ti, oid)
	if err != nil {
		return err
	}
	tx.objs.removeOid(oid)
	tx.dirty.remove(oid)
	if tx.db.verbose {
		tx.db.logf("db: DELETE %s/%d", ti.name, oid)
	}
	return nil
}

// DeleteByOid removes the object stored under oid, whether or not it has
// been materialized in this transaction.
func (tx *Tx) DeleteByOid(oid OID) error {
	if obj := tx.objs.getByOid(oid); obj != nil {
		return tx.Delete(obj)
	}
	tx.dirty.remove(oid)
	key := oidKey(allObjectsPrefix, oid)
	tx.cursorMoved()
	if !tx.ktx.FindExactKey(key) {
		return nil
	}
	var dicts []DictID
	r := newObjectReader(tx, tx.ktx.GetValue())
	err := r.FreeContent(&dicts)
	if err != nil {
		return err
	}
	tid, _, _ := cutVarUint(r.d.Orig)
	tx.ktx.EraseCurrent()
	tx.cursorMoved()
	tx.eraseDictionaries(dicts)
	if ti := tx.db.tableByID(uint32(tid)); ti != nil && ti.singletonOid == oid {
		ti.invalidateSingletonCache()
	}
	return nil
}

// eraseStored drops the stored record of oid, freeing owned dictionaries
// and invalidating the singleton cache when the singleton is erased.
func (tx *Tx) eraseStored(ti *tableInfo, oid OID) error {
	key := oidKey(allObjectsPrefix, oid)
	tx.cursorMoved()
	if !tx.ktx.FindExactKey(key) {
		return nil
	}
	var dicts []DictID
	r := newObjectReader(tx, tx.ktx.GetValue())
	err := r.FreeContent(&dicts)
	if err != nil {
		return err
	}
	tx.ktx.EraseCurrent()
	tx.cursorMoved()
	tx.eraseDictionaries(dicts)
	if ti.singletonOid != 0 && oid == ti.singletonOid {
		ti.invalidateSingletonCache()
	}
	return nil
}

func (tx *Tx) eraseDictionaries(dicts []DictID) {
	for _, id := range dicts {
		tx.cursorMoved()
		tx.ktx.ErasePrefix(oidKey(allDictionariesPrefix, OID(id)))
	}
}

// DeleteAll deletes every object assignable to the given type (or every
// object when rt is nil).
func (tx *Tx) DeleteAll(rt reflect.Type) error {
	c := tx.Enumerate(rt)
	for c.Next() {
		err := tx.Delete(c.Object())
		if err != nil {
			return err
		}
	}
	return c.Err()
}

// DeleteAllData erases all objects, dictionaries and relation indexes
// wholesale and resets the transaction's tracking state. Table schemas and
// allocator positions survive.
func (tx *Tx) DeleteAllData() {
	tx.cursorMoved()
	tx.ktx.ErasePrefix(allObjectsPrefix)
	tx.ktx.ErasePrefix(allDictionariesPrefix)
	tx.ktx.ErasePrefix(allRelationsPKPrefix)
	tx.ktx.ErasePrefix(allRelationsSKPrefix)
	tx.objs.reset()
	tx.dirty.take()
	tx.db.mu.Lock()
	for _, ti := range tx.db.tablesByID {
		ti.invalidateSingletonCache()
	}
	tx.db.mu.Unlock()
	if tx.db.verbose {
		tx.db.logf("db: DELETE_ALL_DATA")
	}
}

// AllocateDictionaryID hands out the next dictionary id; the counter is
// flushed to the owner at commit.
func (tx *Tx) AllocateDictionaryID() DictID {
	tx.localDictID++
	return DictID(tx.localDictID)
}

// GetCommitUlong returns the caller-managed 64-bit value carried with the
// database; see SetCommitUlong.
func (tx *Tx) GetCommitUlong() uint64 {
	if !tx.commitUlongRead {
		tx.commitUlongRead = true
		tx.cursorMoved()
		if tx.ktx.FindExactKey(commitUlongKey) {
			d := makeByteDecoder(tx.ktx.GetValue())
			v, err := d.VarUint()
			if err == nil {
				tx.commitUlong = v
			}
		}
	}
	return tx.commitUlong
}

// SetCommitUlong records a 64-bit value persisted atomically with the next
// commit.
func (tx *Tx) SetCommitUlong(v uint64) {
	tx.GetCommitUlong()
	if v != tx.commitUlong {
		tx.commitUlong = v
		tx.commitUlongDirty = true
	}
}

// NextCommitTemporaryCloseTransactionLog forwards the log-rotation hint to
// engines that support it.
func (tx *Tx) NextCommitTemporaryCloseTransactionLog() {
	if c, ok := tx.ktx.(transactionLogCloser); ok {
		c.NextCommitTemporaryCloseTransactionLog()
	}
}

// Commit drains the dirty set (savers may enqueue more objects, so the
// drain loops to a fixpoint), flushes the allocator counters, commits the
// engine transaction and finalizes the persisted schema versions. The
// engine transaction is disposed in all outcomes.
func (tx *Tx) Commit() error {
	defer tx.Dispose()
	if tx.readOnly {
		return nil
	}

	for round := 0; ; round++ {
		if round >= maxCommitRounds {
			return ErrTooManyCommitRounds
		}
		order, objs := tx.dirty.take()
		if len(objs) == 0 {
			break
		}
		for _, oid := range order {
			obj, ok := objs[oid]
			if !ok {
				continue
			}
			err := tx.storeObject(obj)
			if err != nil {
				return err
			}
		}
	}

	if tx.localDictID != tx.db.storedLastDictID {
		tx.cursorMoved()
		tx.ktx.CreateOrUpdateKeyValue(lastDictIDKey, appendVarUint(nil, tx.localDictID))
	}
	lastOid := tx.db.lastOid.Load()
	if lastOid != tx.db.storedLastOid {
		tx.cursorMoved()
		tx.ktx.CreateOrUpdateKeyValue(lastOidKey, appendVarUint(nil, lastOid))
	}
	if tx.commitUlongDirty {
		tx.cursorMoved()
		tx.ktx.CreateOrUpdateKeyValue(commitUlongKey, appendVarUint(nil, tx.commitUlong))
	}

	txnum := tx.ktx.GetTransactionNumber()
	err := tx.ktx.Commit()
	if err != nil {
		return err
	}

	tx.db.lastDictID.Store(tx.localDictID)
	tx.db.storedLastDictID = tx.localDictID
	tx.db.storedLastOid = lastOid
	for ti := range tx.updatedTables {
		ti.lastPersistedVersion = ti.clientTypeVersion
		ti.needStoreSingletonOid = false
	}
	if tx.db.verbose {
		tx.db.logf("db: COMMIT txnum=%d", txnum)
	}
	return nil
}

// Dispose releases the transaction, rolling back anything uncommitted.
// Safe to call multiple times.
func (tx *Tx) Dispose() {
	if tx.disposed {
		return
	}
	tx.disposed = true
	tx.ktx.Dispose()
}

package odb

import (
	"reflect"
	"slices"
)

// Singleton resolves the per-table root object for the given
// pointer-to-struct type, materializing it from the store or creating a
// fresh one on first use. The singleton OID is stable across transactions.
func (tx *Tx) Singleton(rt reflect.Type) (any, error) {
	ti, err := tx.db.tableByType(rt, true)
	if err != nil {
		return nil, err
	}

	tx.db.mu.Lock()
	oid := ti.singletonOid
	if oid == 0 {
		oid = tx.db.allocateOid()
		ti.singletonOid = oid
		ti.needStoreSingletonOid = true
	}
	tx.db.mu.Unlock()

	if obj := tx.objs.getByOid(oid); obj != nil {
		if !reflect.TypeOf(obj).AssignableTo(rt) {
			return nil, &SingletonTypeMismatchError{
				Oid: oid, TableName: ti.name,
				Requested: rt, Stored: reflect.TypeOf(obj),
			}
		}
		return obj, nil
	}

	txnum := tx.ktx.GetTransactionNumber()
	content, cached := ti.cachedSingleton(txnum)
	if !cached {
		tx.cursorMoved()
		if tx.ktx.FindExactKey(oidKey(allObjectsPrefix, oid)) {
			content = slices.Clone(tx.ktx.GetValue())
		}
		ti.cacheSingleton(txnum, content)
	}

	if content != nil {
		r := newObjectReader(tx, content)
		tid, err := r.d.VarUint()
		if err != nil {
			return nil, err
		}
		if uint32(tid) != ti.id {
			stored := rt
			if other := tx.db.tableByID(uint32(tid)); other != nil {
				stored = other.clientType
			}
			return nil, &SingletonTypeMismatchError{
				Oid: oid, TableName: ti.name,
				Requested: rt, Stored: stored,
			}
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

	// Nothing stored: create a fresh root and schedule it for the first
	// commit. Dropping the table from the updated set forces the store
	// path to persist the schema again, now including the singleton OID.
	obj := ti.creator(tx)
	if ti.initializer != nil {
		err := ti.initializer(tx, obj)
		if err != nil {
			return nil, err
		}
	}
	tx.objs.insert(oid, obj, &objMetadata{id: oid, state: stateDirty})
	tx.objs.compact()
	tx.dirty.add(oid, obj)
	delete(tx.updatedTables, ti)
	if tx.db.verbose {
		tx.db.logf("db: SINGLETON.NEW %s/%d", ti.name, oid)
	}
	return obj, nil
}

// Singleton resolves the root object of type T.
func Singleton[T any](tx *Tx) (*T, error) {
	obj, err := tx.Singleton(reflect.TypeOf((*T)(nil)))
	if err != nil {
		return nil, err
	}
	return obj.(*T), nil
}

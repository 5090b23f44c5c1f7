package odb

import (
	"reflect"
	"slices"
)

// ObjectCursor is a lazy, single-pass walk over all objects in OID order:
// first the stored objects, then the dirty objects created after the last
// stored OID. Re-invoke Enumerate to restart; resuming a partially consumed
// cursor after unrelated transaction work is supported via the cursor
// guard, which re-seeks when the engine cursor has been moved.
type ObjectCursor struct {
	tx     *Tx
	filter reflect.Type // nil matches everything

	started   bool
	storeDone bool
	gen       uint64
	lastOid   OID
	maxOid    OID

	dirtyTail []OID
	tailIdx   int

	oid OID
	obj any
	err error
}

// Enumerate walks every object whose type is assignable to filter, or every
// object when filter is nil. Objects created in this transaction but not
// yet flushed are included.
func (tx *Tx) Enumerate(filter reflect.Type) *ObjectCursor {
	return &ObjectCursor{
		tx:     tx,
		filter: filter,
	}
}

// EnumerateAll collects every object of type T.
func EnumerateAll[T any](tx *Tx) ([]*T, error) {
	c := tx.Enumerate(reflect.TypeOf((*T)(nil)))
	var out []*T
	for c.Next() {
		out = append(out, c.Object().(*T))
	}
	return out, c.Err()
}

func (c *ObjectCursor) Next() bool {
	if c.err != nil {
		return false
	}
	for !c.storeDone {
		ok := c.step()
		if c.err != nil {
			return false
		}
		if !ok {
			c.storeDone = true
			c.buildDirtyTail()
			break
		}
		key := c.tx.ktx.GetKey()
		oid, err := oidFromKey(allObjectsPrefix, key)
		if err != nil {
			c.err = err
			return false
		}
		c.lastOid = oid

		if obj := c.tx.objs.getByOid(oid); obj != nil {
			if c.matches(reflect.TypeOf(obj)) {
				c.oid, c.obj = oid, obj
				return true
			}
			continue
		}

		val := c.tx.ktx.GetValue()
		tid, _, err := cutVarUint(val)
		if err != nil {
			c.err = err
			return false
		}
		ti := c.tx.db.tableByID(uint32(tid))
		if ti == nil {
			c.err = &UnknownTypeIDError{ID: uint32(tid)}
			return false
		}
		if !c.matches(ti.clientType) {
			continue
		}
		// Note: a custom loader may move the engine cursor; the guard
		// check in step catches that and re-seeks.
		obj, err := c.tx.materializeObject(oid, val)
		if err != nil {
			c.err = err
			return false
		}
		c.oid, c.obj = oid, obj
		return true
	}

	for c.tailIdx < len(c.dirtyTail) {
		oid := c.dirtyTail[c.tailIdx]
		c.tailIdx++
		obj := c.tx.objs.getByOid(oid)
		if obj == nil || !c.matches(reflect.TypeOf(obj)) {
			continue
		}
		c.oid, c.obj = oid, obj
		return true
	}
	return false
}

// step advances the store-side walk by one key, re-seeking when the engine
// cursor was moved by interleaved operations.
func (c *ObjectCursor) step() bool {
	tx := c.tx
	if !c.started {
		c.started = true
		ok := tx.ktx.FindFirstKey(allObjectsPrefix)
		c.sync()
		return ok
	}
	if c.gen == tx.cursorGen {
		ok := tx.ktx.FindNextKey(allObjectsPrefix)
		c.sync()
		return ok
	}

	// Someone moved the cursor; re-seek at the successor of the last OID.
	seekKey := oidKey(allObjectsPrefix, c.lastOid+1)
	switch tx.ktx.Find(allObjectsPrefix, seekKey) {
	case FindExact:
		c.sync()
		return true
	case FindPrevious:
		ok := tx.ktx.FindNextKey(allObjectsPrefix)
		c.sync()
		return ok
	default:
		// No key at or before the successor; anything left is past it.
		ok := tx.ktx.FindFirstKey(allObjectsPrefix)
		c.sync()
		return ok
	}
}

func (c *ObjectCursor) sync() {
	c.tx.cursorMoved()
	c.gen = c.tx.cursorGen
}

// buildDirtyTail snapshots the dirty OIDs past the last stored key, bounded
// by the current allocator position so that objects stored while the tail
// is being consumed cannot extend it.
func (c *ObjectCursor) buildDirtyTail() {
	c.maxOid = c.tx.db.GetLastAllocatedOid()
	var tail []OID
	for _, oid := range c.tx.dirty.oids() {
		if oid > c.lastOid && oid <= c.maxOid {
			tail = append(tail, oid)
		}
	}
	slices.Sort(tail)
	c.dirtyTail = tail
}

func (c *ObjectCursor) matches(rt reflect.Type) bool {
	return c.filter == nil || rt.AssignableTo(c.filter)
}

// Object returns the current object; valid after Next reports true.
func (c *ObjectCursor) Object() any {
	return c.obj
}

// Oid returns the current object's OID.
func (c *ObjectCursor) Oid() OID {
	return c.oid
}

func (c *ObjectCursor) Err() error {
	return c.err
}

// EnumerateSingletonTypes returns the types that have singleton roots.
func (tx *Tx) EnumerateSingletonTypes() []reflect.Type {
	return tx.db.SingletonTypes()
}

// EnumerateRelationTypes returns the registered relation interface types.
func (tx *Tx) EnumerateRelationTypes() []reflect.Type {
	return tx.db.RelationTypes()
}

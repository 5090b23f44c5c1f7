package odb

import (
	"errors"
	"testing"
)

func registerBoxes(db *DB) {
	Register[TBox](db, "boxes").
		Saver(func(tx *Tx, w *ObjectWriter, b *TBox) error {
			w.AppendVarBytes([]byte(b.Label))
			return w.WriteInline(b.Item)
		}).
		Loader(1, func(tx *Tx, r *ObjectReader, b *TBox) error {
			label, err := r.VarBytes()
			if err != nil {
				return err
			}
			b.Label = string(label)
			obj, err := r.ReadInline()
			if err != nil {
				return err
			}
			b.Item = obj.(*TItem)
			return nil
		}).
		FreeContent(1, func(tx *Tx, r *ObjectReader, dicts *[]DictID) error {
			_, err := r.VarBytes()
			if err != nil {
				return err
			}
			return r.FreeContent(dicts)
		})
}

func TestInlineRoundTrip(t *testing.T) {
	db, _ := setup(t)
	registerBoxes(db)

	var oid OID
	db.Write(func(tx *Tx) {
		b := must(New[TBox](tx))
		b.Label = "box"
		b.Item = &TItem{V: 42}
		oid = must(tx.Store(b))
	})

	db.Read(func(tx *Tx) {
		obj, err := tx.Get(oid)
		noerr(t, err)
		b := obj.(*TBox)
		eq(t, b.Label, "box")
		eq(t, b.Item.V, 42)
		// the inline item has no independent OID
		eq(t, tx.GetOid(b.Item), 0)
	})
}

func TestStoreIfNotInlinedUnregisteredType(t *testing.T) {
	store := NewMemoryKeyValueStore()
	db := must(Open(store, Options{}))
	defer db.Close()

	db.Write(func(tx *Tx) {
		oid, err := tx.StoreIfNotInlined(&TItem{V: 1}, false, false)
		noerr(t, err)
		eq(t, oid, InlineSentinel)
	})
}

func TestStoreIfNotInlinedStoredObject(t *testing.T) {
	db, _ := setup(t)
	registerBasics(db)

	db.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name = "ref"
		oid := must(tx.Store(u))

		got, err := tx.StoreIfNotInlined(u, false, false)
		noerr(t, err)
		eq(t, got, oid)

		// forceInline erases the stored copy
		got, err = tx.StoreIfNotInlined(u, false, true)
		noerr(t, err)
		eq(t, got, InlineSentinel)
		keyLen, valueLen := tx.GetStorageSize(oid)
		eq(t, keyLen, 0)
		eq(t, valueLen, 0)
	})
}

func TestStoreIfNotInlinedNeverStored(t *testing.T) {
	db, _ := setup(t)
	registerBasics(db)

	db.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name = "inline me"
		oid, err := tx.StoreIfNotInlined(u, false, false)
		noerr(t, err)
		eq(t, oid, InlineSentinel)
	})
}

func TestUnknownTableIDOnRead(t *testing.T) {
	db, store := setup(t)
	registerBasics(db)

	var oid OID
	db.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name = "x"
		oid = must(tx.Store(u))
	})

	// Corrupt the record to reference a table id nobody registered.
	ktx := must(store.Begin(true))
	key := oidKey(allObjectsPrefix, oid)
	if !ktx.FindExactKey(key) {
		t.Fatalf("stored object not found")
	}
	val := append([]byte(nil), ktx.GetValue()...)
	_, rest, err := cutVarUint(val)
	noerr(t, err)
	bad := appendVarUint(nil, 99)
	bad = append(bad, rest...)
	ktx.CreateOrUpdateKeyValue(key, bad)
	noerr(t, ktx.Commit())

	db.Read(func(tx *Tx) {
		var unknownErr *UnknownTypeIDError
		_, err := tx.Get(oid)
		if !errors.As(err, &unknownErr) {
			t.Fatalf("Get err = %v, wanted UnknownTypeIDError", err)
		}
		eq(t, unknownErr.ID, 99)
	})
}

func TestDeleteFreesOwnedDictionaries(t *testing.T) {
	db, store := setup(t)
	Register[TDicty](db, "dicties")

	var oid OID
	var mainID, extraID DictID
	db.Write(func(tx *Tx) {
		d := must(New[TDicty](tx))
		mainID = tx.AllocateDictionaryID()
		extraID = tx.AllocateDictionaryID()
		d.Main = mainID
		d.Extra = []DictID{extraID}
		oid = must(tx.Store(d))
	})
	eq(t, mainID, 1)
	eq(t, extraID, 2)

	// Simulate dictionary content owned by the object.
	ktx := must(store.Begin(true))
	for _, id := range []DictID{mainID, extraID} {
		prefix := oidKey(allDictionariesPrefix, OID(id))
		ktx.CreateOrUpdateKeyValue(append(append([]byte(nil), prefix...), 0x01), []byte("v1"))
		ktx.CreateOrUpdateKeyValue(append(append([]byte(nil), prefix...), 0x02), []byte("v2"))
	}
	noerr(t, ktx.Commit())
	eq(t, countKeys(t, store, allDictionariesPrefix), 4)

	db.Write(func(tx *Tx) {
		noerr(t, tx.DeleteByOid(oid))
	})
	eq(t, countKeys(t, store, allDictionariesPrefix), 0)
	eq(t, countKeys(t, store, allObjectsPrefix), 0)
}

package odb

import (
	"os"
	"testing"
)

func setupBoltStore(t testing.TB) KeyValueStore {
	t.Helper()
	dbFile := must(os.CreateTemp("", "odb_test_*.db"))
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	store := must(OpenBoltKeyValueStore(dbFile.Name(), BoltOptions{IsTesting: true}))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltKVBasicOps(t *testing.T) {
	store := setupBoltStore(t)

	ktx := must(store.Begin(true))
	ktx.CreateOrUpdateKeyValue(x("01 01"), []byte("a"))
	ktx.CreateOrUpdateKeyValue(x("01 03"), []byte("c"))
	ktx.CreateOrUpdateKeyValue(x("02 01"), []byte("z"))
	noerr(t, ktx.Commit())

	ktx = must(store.Begin(false))
	defer ktx.Dispose()

	if !ktx.FindFirstKey(x("01")) {
		t.Fatalf("FindFirstKey failed")
	}
	deepEqual(t, ktx.GetKey(), x("01 01"))
	if !ktx.FindNextKey(x("01")) {
		t.Fatalf("FindNextKey failed")
	}
	deepEqual(t, ktx.GetKey(), x("01 03"))
	if ktx.FindNextKey(x("01")) {
		t.Fatalf("FindNextKey walked past the prefix")
	}
	eq(t, ktx.Find(x("01"), x("01 02")), FindPrevious)
	deepEqual(t, ktx.GetKey(), x("01 01"))
}

func TestBoltKVRelativeMoveAfterWrite(t *testing.T) {
	store := setupBoltStore(t)

	ktx := must(store.Begin(true))
	ktx.CreateOrUpdateKeyValue(x("01 01"), []byte("a"))
	ktx.CreateOrUpdateKeyValue(x("01 02"), []byte("b"))

	if !ktx.FindFirstKey(x("01")) {
		t.Fatalf("FindFirstKey failed")
	}
	// a write between cursor moves forces an internal re-seek
	ktx.CreateOrUpdateKeyValue(x("01 03"), []byte("c"))
	if !ktx.FindNextKey(x("01")) {
		t.Fatalf("FindNextKey after write failed")
	}
	deepEqual(t, ktx.GetKey(), x("01 02"))
	noerr(t, ktx.Commit())
}

func TestBoltFullStack(t *testing.T) {
	store := setupBoltStore(t)
	db := must(Open(store, Options{AutoRegisterTypes: true}))
	Register[TUser](db, "users")
	Register[TRoot](db, "roots")

	var oid OID
	db.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name, u.Age = "bolted", 3
		oid = must(tx.Store(u))
		root, err := Singleton[TRoot](tx)
		noerr(t, err)
		root.Counter = 9
		must(tx.Store(root))
	})
	eq(t, oid, 1)

	db.Read(func(tx *Tx) {
		obj, err := tx.Get(oid)
		noerr(t, err)
		deepEqual(t, obj.(*TUser), &TUser{Name: "bolted", Age: 3})
		root, err := Singleton[TRoot](tx)
		noerr(t, err)
		eq(t, root.Counter, 9)
	})
}

package odb

import (
	"encoding/hex"
	"reflect"
	"strings"
	"testing"
)

type (
	TUser struct {
		Name string
		Age  uint32
	}

	TNote struct {
		Text string
	}

	TRoot struct {
		Counter uint64
		Label   string
	}

	TItem struct {
		V int
	}

	TBox struct {
		Label string
		Item  *TItem
	}

	TChain struct {
		Label   string
		Next    *TChain
		NextOid OID
	}

	TDicty struct {
		Main  DictID
		Extra []DictID
	}
)

func setup(t testing.TB) (*DB, KeyValueStore) {
	t.Helper()
	store := NewMemoryKeyValueStore()
	db := must(Open(store, Options{AutoRegisterTypes: true}))
	t.Cleanup(db.Close)
	return db, store
}

func registerBasics(db *DB) {
	Register[TUser](db, "users")
	Register[TNote](db, "notes")
	Register[TRoot](db, "roots")
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func eq[T comparable](t testing.TB, a, e T) {
	if a != e {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func noerr(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}

// countKeys walks the engine directly to count keys under a prefix.
func countKeys(t testing.TB, store KeyValueStore, prefix []byte) int {
	t.Helper()
	ktx := must(store.Begin(false))
	defer ktx.Dispose()
	var n int
	for ok := ktx.FindFirstKey(prefix); ok; ok = ktx.FindNextKey(prefix) {
		n++
	}
	return n
}

func TestDB(t *testing.T) {
	db, _ := setup(t)
	registerBasics(db)

	var oid OID
	db.Write(func(tx *Tx) {
		u, err := New[TUser](tx)
		noerr(t, err)
		u.Name, u.Age = "foo", 7
		oid = must(tx.Store(u))
	})
	eq(t, oid, 1)

	db.Read(func(tx *Tx) {
		obj, err := tx.Get(oid)
		noerr(t, err)
		deepEqual(t, obj.(*TUser), &TUser{Name: "foo", Age: 7})

		users := must(EnumerateAll[TUser](tx))
		deepEqual(t, users, []*TUser{{Name: "foo", Age: 7}})
	})
}

func TestDBIdentityPreservedWithinTx(t *testing.T) {
	db, _ := setup(t)
	registerBasics(db)

	db.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name = "a"
		oid := must(tx.Store(u))
		got, err := tx.Get(oid)
		noerr(t, err)
		if got.(*TUser) != u {
			t.Fatalf("Get returned a different instance than the stored one")
		}
		eq(t, tx.GetOid(u), oid)
	})
}

func TestDBReopenKeepsAllocators(t *testing.T) {
	db, store := setup(t)
	registerBasics(db)

	db.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name = "a"
		must(tx.Store(u))
	})

	db2 := must(Open(store, Options{AutoRegisterTypes: true}))
	registerBasics(db2)
	db2.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name = "b"
		oid := must(tx.Store(u))
		eq(t, oid, 2) // allocator position survived the reopen
	})
}

func TestDBSchemaPersistedOnce(t *testing.T) {
	db, store := setup(t)
	Register[TUser](db, "users")

	db.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name = "a"
		must(tx.Store(u))
	})
	eq(t, countKeys(t, store, tableNamesPrefix), 1)
	eq(t, countKeys(t, store, tableVersionsPrefix), 1)

	// Same descriptor after reopen: no new version row.
	db2 := must(Open(store, Options{}))
	Register[TUser](db2, "users")
	db2.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name = "b"
		must(tx.Store(u))
	})
	eq(t, countKeys(t, store, tableVersionsPrefix), 1)
	eq(t, countKeys(t, store, tableNamesPrefix), 1)

	// Changed descriptor under the same table name: version bumps.
	type TUserV2 struct {
		Name  string
		Age   uint32
		Email string
	}
	db3 := must(Open(store, Options{}))
	b := Register[TUserV2](db3, "users")
	eq(t, b.ti.clientTypeVersion, 2)
	db3.Write(func(tx *Tx) {
		u := must(New[TUserV2](tx))
		u.Name, u.Email = "c", "c@example.com"
		must(tx.Store(u))
	})
	eq(t, countKeys(t, store, tableVersionsPrefix), 2)
}

func TestDBGetStorageSize(t *testing.T) {
	db, _ := setup(t)
	registerBasics(db)

	var oid OID
	db.Write(func(tx *Tx) {
		u := must(New[TUser](tx))
		u.Name = "size me"
		oid = must(tx.Store(u))
	})
	db.Read(func(tx *Tx) {
		keyLen, valueLen := tx.GetStorageSize(oid)
		if keyLen < 2 || valueLen < 3 {
			t.Fatalf("GetStorageSize = (%d, %d), wanted something plausible", keyLen, valueLen)
		}
		keyLen, valueLen = tx.GetStorageSize(9999)
		eq(t, keyLen, 0)
		eq(t, valueLen, 0)
	})
}

func TestDBCommitUlong(t *testing.T) {
	db, _ := setup(t)

	db.Write(func(tx *Tx) {
		eq(t, tx.GetCommitUlong(), 0)
		tx.SetCommitUlong(42)
	})
	db.Read(func(tx *Tx) {
		eq(t, tx.GetCommitUlong(), 42)
	})
}

func TestDBRollbackOnDispose(t *testing.T) {
	db, _ := setup(t)
	registerBasics(db)

	tx := must(db.NewWritingTransaction())
	u := must(New[TUser](tx))
	u.Name = "ghost"
	must(tx.Store(u))
	tx.Dispose() // no commit

	db.Read(func(tx *Tx) {
		users := must(EnumerateAll[TUser](tx))
		eq(t, len(users), 0)
	})
}

func TestHexstr(t *testing.T) {
	eq(t, hexstr(nil), "<nil>")
	eq(t, hexstr([]byte{}), "<empty>")
	eq(t, hexstr(x("aabb")), "aabb")
}

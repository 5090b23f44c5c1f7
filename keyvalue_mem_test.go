package odb

import (
	"bytes"
	"testing"
)

func TestMemKVBasicOps(t *testing.T) {
	store := NewMemoryKeyValueStore()
	defer store.Close()

	ktx := must(store.Begin(true))
	if !ktx.CreateOrUpdateKeyValue(x("01 01"), []byte("a")) {
		t.Fatalf("first put reported update")
	}
	ktx.CreateOrUpdateKeyValue(x("01 03"), []byte("c"))
	ktx.CreateOrUpdateKeyValue(x("02 01"), []byte("z"))
	if ktx.CreateOrUpdateKeyValue(x("01 01"), []byte("a2")) {
		t.Fatalf("second put reported create")
	}
	noerr(t, ktx.Commit())

	ktx = must(store.Begin(false))
	defer ktx.Dispose()

	if !ktx.FindFirstKey(x("01")) {
		t.Fatalf("FindFirstKey failed")
	}
	deepEqual(t, ktx.GetKey(), x("01 01"))
	deepEqual(t, ktx.GetValue(), []byte("a2"))

	if !ktx.FindNextKey(x("01")) {
		t.Fatalf("FindNextKey failed")
	}
	deepEqual(t, ktx.GetKey(), x("01 03"))
	if ktx.FindNextKey(x("01")) {
		t.Fatalf("FindNextKey walked past the prefix")
	}

	eq(t, ktx.Find(x("01"), x("01 03")), FindExact)
	eq(t, ktx.Find(x("01"), x("01 02")), FindPrevious)
	deepEqual(t, ktx.GetKey(), x("01 01"))
	eq(t, ktx.Find(x("01"), x("01 00")), FindNotFound)
	if !ktx.FindExactKey(x("02 01")) {
		t.Fatalf("FindExactKey failed")
	}
}

func TestMemKVSnapshotIsolation(t *testing.T) {
	store := NewMemoryKeyValueStore()
	defer store.Close()

	w := must(store.Begin(true))
	w.CreateOrUpdateKeyValue(x("aa"), []byte("1"))
	noerr(t, w.Commit())

	r := must(store.Begin(false))
	defer r.Dispose()
	tn := r.GetTransactionNumber()

	w = must(store.Begin(true))
	if w.GetTransactionNumber() <= tn {
		t.Fatalf("writer transaction number did not advance")
	}
	w.CreateOrUpdateKeyValue(x("aa"), []byte("2"))
	noerr(t, w.Commit())

	// the reader still observes its snapshot
	if !r.FindExactKey(x("aa")) {
		t.Fatalf("reader lost its key")
	}
	deepEqual(t, r.GetValue(), []byte("1"))

	r2 := must(store.Begin(false))
	defer r2.Dispose()
	r2.FindExactKey(x("aa"))
	deepEqual(t, r2.GetValue(), []byte("2"))
}

func TestMemKVErase(t *testing.T) {
	store := NewMemoryKeyValueStore()
	defer store.Close()

	ktx := must(store.Begin(true))
	ktx.CreateOrUpdateKeyValue(x("01 01"), []byte("a"))
	ktx.CreateOrUpdateKeyValue(x("01 02"), []byte("b"))
	ktx.CreateOrUpdateKeyValue(x("02 01"), []byte("c"))

	if !ktx.FindExactKey(x("01 01")) {
		t.Fatalf("FindExactKey failed")
	}
	ktx.EraseCurrent()
	if ktx.FindExactKey(x("01 01")) {
		t.Fatalf("erased key still present")
	}

	ktx.ErasePrefix(x("01"))
	if ktx.FindFirstKey(x("01")) {
		t.Fatalf("ErasePrefix left keys behind")
	}
	if !ktx.FindFirstKey(x("02")) {
		t.Fatalf("ErasePrefix erased keys outside the prefix")
	}
	noerr(t, ktx.Commit())
}

func TestMemKVRollback(t *testing.T) {
	store := NewMemoryKeyValueStore()
	defer store.Close()

	ktx := must(store.Begin(true))
	ktx.CreateOrUpdateKeyValue(x("aa"), []byte("1"))
	ktx.Dispose()

	r := must(store.Begin(false))
	defer r.Dispose()
	if r.FindExactKey(x("aa")) {
		t.Fatalf("rolled back write is visible")
	}
}

func TestMemKVOrderedIteration(t *testing.T) {
	store := NewMemoryKeyValueStore()
	defer store.Close()

	ktx := must(store.Begin(true))
	keys := [][]byte{x("01 7f"), x("01 80 80"), x("01 01"), x("01 c0 00 01")}
	for _, k := range keys {
		ktx.CreateOrUpdateKeyValue(k, []byte{1})
	}

	var got [][]byte
	for ok := ktx.FindFirstKey(x("01")); ok; ok = ktx.FindNextKey(x("01")) {
		got = append(got, append([]byte(nil), ktx.GetKey()...))
	}
	for i := 1; i < len(got); i++ {
		if bytes.Compare(got[i-1], got[i]) >= 0 {
			t.Fatalf("iteration out of order: %x >= %x", got[i-1], got[i])
		}
	}
	eq(t, len(got), 4)
	noerr(t, ktx.Commit())
}

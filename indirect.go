package odb

import (
	"fmt"
	"reflect"
)

// indirection is the special-casing hook for lazy by-reference handles:
// one with a non-zero OID is kept by OID; one with a zero OID stands for
// its target value.
type indirection interface {
	indirectOid() OID
	indirectTarget() any
	indirectSetOid(oid OID)
}

// Indirect is a lazy handle on a stored object: it carries an OID and an
// optionally materialized target. Store keeps a non-zero-OID indirection by
// reference; a zero-OID one stores its target. Delete behaves likewise.
type Indirect[T any] struct {
	oid   OID
	value *T
}

// NewIndirect wraps an in-memory object that has not been stored yet.
func NewIndirect[T any](value *T) *Indirect[T] {
	return &Indirect[T]{value: value}
}

// IndirectByOid wraps a stored object by reference; the target loads on
// first Value call.
func IndirectByOid[T any](oid OID) *Indirect[T] {
	return &Indirect[T]{oid: oid}
}

func (ind *Indirect[T]) Oid() OID {
	return ind.oid
}

// Value returns the target, loading it through tx on first access. Returns
// nil for an empty indirection or a deleted target.
func (ind *Indirect[T]) Value(tx *Tx) (*T, error) {
	if ind.value != nil {
		return ind.value, nil
	}
	if ind.oid == 0 {
		return nil, nil
	}
	obj, err := tx.Get(ind.oid)
	if err != nil || obj == nil {
		return nil, err
	}
	target, ok := obj.(*T)
	if !ok {
		return nil, fmt.Errorf("odb: indirection %d resolves to %T, wanted %v", ind.oid, obj, reflect.TypeOf((*T)(nil)))
	}
	ind.value = target
	return target, nil
}

func (ind *Indirect[T]) indirectOid() OID {
	return ind.oid
}

func (ind *Indirect[T]) indirectTarget() any {
	if ind.value == nil {
		return nil
	}
	return ind.value
}

func (ind *Indirect[T]) indirectSetOid(oid OID) {
	ind.oid = oid
}

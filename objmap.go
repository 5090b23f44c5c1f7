package odb

import "sort"

type objState uint8

const (
	stateRead = objState(iota)
	stateDirty
	stateDeleted
)

// objMetadata is the transaction's bookkeeping for one live object. The
// object reference is the map key; the metadata is mutable.
type objMetadata struct {
	id    OID
	state objState
}

const (
	smallModeLimit       = 30
	defaultObjCacheLimit = 8192
)

// objMap is the two-tier object identity map. In small mode (up to 30
// entries) everything is retained strongly. Past that it switches to large
// mode: still strong maps, but bounded — Compact evicts the coldest clean
// entries once the configured limit is exceeded. Dirty objects and deleted
// stubs are never evicted. There is no demotion back to small mode.
//
// Go has no weak-keyed maps, so eviction stands in for weak-reference
// reclamation here; an evicted object that the caller still holds will be
// materialized anew by a later lookup.
type objMap struct {
	large bool
	limit int
	tick  uint64

	byOid  map[OID]any
	meta   map[any]*objMetadata
	access map[OID]uint64 // large mode only
}

func (m *objMap) init(limit int) {
	if limit <= 0 {
		limit = defaultObjCacheLimit
	}
	m.limit = limit
	m.byOid = make(map[OID]any)
	m.meta = make(map[any]*objMetadata)
}

func (m *objMap) getByOid(oid OID) any {
	obj := m.byOid[oid]
	if obj != nil && m.large {
		m.tick++
		m.access[oid] = m.tick
	}
	return obj
}

func (m *objMap) metadataOf(obj any) *objMetadata {
	return m.meta[obj]
}

// insert binds both directions and promotes to large mode when the 31st
// entry arrives.
func (m *objMap) insert(oid OID, obj any, md *objMetadata) {
	if !m.large && len(m.byOid) >= smallModeLimit {
		m.promote()
	}
	m.byOid[oid] = obj
	m.meta[obj] = md
	if m.large {
		m.tick++
		m.access[oid] = m.tick
	}
}

// addMetadata tracks an object that has no OID yet (a new object pending
// its first store, or a deleted stub).
func (m *objMap) addMetadata(obj any, md *objMetadata) {
	m.meta[obj] = md
}

func (m *objMap) promote() {
	m.large = true
	m.access = make(map[OID]uint64, len(m.byOid))
	for oid := range m.byOid {
		m.tick++
		m.access[oid] = m.tick
	}
}

func (m *objMap) removeOid(oid OID) {
	obj := m.byOid[oid]
	if obj == nil {
		return
	}
	delete(m.byOid, oid)
	if m.large {
		delete(m.access, oid)
	}
}

func (m *objMap) count() int {
	return len(m.byOid)
}

// compact evicts cold clean entries down to half the limit. It runs
// opportunistically after inserts in large mode; correctness never depends
// on it.
func (m *objMap) compact() {
	if !m.large || len(m.byOid) <= m.limit {
		return
	}
	type cand struct {
		oid  OID
		tick uint64
	}
	var cands []cand
	for oid, obj := range m.byOid {
		md := m.meta[obj]
		if md != nil && md.state != stateRead {
			continue // pinned
		}
		cands = append(cands, cand{oid, m.access[oid]})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].tick < cands[j].tick })

	target := m.limit / 2
	for _, c := range cands {
		if len(m.byOid) <= target {
			break
		}
		obj := m.byOid[c.oid]
		delete(m.byOid, c.oid)
		delete(m.access, c.oid)
		delete(m.meta, obj)
	}
}

func (m *objMap) reset() {
	m.byOid = make(map[OID]any)
	m.meta = make(map[any]*objMetadata)
	if m.large {
		m.access = make(map[OID]uint64)
	}
	m.tick = 0
}

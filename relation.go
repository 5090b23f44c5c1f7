package odb

import (
	"fmt"
	"reflect"
)

// RelationFactory builds the per-transaction instance of a relation.
type RelationFactory func(tx *Tx) (any, error)

// linearSearchLimit is how many chain hops a lookup tolerates before the
// whole chain is promoted into a hash index. Most transactions touch no
// more than three relations, so the chain wins on average.
const linearSearchLimit = 4

type relationLink struct {
	rtype    reflect.Type
	instance any
	next     *relationLink
}

// InitRelation registers a relation interface under a name, building its
// factory through the owner's RelationBuilder hook.
func (tx *Tx) InitRelation(name string, rt reflect.Type) (RelationFactory, error) {
	return tx.db.initRelation(name, rt)
}

func (db *DB) initRelation(name string, rt reflect.Type) (RelationFactory, error) {
	if rt.Kind() != reflect.Interface {
		return nil, &RelationShapeError{Type: rt, Reason: "relation types must be interfaces"}
	}
	if db.opt.RelationBuilder == nil {
		return nil, &RelationShapeError{Type: rt, Reason: "no relation subsystem installed"}
	}

	db.mu.Lock()
	if prev, ok := db.relationNames[name]; ok && prev != rt {
		db.mu.Unlock()
		return nil, fmt.Errorf("odb: relation %q already registered for %v", name, prev)
	}
	if factory := db.relationFactories[rt]; factory != nil {
		db.mu.Unlock()
		return factory, nil
	}
	db.mu.Unlock()

	factory, err := db.opt.RelationBuilder(db, name, rt)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	db.relationFactories[rt] = factory
	db.relationNames[name] = rt
	db.mu.Unlock()
	return factory, nil
}

func (db *DB) relationFactory(rt reflect.Type) RelationFactory {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.relationFactories[rt]
}

// RelationTypes returns the registered relation interface types.
func (db *DB) RelationTypes() []reflect.Type {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]reflect.Type, 0, len(db.relationFactories))
	for rt := range db.relationFactories {
		out = append(out, rt)
	}
	return out
}

// GetRelation returns this transaction's instance of the relation, creating
// it on first use. Instances live on an intrusive chain; once a lookup
// walks linearSearchLimit hops the chain is promoted into a hash index.
func (tx *Tx) GetRelation(rt reflect.Type) (any, error) {
	for {
		if tx.relationIndex != nil {
			if inst, ok := tx.relationIndex[rt]; ok {
				return inst, nil
			}
		} else {
			hops := 0
			for l := tx.relationHead; l != nil; l = l.next {
				hops++
				if l.rtype == rt {
					if hops >= linearSearchLimit {
						tx.promoteRelations()
					}
					return l.instance, nil
				}
			}
		}

		factory := tx.db.relationFactory(rt)
		if factory == nil {
			if !tx.db.opt.AutoRegisterRelations {
				return nil, &AutoRegistrationForbiddenError{Type: rt}
			}
			if rt.Kind() != reflect.Interface {
				return nil, &RelationShapeError{Type: rt, Reason: "relation types must be interfaces"}
			}
			var err error
			factory, err = tx.db.initRelation(rt.Name(), rt)
			if err != nil {
				return nil, err
			}
			continue // retry from the top
		}

		inst, err := factory(tx)
		if err != nil {
			return nil, err
		}
		tx.relationHead = &relationLink{rtype: rt, instance: inst, next: tx.relationHead}
		if tx.relationIndex != nil {
			tx.relationIndex[rt] = inst
		}
		return inst, nil
	}
}

func (tx *Tx) promoteRelations() {
	idx := make(map[reflect.Type]any)
	for l := tx.relationHead; l != nil; l = l.next {
		idx[l.rtype] = l.instance
	}
	tx.relationIndex = idx
}

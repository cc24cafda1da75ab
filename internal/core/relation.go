package core

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ObjectsByKind groups objects by group-version-kind, then identity.
type ObjectsByKind map[schema.GroupVersionKind]map[ObjectIdent]*Object

// add inserts obj under gvk.
func (m ObjectsByKind) add(gvk schema.GroupVersionKind, obj *Object) {
	objs, ok := m[gvk]
	if !ok {
		objs = map[ObjectIdent]*Object{}
		m[gvk] = objs
	}
	objs[obj.ident] = obj
}

// Len returns the total number of objects.
func (m ObjectsByKind) Len() int {
	n := 0
	for _, objs := range m {
		n += len(objs)
	}
	return n
}

// Predicate reports whether candidate is related to target.
type Predicate func(target, candidate *Object) bool

// Relation says how objects of one kind relate to a target: either
// directly through Match, or through Via, meaning "related to
// something that is related to the target through the Via kind".
type Relation struct {
	Match Predicate
	Via   schema.GroupVersionKind
}

func direct(match Predicate) Relation {
	return Relation{Match: match}
}

func via(gvk schema.GroupVersionKind) Relation {
	return Relation{Via: gvk}
}

// IsVia reports whether r is an indirection.
func (r Relation) IsVia() bool {
	return r.Match == nil
}

// RelationSet maps candidate kinds to their relation with a target.
type RelationSet map[schema.GroupVersionKind]Relation

func (s RelationSet) clone() RelationSet {
	out := make(RelationSet, len(s))
	for gvk, rel := range s {
		out[gvk] = rel
	}
	return out
}

// relationEntry is either a static rule set or, for kinds whose
// relations depend on the target's data, a rule set builder.
type relationEntry struct {
	rules   RelationSet
	dynamic func(target *Object) RelationSet
}

// RelationTable is the declarative rule table keyed by the target's
// group-version-kind.
type RelationTable struct {
	entries map[schema.GroupVersionKind]relationEntry
}

// newRelationTable validates entries: every direct relation needs a
// predicate, and every indirection must name a kind that is both
// declared in the same rule set and a key of the table, otherwise it
// could never resolve.
func newRelationTable(entries map[schema.GroupVersionKind]relationEntry) (*RelationTable, error) {
	for target, entry := range entries {
		if entry.rules == nil && entry.dynamic == nil {
			return nil, fmt.Errorf("relations of %s: empty entry", target)
		}
		for gvk, rel := range entry.rules {
			if !rel.IsVia() {
				continue
			}
			if rel.Via.Empty() {
				return nil, fmt.Errorf("relations of %s: %s has neither predicate nor via", target, gvk)
			}
			if _, ok := entry.rules[rel.Via]; !ok {
				return nil, fmt.Errorf("relations of %s: %s via undeclared %s", target, gvk, rel.Via)
			}
			if _, ok := entries[rel.Via]; !ok {
				return nil, fmt.Errorf("relations of %s: %s via unknown kind %s", target, gvk, rel.Via)
			}
		}
	}
	return &RelationTable{entries: entries}, nil
}

// mustRelationTable is like newRelationTable but panics on an invalid
// table.
func mustRelationTable(entries map[schema.GroupVersionKind]relationEntry) *RelationTable {
	t, err := newRelationTable(entries)
	if err != nil {
		panic(err)
	}
	return t
}

// ObjectRelations returns the rule set of target. Kinds without rules
// yield an empty set.
func (t *RelationTable) ObjectRelations(target *Object) RelationSet {
	entry, ok := t.entries[target.gvk]
	if !ok {
		return RelationSet{}
	}
	if entry.dynamic != nil {
		return entry.dynamic(target)
	}
	return entry.rules.clone()
}

// IsRelatedResourceGroup reports whether target declares a relation
// with any kind of the group.
func (t *RelationTable) IsRelatedResourceGroup(target *Object, group ResourceGroup) bool {
	for gvk := range t.ObjectRelations(target) {
		if gvk.GroupVersion().String() == group.GroupVersion {
			return true
		}
	}
	return false
}

// IsRelatedResource reports whether target declares a relation with
// res.
func (t *RelationTable) IsRelatedResource(target *Object, res Resource) bool {
	_, ok := t.ObjectRelations(target)[res.GroupVersionKind()]
	return ok
}

// RelatedObjects computes the closure of objects in universe related
// to target. Direct relations resolve in one pass. An indirection
// waits until its via kind is resolved, then applies each via
// object's own relation for the candidate kind. Entries that can no
// longer make progress are dropped, so the loop always terminates.
func (t *RelationTable) RelatedObjects(universe ObjectsByKind, target *Object) ObjectsByKind {
	related := ObjectsByKind{}
	pending := t.ObjectRelations(target)

	for len(pending) > 0 {
		resolved := 0

		for gvk, rel := range pending {
			candidates := universe[gvk]
			if len(candidates) == 0 {
				delete(pending, gvk)
				resolved++
				continue
			}

			if !rel.IsVia() {
				for _, obj := range candidates {
					if rel.Match(target, obj) {
						related.add(gvk, obj)
					}
				}
				delete(pending, gvk)
				resolved++
				continue
			}

			if len(universe[rel.Via]) == 0 {
				delete(pending, gvk)
				resolved++
				continue
			}
			if _, waiting := pending[rel.Via]; waiting {
				continue
			}

			for _, intermediate := range related[rel.Via] {
				own, ok := t.ObjectRelations(intermediate)[gvk]
				if !ok || own.IsVia() {
					continue
				}
				for _, obj := range candidates {
					if own.Match(intermediate, obj) {
						related.add(gvk, obj)
					}
				}
			}
			delete(pending, gvk)
			resolved++
		}

		// Indirections waiting on each other can never resolve.
		if resolved == 0 {
			break
		}
	}

	return related
}

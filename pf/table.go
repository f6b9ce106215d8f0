package pf

import (
	"slices"

	"github.com/google/btree"

	"github.com/igjeong/hyper-pf/errors"
)

var (
	errLanExtCollision = errors.New(errors.KindConflict, "state key collides in lan-ext index")
	errExtGwyCollision = errors.New(errors.KindConflict, "state key collides in ext-gwy index")
	errIDCollision     = errors.New(errors.KindConflict, "state id collides")
)

type treeSide uint8

const (
	sideLanExt treeSide = iota
	sideExtGwy
)

const btreeDegree = 32

// detach flags
const (
	detachSkipLanExt = 1 << iota
	detachSkipExtGwy
)

// StateTable indexes states by their key from both sides of the
// translation, by (id, creator) and in insertion order. It is not safe
// for concurrent use; the engine serializes access.
type StateTable struct {
	lanExt *btree.BTreeG[*StateKey]
	extGwy *btree.BTreeG[*StateKey]
	byID   *btree.BTreeG[*State]
	list   *btree.BTreeG[*State]

	keys    *objPool[StateKey]
	hostID  uint32
	nextID  uint64
	nextSeq uint64
	count   int

	counters [fcntCount]uint64
}

func newStateTable(hostID uint32) *StateTable {
	return &StateTable{
		lanExt: btree.NewG(btreeDegree, func(a, b *StateKey) bool { return compareLanExt(a, b) < 0 }),
		extGwy: btree.NewG(btreeDegree, func(a, b *StateKey) bool { return compareExtGwy(a, b) < 0 }),
		byID: btree.NewG(btreeDegree, func(a, b *State) bool {
			if a.ID != b.ID {
				return a.ID < b.ID
			}
			return a.CreatorID < b.CreatorID
		}),
		list:   btree.NewG(btreeDegree, func(a, b *State) bool { return a.seq < b.seq }),
		keys:   newObjPool[StateKey](0),
		hostID: hostID,
		nextID: 1,
	}
}

// newKey returns a fresh key owned by s.
func (t *StateTable) newKey(s *State) *StateKey {
	sk := t.keys.get()
	attachState(sk, s, true)
	return sk
}

func attachState(sk *StateKey, s *State, tail bool) {
	s.key = sk
	sk.refcnt++
	if tail {
		sk.states = append(sk.states, s)
	} else {
		sk.states = slices.Insert(sk.states, 0, s)
	}
}

// detach drops s's reference to its key. The last reference removes the
// key from the indices the flags do not skip.
func (t *StateTable) detach(s *State, flags int) {
	sk := s.key
	if sk == nil {
		return
	}
	s.key = nil
	if i := slices.Index(sk.states, s); i >= 0 {
		sk.states = slices.Delete(sk.states, i, i+1)
	}
	sk.refcnt--
	if sk.refcnt > 0 {
		return
	}
	if sk.refcnt < 0 {
		panic("pf: state key refcount underflow")
	}
	if flags&detachSkipExtGwy == 0 {
		t.extGwy.Delete(sk)
	}
	if flags&detachSkipLanExt == 0 {
		t.lanExt.Delete(sk)
	}
	t.keys.put(sk)
}

// insert links s, which owns a fresh key from newKey, into every index.
// A key already present is shared: states bound to an interface go in
// front of floating ones. An existing state for the same interface is a
// collision.
func (t *StateTable) insert(s *State, kif string) error {
	s.kif = kif
	sk := s.key
	if cur, ok := t.lanExt.Get(sk); ok {
		for _, other := range cur.states {
			if other.kif == kif {
				t.detach(s, detachSkipLanExt|detachSkipExtGwy)
				return errLanExtCollision
			}
		}
		t.detach(s, detachSkipLanExt|detachSkipExtGwy)
		attachState(cur, s, kif == AnyInterface)
	} else {
		t.lanExt.ReplaceOrInsert(sk)
		if _, dup := t.extGwy.Get(sk); dup {
			t.detach(s, detachSkipExtGwy)
			return errExtGwyCollision
		}
		t.extGwy.ReplaceOrInsert(sk)
	}

	if s.ID == 0 && s.CreatorID == 0 {
		s.ID = t.nextID
		t.nextID++
		s.CreatorID = t.hostID
	}
	if _, dup := t.byID.Get(s); dup {
		t.detach(s, 0)
		return errIDCollision
	}
	t.byID.ReplaceOrInsert(s)
	t.nextSeq++
	s.seq = t.nextSeq
	t.list.ReplaceOrInsert(s)
	t.counters[fcntStateInsert]++
	t.count++
	return nil
}

func (t *StateTable) tree(side treeSide) *btree.BTreeG[*StateKey] {
	if side == sideExtGwy {
		return t.extGwy
	}
	return t.lanExt
}

// find returns the first live state under key bound to kif or floating.
func (t *StateTable) find(kif string, key *StateKey, side treeSide) *State {
	t.counters[fcntStateSearch]++
	sk, ok := t.tree(side).Get(key)
	if !ok {
		return nil
	}
	for _, s := range sk.states {
		if s.dead() {
			continue
		}
		if s.kif == AnyInterface || s.kif == kif {
			return s
		}
	}
	return nil
}

// findAny returns the first state under key regardless of binding and
// liveness; the key is in use as long as it is indexed.
func (t *StateTable) findAny(key *StateKey, side treeSide) *State {
	t.counters[fcntStateSearch]++
	sk, ok := t.tree(side).Get(key)
	if !ok || len(sk.states) == 0 {
		return nil
	}
	return sk.states[0]
}

// findByID looks a state up by its identity.
func (t *StateTable) findByID(id uint64, creator uint32) *State {
	t.counters[fcntStateSearch]++
	s, _ := t.byID.Get(&State{ID: id, CreatorID: creator})
	return s
}

func (t *StateTable) removeID(s *State) {
	t.byID.Delete(s)
}

func (t *StateTable) remove(s *State) {
	t.list.Delete(s)
	t.count--
	t.counters[fcntStateRemovals]++
}

// ascendFrom calls fn for states in insertion order starting after seq,
// until fn returns false.
func (t *StateTable) ascendFrom(seq uint64, fn func(s *State) bool) {
	t.list.AscendGreaterOrEqual(&State{seq: seq + 1}, fn)
}

// each calls fn for every indexed state in id order.
func (t *StateTable) each(fn func(s *State) bool) {
	t.byID.Ascend(fn)
}

// Len returns the number of states not yet freed.
func (t *StateTable) Len() int { return t.count }

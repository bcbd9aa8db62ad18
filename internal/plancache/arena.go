// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package plancache

import "time"

// nilIndex marks the absence of a prev/next link.
const nilIndex = int32(-1)

// slot is one arena cell. Live slots are linked into the recency list,
// except while a hit is being validated; free slots are chained through next
// on the free list.
type slot struct {
	plan       *Plan
	lastAccess time.Time
	prev       int32
	next       int32
	linked     bool
}

// arena keeps entries addressed by stable int32 indices with an intrusive
// doubly linked recency list (head is most recently used) and a name index.
type arena struct {
	slots []slot
	index map[string]int32
	head  int32
	tail  int32
	free  int32
}

func newArena() *arena {
	return &arena{
		index: make(map[string]int32),
		head:  nilIndex,
		tail:  nilIndex,
		free:  nilIndex,
	}
}

func (a *arena) len() int {
	return len(a.index)
}

func (a *arena) lookup(table string) (int32, bool) {
	idx, ok := a.index[table]
	return idx, ok
}

// insert stores plan in a fresh slot at the front of the recency list.
// The caller guarantees no live entry for plan.Table exists.
func (a *arena) insert(plan *Plan, now time.Time) int32 {
	var idx int32
	if a.free != nilIndex {
		idx = a.free
		a.free = a.slots[idx].next
	} else {
		a.slots = append(a.slots, slot{})
		idx = int32(len(a.slots) - 1)
	}
	a.slots[idx] = slot{
		plan:       plan,
		lastAccess: now,
		prev:       nilIndex,
		next:       nilIndex,
	}
	a.index[plan.Table] = idx
	a.pushFront(idx)
	return idx
}

// remove unlinks idx, puts it on the free list and returns its plan.
func (a *arena) remove(idx int32) *Plan {
	s := &a.slots[idx]
	if s.linked {
		a.unlink(idx)
	}
	plan := s.plan
	delete(a.index, plan.Table)
	*s = slot{prev: nilIndex, next: a.free}
	a.free = idx
	return plan
}

// unlink detaches idx from the recency list but keeps it in the index.
func (a *arena) unlink(idx int32) {
	s := &a.slots[idx]

	if s.prev != nilIndex {
		a.slots[s.prev].next = s.next
	} else {
		a.head = s.next
	}

	if s.next != nilIndex {
		a.slots[s.next].prev = s.prev
	} else {
		a.tail = s.prev
	}

	s.prev = nilIndex
	s.next = nilIndex
	s.linked = false
}

func (a *arena) pushFront(idx int32) {
	s := &a.slots[idx]
	s.prev = nilIndex
	s.next = a.head
	s.linked = true

	if a.head != nilIndex {
		a.slots[a.head].prev = idx
	}
	a.head = idx

	if a.tail == nilIndex {
		a.tail = idx
	}
}

// keys returns table names, most recently used first.
func (a *arena) keys() []string {
	keys := make([]string, 0, len(a.index))
	for idx := a.head; idx != nilIndex; idx = a.slots[idx].next {
		keys = append(keys, a.slots[idx].plan.Table)
	}
	return keys
}

// plans returns every live plan, most recently used first.
func (a *arena) plans() []*Plan {
	plans := make([]*Plan, 0, len(a.index))
	for idx := a.head; idx != nilIndex; idx = a.slots[idx].next {
		plans = append(plans, a.slots[idx].plan)
	}
	return plans
}

func (a *arena) reset() {
	a.slots = nil
	a.index = make(map[string]int32)
	a.head = nilIndex
	a.tail = nilIndex
	a.free = nilIndex
}

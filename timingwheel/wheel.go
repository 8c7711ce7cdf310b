// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timingwheel implements a hierarchical, four-cascade timing wheel
// at 1ms slot granularity, the scheduler behind reconnect back-off and
// service-owned periodic tasks. It is single-owner: every method is only
// ever called from the owning service goroutine, matching the ownership
// rule the rest of the runtime follows for its tables.
package timingwheel

import (
	"container/list"
	"time"

	"github.com/petar/GoLLRB/llrb"
)

const (
	tierBits  = 8
	tierSize  = 1 << tierBits // 256 slots per tier
	tierMask  = tierSize - 1
	tierCount = 4
)

// Action is returned by a periodic task's trigger to say whether it wants
// to run again.
type Action int8

const (
	Reschedule Action = iota
	Cancel
)

// TriggerFunc is invoked when a timer entry expires. For periodic entries,
// returning Reschedule with a replacement state keeps the task alive.
type TriggerFunc func(state interface{}) (Action, interface{})

// ID identifies one scheduled entry for cancellation.
type ID uint64

type entry struct {
	id       ID
	deadline uint64 // absolute virtual milliseconds
	periodic bool
	period   uint64
	state    interface{}
	trigger  TriggerFunc
	home     *list.List
	elem     *list.Element
}

// Less implements llrb.Item, ordering entries by deadline and then id so
// the auxiliary sorted index can answer "what fires next" in O(log n).
func (e *entry) Less(than llrb.Item) bool {
	o := than.(*entry)
	if e.deadline != o.deadline {
		return e.deadline < o.deadline
	}
	return e.id < o.id
}

// Wheel is a hierarchical quad-wheel covering roughly 2^32 virtual
// milliseconds (~49.7 days) before an entry's deadline would wrap.
type Wheel struct {
	now    uint64
	tiers  [tierCount][tierSize]*list.List
	index  map[ID]*entry
	sorted *llrb.LLRB
	nextID ID
}

// New builds an empty Wheel with virtual time starting at zero.
func New() *Wheel {
	return &Wheel{
		index:  make(map[ID]*entry),
		sorted: llrb.New(),
	}
}

// Now returns the wheel's current virtual time in milliseconds.
func (w *Wheel) Now() uint64 { return w.now }

// ScheduleOnce arms a one-shot timer that fires trigger once, timeout from now.
func (w *Wheel) ScheduleOnce(timeout time.Duration, state interface{}, trigger TriggerFunc) ID {
	e := &entry{
		id:       w.allocID(),
		deadline: w.now + durationMs(timeout),
		state:    state,
		trigger:  trigger,
	}
	w.insert(e)
	return e.id
}

// SchedulePeriodic arms a periodic timer: it first fires delay from now, and
// on each Reschedule fires again exactly period ms after its own previous
// expiry, never drifting against call-time. A zero period is rejected.
func (w *Wheel) SchedulePeriodic(delay, period time.Duration, state interface{}, trigger TriggerFunc) (ID, bool) {
	p := durationMs(period)
	if p == 0 {
		return 0, false
	}
	e := &entry{
		id:       w.allocID(),
		deadline: w.now + durationMs(delay),
		periodic: true,
		period:   p,
		state:    state,
		trigger:  trigger,
	}
	w.insert(e)
	return e.id, true
}

// NextDeadline reports the virtual-ms deadline of the soonest pending
// entry, for introspection; ok is false when the wheel is empty.
func (w *Wheel) NextDeadline() (deadline uint64, ok bool) {
	min := w.sorted.Min()
	if min == nil {
		return 0, false
	}
	return min.(*entry).deadline, true
}

// Len reports the number of pending entries.
func (w *Wheel) Len() int { return len(w.index) }

// Cancel removes a pending entry; it is a no-op if the id is unknown or has
// already fired.
func (w *Wheel) Cancel(id ID) {
	e, ok := w.index[id]
	if !ok {
		return
	}
	w.remove(e)
}

// Update advances virtual time by d, draining and firing every entry whose
// deadline has now been reached, in expiry order.
func (w *Wheel) Update(d time.Duration) {
	ms := durationMs(d)
	for i := uint64(0); i < ms; i++ {
		w.tick()
	}
}

func (w *Wheel) allocID() ID {
	w.nextID++
	return w.nextID
}

func durationMs(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}

// tierSlot returns which tier and slot an entry belongs in given the
// current virtual time: the lowest tier whose range covers the remaining
// delta until deadline.
func tierSlot(now, deadline uint64) (tier int, slot int) {
	delta := deadline - now
	switch {
	case delta < tierSize:
		return 0, int(deadline & tierMask)
	case delta < tierSize*tierSize:
		return 1, int((deadline >> tierBits) & tierMask)
	case delta < tierSize*tierSize*tierSize:
		return 2, int((deadline >> (2 * tierBits)) & tierMask)
	default:
		return 3, int((deadline >> (3 * tierBits)) & tierMask)
	}
}

func (w *Wheel) insert(e *entry) {
	tier, slot := tierSlot(w.now, e.deadline)
	if w.tiers[tier][slot] == nil {
		w.tiers[tier][slot] = list.New()
	}
	e.home = w.tiers[tier][slot]
	e.elem = e.home.PushBack(e)
	w.index[e.id] = e
	w.sorted.ReplaceOrInsert(e)
}

func (w *Wheel) remove(e *entry) {
	if e.home != nil && e.elem != nil {
		e.home.Remove(e.elem)
	}
	delete(w.index, e.id)
	w.sorted.Delete(e)
}

func (w *Wheel) tick() {
	w.now++

	// cascade from the top down so an entry released from tier 3 falls
	// through tier 2 and tier 1 in the same tick it becomes due there.
	if w.now&(tierMask|tierMask<<tierBits|tierMask<<(2*tierBits)) == 0 {
		w.cascade(3)
	}
	if w.now&(tierMask|tierMask<<tierBits) == 0 {
		w.cascade(2)
	}
	if w.now&tierMask == 0 {
		w.cascade(1)
	}
	w.drainTier0()
}

// cascade re-distributes every entry parked in the slot of the given tier
// that the wheel has just rolled into, pushing each one down to whichever
// tier/slot now correctly reflects its remaining delta.
func (w *Wheel) cascade(tier int) {
	slot := int((w.now >> (tierBits * uint(tier))) & tierMask)
	l := w.tiers[tier][slot]
	if l == nil {
		return
	}
	w.tiers[tier][slot] = nil
	for el := l.Front(); el != nil; el = el.Next() {
		w.insert(el.Value.(*entry))
	}
}

func (w *Wheel) drainTier0() {
	slot := int(w.now & tierMask)
	l := w.tiers[0][slot]
	if l == nil {
		return
	}
	w.tiers[0][slot] = nil

	var fired []*entry
	for el := l.Front(); el != nil; el = el.Next() {
		fired = append(fired, el.Value.(*entry))
	}
	for _, e := range fired {
		delete(w.index, e.id)
		w.sorted.Delete(e)
		action, newState := e.trigger(e.state)
		if e.periodic && action == Reschedule {
			ne := &entry{
				id:       e.id,
				deadline: e.deadline + e.period,
				periodic: true,
				period:   e.period,
				state:    newState,
				trigger:  e.trigger,
			}
			w.insert(ne)
		}
	}
}

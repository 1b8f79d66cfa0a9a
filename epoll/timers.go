// SPDX-License-Identifier: GPL-3.0-or-later

package epoll

import (
	"container/heap"
	"time"

	"github.com/bassosimone/safetcp"
)

// instant is a pending [safetcp.Notifier.AddInstant] registration.
type instant struct {
	index int
	p     safetcp.Pollable
	slot  safetcp.InstantSlot
	when  time.Time
}

// instantHeap is a min-heap of instants ordered by deadline, then by
// registration order.
type instantHeap []*instant

var _ heap.Interface = &instantHeap{}

func (h instantHeap) Len() int { return len(h) }

func (h instantHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].slot < h[j].slot
	}
	return h[i].when.Before(h[j].when)
}

func (h instantHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *instantHeap) Push(x any) {
	it := x.(*instant)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *instantHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// timers indexes an [instantHeap] by slot so that instants can be removed.
type timers struct {
	heap  instantHeap
	next  safetcp.InstantSlot
	slots map[safetcp.InstantSlot]*instant
}

func newTimers() *timers {
	return &timers{slots: make(map[safetcp.InstantSlot]*instant)}
}

func (t *timers) add(when time.Time, p safetcp.Pollable) safetcp.InstantSlot {
	t.next++
	it := &instant{p: p, slot: t.next, when: when}
	heap.Push(&t.heap, it)
	t.slots[it.slot] = it
	return it.slot
}

// remove is a no-op for unknown or already fired slots.
func (t *timers) remove(slot safetcp.InstantSlot) {
	it, ok := t.slots[slot]
	if !ok {
		return
	}
	delete(t.slots, slot)
	heap.Remove(&t.heap, it.index)
}

// expired pops the next instant due at or before now.
func (t *timers) expired(now time.Time) (safetcp.Pollable, bool) {
	if len(t.heap) <= 0 || t.heap[0].when.After(now) {
		return nil, false
	}
	it := heap.Pop(&t.heap).(*instant)
	delete(t.slots, it.slot)
	return it.p, true
}

// wait returns how long until the next instant, and false if none.
func (t *timers) wait(now time.Time) (time.Duration, bool) {
	if len(t.heap) <= 0 {
		return 0, false
	}
	return max(t.heap[0].when.Sub(now), 0), true
}

func (t *timers) len() int {
	return len(t.heap)
}

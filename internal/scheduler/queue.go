// Package scheduler owns the control loop: challenge admission and ordering,
// slot accounting and session dispatch.
package scheduler

import (
	"container/heap"
	"sort"

	"github.com/zzhangb4/Lishogi-Bot/internal/model"
)

type queued struct {
	challenge *model.Challenge
	score     int
	seq       uint64
	index     int
}

// ChallengeQueue orders admitted challenges by descending score when byScore
// is set, arrival order otherwise. Equal scores keep arrival order. It is
// owned by the loop goroutine and is not safe for concurrent use.
type ChallengeQueue struct {
	items   []*queued
	ids     map[string]struct{}
	byScore bool
	seq     uint64
}

func NewChallengeQueue(byScore bool) *ChallengeQueue {
	return &ChallengeQueue{ids: make(map[string]struct{}), byScore: byScore}
}

func (q *ChallengeQueue) Len() int { return len(q.items) }

func (q *ChallengeQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if q.byScore && a.score != b.score {
		return a.score > b.score
	}
	return a.seq < b.seq
}

func (q *ChallengeQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

// Push and Pop implement heap.Interface; use Add and Next.
func (q *ChallengeQueue) Push(x any) {
	item := x.(*queued)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *ChallengeQueue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items[n-1] = nil
	item.index = -1
	q.items = q.items[:n-1]
	return item
}

// Add queues c. A challenge already queued under the same id is ignored.
func (q *ChallengeQueue) Add(c *model.Challenge) bool {
	if c == nil || c.ID == "" {
		return false
	}
	if _, ok := q.ids[c.ID]; ok {
		return false
	}
	q.seq++
	q.ids[c.ID] = struct{}{}
	heap.Push(q, &queued{challenge: c, score: c.Score(), seq: q.seq})
	return true
}

// Next removes the head.
func (q *ChallengeQueue) Next() (*model.Challenge, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(q).(*queued)
	delete(q.ids, item.challenge.ID)
	return item.challenge, true
}

// Snapshot returns the queued challenges in the order Next would yield them.
func (q *ChallengeQueue) Snapshot() []*model.Challenge {
	items := append([]*queued(nil), q.items...)
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if q.byScore && a.score != b.score {
			return a.score > b.score
		}
		return a.seq < b.seq
	})
	out := make([]*model.Challenge, len(items))
	for i, it := range items {
		out[i] = it.challenge
	}
	return out
}

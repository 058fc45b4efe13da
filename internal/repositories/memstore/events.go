package memstore

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/civicdesk/accountguard/internal/models"
)

const shardCount = 16

type eventShard struct {
	mu   sync.RWMutex
	rows map[int64]*models.SecurityEvent
}

// eventLog spreads rows across shards keyed by id so appends from different
// requests rarely contend. Ids come from a single atomic sequence.
type eventLog struct {
	seq    atomic.Int64
	shards [shardCount]*eventShard
}

func newEventLog() *eventLog {
	l := &eventLog{}
	for i := range l.shards {
		l.shards[i] = &eventShard{rows: make(map[int64]*models.SecurityEvent)}
	}
	return l
}

func (l *eventLog) nextID() int64 {
	return l.seq.Add(1)
}

func (l *eventLog) shard(id int64) *eventShard {
	return l.shards[id%shardCount]
}

func (l *eventLog) insert(event *models.SecurityEvent) {
	sh := l.shard(event.ID)
	sh.mu.Lock()
	sh.rows[event.ID] = event
	sh.mu.Unlock()
}

// matching returns clones of every row accepted by filter, newest first.
func (l *eventLog) matching(filter models.EventFilter) []*models.SecurityEvent {
	var out []*models.SecurityEvent
	for _, sh := range l.shards {
		sh.mu.RLock()
		for _, e := range sh.rows {
			if filter.Matches(e) {
				out = append(out, e.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// rewrite lets fn replace or drop rows. Returning nil drops the row.
func (l *eventLog) rewrite(fn func(e *models.SecurityEvent) (*models.SecurityEvent, bool)) (changed int64) {
	for _, sh := range l.shards {
		sh.mu.Lock()
		for id, e := range sh.rows {
			replacement, touched := fn(e)
			if !touched {
				continue
			}
			changed++
			if replacement == nil {
				delete(sh.rows, id)
			} else {
				sh.rows[id] = replacement
			}
		}
		sh.mu.Unlock()
	}
	return changed
}

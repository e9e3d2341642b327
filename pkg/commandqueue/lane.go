package commandqueue

import (
	"context"
	"time"
)

type outcome struct {
	value interface{}
	err   error
}

// job is one enqueued task. done receives exactly one outcome unless the
// caller withdraws the job while it is still waiting.
type job struct {
	id       string
	lane     string
	task     Task
	ctx      context.Context
	queuedAt time.Time
	opts     TaskOptions
	done     chan outcome
}

// lane is guarded by the owning queue's mutex.
type lane struct {
	name    string
	limit   int
	waiting []*job
	active  int
}

func (l *lane) empty() bool { return l.active == 0 && len(l.waiting) == 0 }

func (l *lane) position(j *job) int {
	for i, w := range l.waiting {
		if w == j {
			return i
		}
	}
	return -1
}

func (l *lane) remove(j *job) bool {
	i := l.position(j)
	if i < 0 {
		return false
	}
	l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
	return true
}

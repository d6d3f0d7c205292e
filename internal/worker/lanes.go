package worker

import (
	"context"
	"sync"
)

// lanes runs jobs one session at a time, in the order they were pushed,
// while different sessions run side by side. A session's runner exits once
// its queue drains.
type lanes struct {
	mu     sync.Mutex
	queues map[string][]Job
	wg     *sync.WaitGroup
	run    func(ctx context.Context, job Job)
}

func newLanes(wg *sync.WaitGroup, run func(ctx context.Context, job Job)) *lanes {
	return &lanes{queues: make(map[string][]Job), wg: wg, run: run}
}

// push queues job behind earlier jobs of the same session.
func (l *lanes) push(ctx context.Context, job Job) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, busy := l.queues[job.SessionID]
	l.queues[job.SessionID] = append(q, job)
	if busy {
		return
	}
	l.wg.Add(1)
	go l.drain(ctx, job.SessionID)
}

func (l *lanes) drain(ctx context.Context, key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		job := q[0]
		l.queues[key] = q[1:]
		l.mu.Unlock()

		l.run(ctx, job)
	}
}

func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

package worker

import (
	"sync"
	"time"
)

type attemptKey struct {
	task, fragment string
}

type attemptState struct {
	count int
	next  time.Time
}

// attemptBook counts claims per fragment and remembers when a failed
// fragment may be claimed again.
type attemptBook struct {
	mu    sync.Mutex
	byKey map[attemptKey]*attemptState
}

func newAttemptBook() *attemptBook {
	return &attemptBook{byKey: make(map[attemptKey]*attemptState)}
}

// claim records a claim and returns the attempt number.
func (b *attemptBook) claim(taskID, fragmentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := attemptKey{taskID, fragmentID}
	s, ok := b.byKey[k]
	if !ok {
		s = &attemptState{}
		b.byKey[k] = s
	}
	s.count++
	s.next = time.Time{}
	return s.count
}

func (b *attemptBook) retryAt(taskID, fragmentID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.byKey[attemptKey{taskID, fragmentID}]; ok {
		s.next = at
	}
}

func (b *attemptBook) forget(taskID, fragmentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byKey, attemptKey{taskID, fragmentID})
}

// waiting returns the fragments of a task whose backoff has not elapsed.
func (b *attemptBook) waiting(taskID string, now time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for k, s := range b.byKey {
		if k.task == taskID && now.Before(s.next) {
			ids = append(ids, k.fragment)
		}
	}
	return ids
}

func (b *attemptBook) forgetTask(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.byKey {
		if k.task == taskID {
			delete(b.byKey, k)
		}
	}
}

func (b *attemptBook) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byKey)
}

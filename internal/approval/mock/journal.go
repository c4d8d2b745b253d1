// Package mock provides an in-memory [approval.Journal] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/stagehand/internal/approval"
)

// Journal records every call and keeps entries in memory.
type Journal struct {
	mu sync.Mutex

	// AppendErr, when non-nil, is returned by every Append.
	AppendErr error

	entries  map[string]approval.Entry
	resolved map[string]approval.Resolution

	AppendCalls  []approval.Entry
	ResolveCalls []approval.Resolution
}

var _ approval.Journal = (*Journal)(nil)

func key(queue, id string) string { return queue + "/" + id }

// Append implements [approval.Journal].
func (j *Journal) Append(_ context.Context, e approval.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.AppendCalls = append(j.AppendCalls, e)
	if j.AppendErr != nil {
		return j.AppendErr
	}
	if j.entries == nil {
		j.entries = make(map[string]approval.Entry)
	}
	j.entries[key(e.Queue, e.RequestID)] = e
	return nil
}

// MarkResolved implements [approval.Journal].
func (j *Journal) MarkResolved(_ context.Context, r approval.Resolution) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ResolveCalls = append(j.ResolveCalls, r)
	if j.resolved == nil {
		j.resolved = make(map[string]approval.Resolution)
	}
	j.resolved[key(r.Queue, r.RequestID)] = r
	return nil
}

// Unresolved implements [approval.Journal].
func (j *Journal) Unresolved(_ context.Context, queue string) ([]approval.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []approval.Entry
	for k, e := range j.entries {
		if e.Queue != queue {
			continue
		}
		if _, done := j.resolved[k]; done {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// AppendCount returns the number of Append calls.
func (j *Journal) AppendCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.AppendCalls)
}

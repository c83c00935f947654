// Package presence tracks which subjects currently hold a live realtime
// connection. Each subject maps to a single connection id and the most
// recent connection wins; a disconnect only clears the entry when it
// still names the disconnecting connection.
//
// Presence is advisory. It drives the online list shown to clients and
// is never consulted for delivery or persistence decisions.
package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

// Registry is the subject -> connection mapping shared by the gateway.
// Implementations serialize Connect and Disconnect for the same subject.
type Registry interface {
	// Connect records connID as the live connection of subjectID,
	// replacing any previous entry.
	Connect(ctx context.Context, subjectID, connID string) error

	// Disconnect removes the entry for subjectID if it still maps to
	// connID. It reports whether an entry was removed.
	Disconnect(ctx context.Context, subjectID, connID string) (bool, error)

	// Online returns the subjects with an entry, sorted.
	Online(ctx context.Context) ([]string, error)

	// IsOnline reports whether subjectID has an entry.
	IsOnline(ctx context.Context, subjectID string) (bool, error)
}

const shardCount = 32

// MemoryRegistry is a process-local Registry. Entries are spread over
// independently locked shards keyed by subject.
type MemoryRegistry struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	conns map[string]string
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	r := &MemoryRegistry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]string)
	}
	return r
}

func (r *MemoryRegistry) shardFor(subjectID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return &r.shards[h.Sum32()%shardCount]
}

// Connect implements Registry.
func (r *MemoryRegistry) Connect(_ context.Context, subjectID, connID string) error {
	s := r.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[subjectID] = connID
	return nil
}

// Disconnect implements Registry.
func (r *MemoryRegistry) Disconnect(_ context.Context, subjectID, connID string) (bool, error) {
	s := r.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.conns[subjectID]; !ok || current != connID {
		return false, nil
	}
	delete(s.conns, subjectID)
	return true, nil
}

// Online implements Registry.
func (r *MemoryRegistry) Online(_ context.Context) ([]string, error) {
	online := make([]string, 0)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for subjectID := range s.conns {
			online = append(online, subjectID)
		}
		s.mu.Unlock()
	}
	sort.Strings(online)
	return online, nil
}

// IsOnline implements Registry.
func (r *MemoryRegistry) IsOnline(_ context.Context, subjectID string) (bool, error) {
	s := r.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[subjectID]
	return ok, nil
}

// ConnectionOf returns the connection id currently recorded for
// subjectID.
func (r *MemoryRegistry) ConnectionOf(subjectID string) (string, bool) {
	s := r.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	connID, ok := s.conns[subjectID]
	return connID, ok
}

package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/iwork/iwork/internal/bus"
)

// DefaultBucket is the JetStream key-value bucket used by KVRegistry.
const DefaultBucket = "iwork_presence"

// KVRegistry is a Registry shared by every gateway instance, stored in a
// JetStream key-value bucket. Keys are encoded subject ids and values are
// connection ids. Compare-on-disconnect uses the entry revision, so a
// newer Connect from another instance is never erased.
type KVRegistry struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewKVRegistry creates or updates the bucket and returns a registry
// backed by it. The bucket keeps one revision per key in memory.
func NewKVRegistry(ctx context.Context, nc *nats.Conn, bucket string, logger *slog.Logger) (*KVRegistry, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "live realtime connection per subject",
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create presence bucket %q: %w", bucket, err)
	}
	logger.Info("presence bucket ready", "bucket", bucket)
	return &KVRegistry{kv: kv, logger: logger}, nil
}

// Connect implements Registry.
func (r *KVRegistry) Connect(ctx context.Context, subjectID, connID string) error {
	if _, err := r.kv.Put(ctx, bus.Token(subjectID), []byte(connID)); err != nil {
		return fmt.Errorf("presence connect: %w", err)
	}
	return nil
}

// Disconnect implements Registry.
func (r *KVRegistry) Disconnect(ctx context.Context, subjectID, connID string) (bool, error) {
	key := bus.Token(subjectID)
	entry, err := r.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	if string(entry.Value()) != connID {
		return false, nil
	}

	err = r.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision()))
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			// Another connection for the subject was recorded in between.
			return false, nil
		}
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	return true, nil
}

// Online implements Registry.
func (r *KVRegistry) Online(ctx context.Context) ([]string, error) {
	lister, err := r.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("presence list: %w", err)
	}
	defer func() {
		_ = lister.Stop()
	}()

	online := make([]string, 0)
	for key := range lister.Keys() {
		subjectID, err := bus.ParseToken(key)
		if err != nil {
			r.logger.Warn("skipping malformed presence key", "key", key, "error", err)
			continue
		}
		online = append(online, subjectID)
	}
	sort.Strings(online)
	return online, nil
}

// IsOnline implements Registry.
func (r *KVRegistry) IsOnline(ctx context.Context, subjectID string) (bool, error) {
	_, err := r.kv.Get(ctx, bus.Token(subjectID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return true, nil
}

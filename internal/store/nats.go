package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/joescharf/cmdassist/internal/models"
)

// DefaultBucket is the JetStream KV bucket used when none is configured.
const DefaultBucket = "cmdassist_checkpoints"

// KeyValue is the subset of jetstream.KeyValue the store needs.
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// NATSStore implements Store on a NATS JetStream key-value bucket. Bucket
// revisions provide the compare-and-swap for optimistic versioning, so
// several server processes can share one bucket.
type NATSStore struct {
	kv KeyValue
	nc *nats.Conn
}

// NewNATSStore wraps an existing bucket. The caller owns the connection.
func NewNATSStore(kv KeyValue) *NATSStore {
	return &NATSStore{kv: kv}
}

// OpenNATSStore connects to url and binds to (creating if needed) bucket.
func OpenNATSStore(ctx context.Context, url, bucket string) (*NATSStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	nc, err := nats.Connect(url, nats.Name("cmdassist"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "cmdassist session checkpoints",
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind kv bucket %s: %w", bucket, err)
	}
	return &NATSStore{kv: kv, nc: nc}, nil
}

func (n *NATSStore) Save(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		return fmt.Errorf("save session: missing id")
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}

	var revision uint64
	if s.Version != 0 {
		entry, err := n.kv.Get(ctx, s.ID)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("save session %s: %w", s.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		current, err := decodeSession(entry.Value())
		if err != nil {
			return err
		}
		if current.Version != s.Version {
			return fmt.Errorf("save session %s: %w", s.ID, ErrConflict)
		}
		revision = entry.Revision()
	}

	next := s.Clone()
	next.Version++
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	// Revision zero asserts the key does not exist yet.
	if _, err := n.kv.Update(ctx, s.ID, data, revision); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("save session %s: %w", s.ID, ErrConflict)
		}
		return fmt.Errorf("save session: %w", err)
	}
	s.Version = next.Version
	return nil
}

func (n *NATSStore) Load(ctx context.Context, id string) (*models.Session, error) {
	entry, err := n.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("load session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeSession(entry.Value())
}

func (n *NATSStore) Delete(ctx context.Context, id string) error {
	err := n.kv.Delete(ctx, id)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (n *NATSStore) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	all, err := n.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, s := range all {
		if filter.matches(s) {
			out = append(out, s)
		}
	}
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (n *NATSStore) Purge(ctx context.Context, before time.Time, terminalOnly bool) (int64, error) {
	all, err := n.all(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, s := range all {
		if !purgeable(s, before, terminalOnly) {
			continue
		}
		if err := n.Delete(ctx, s.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Close drains the connection when the store opened it.
func (n *NATSStore) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}

func (n *NATSStore) all(ctx context.Context) ([]*models.Session, error) {
	lister, err := n.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var out []*models.Session
	for key := range lister.Keys() {
		s, err := n.Load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeSession(data []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

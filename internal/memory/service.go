package memory

import (
	"context"
	"encoding/json"
	"time"
)

// Service is the JSON-value convenience wrapper over a Store that the
// sys-call handler talks to: values in and out are arbitrary JSON, not
// raw bytes.
type Service struct {
	store Store
}

// NewService wraps store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get decodes the value stored at key into v.
func (s *Service) Get(ctx context.Context, key string) (any, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Set encodes value as JSON and stores it at key with the given ttl (0
// means no expiry).
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, key, raw, ttl)
}

// Delete removes key.
func (s *Service) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}

// List returns keys matching prefix, defaulting limit to 0 (no limit)
// when negative.
func (s *Service) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit < 0 {
		limit = 0
	}
	return s.store.List(ctx, prefix, limit)
}

// TTL returns the remaining time-to-live for key.
func (s *Service) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.store.TTL(ctx, key)
}

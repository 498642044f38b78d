package ratelimit

import (
	"testing"
	"time"
)

func TestBucket_Allow(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         5,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("dispatch %d should be allowed", i)
		}
	}

	if bucket.Allow() {
		t.Error("dispatch after burst should be denied")
	}
}

func TestBucket_Refill(t *testing.T) {
	config := Config{
		RequestsPerSecond: 100, // fast refill for test
		BurstSize:         2,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	bucket.Allow()
	bucket.Allow()

	if bucket.Allow() {
		t.Error("should be denied after exhausting tokens")
	}

	time.Sleep(50 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("should be allowed after refill")
	}
}

func TestBucket_ZeroConfig_UsesDefaults(t *testing.T) {
	config := Config{
		RequestsPerSecond: 0,
		BurstSize:         0,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	// Defaults are RPS=10, BurstSize=20.
	for i := 0; i < 20; i++ {
		if !bucket.Allow() {
			t.Errorf("dispatch %d should be allowed under default burst", i)
		}
	}
	if bucket.Allow() {
		t.Error("dispatch past default burst should be denied")
	}
}

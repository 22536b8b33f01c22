package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BurstThenBlock(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if l.Allow("client-a") {
		t.Error("request above burst should be blocked")
	}
}

func TestAllow_IndependentKeys(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	if !l.Allow("client-a") {
		t.Fatal("first request for client-a should be allowed")
	}
	if !l.Allow("client-b") {
		t.Error("client-b must not be affected by client-a's bucket")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 6000, // 100 tokens/sec, refills fast enough to test
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	if !l.Allow("client-a") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("client-a") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)

	if !l.Allow("client-a") {
		t.Error("bucket should have refilled")
	}
}

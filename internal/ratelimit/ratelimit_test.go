package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Hour})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.allow("1.2.3.4") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if l.allow("1.2.3.4") {
		t.Error("request beyond burst allowed")
	}
}

func TestIndependentClients(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Hour})
	defer l.Stop()

	if !l.allow("1.1.1.1") {
		t.Error("first client denied")
	}
	if !l.allow("2.2.2.2") {
		t.Error("second client should have its own bucket")
	}
	if l.allow("1.1.1.1") {
		t.Error("first client should be out of tokens")
	}
}

func TestRefill(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Hour})
	defer l.Stop()

	if !l.allow("a") {
		t.Fatal("initial request denied")
	}
	if l.allow("a") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(50 * time.Millisecond) // 100 tokens/sec refill
	if !l.allow("a") {
		t.Error("bucket should have refilled")
	}
}

package dedup

import (
	"testing"
	"time"
)

// fakeClock is a manually-advanced Clock for deterministic expiry tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func TestExpireSet_PresentWithinTTL(t *testing.T) {
	clock := newFakeClock()
	s := NewExpireSet[string](10, clock)

	s.Insert("evt_1")

	if !s.Has("evt_1") {
		t.Fatal("key should be present immediately after insert")
	}

	clock.advance(9 * time.Second)
	if !s.Has("evt_1") {
		t.Fatal("key should still be present within TTL")
	}
}

func TestExpireSet_AbsentAfterTwiceTTL(t *testing.T) {
	clock := newFakeClock()
	s := NewExpireSet[string](10, clock)

	s.Insert("evt_1")

	clock.advance(21 * time.Second)
	if s.Has("evt_1") {
		t.Fatal("key must be absent after 2*TTL")
	}
}

func TestExpireSet_SurvivesRotationInsidePresenceWindow(t *testing.T) {
	clock := newFakeClock()
	s := NewExpireSet[string](10, clock)

	s.Insert("evt_1")
	clock.advance(8 * time.Second)
	s.Insert("evt_2")

	// Advancing past the rotation boundary demotes both keys to the previous
	// generation. evt_2 is still inside its own TTL window; evt_1 is not.
	clock.advance(3 * time.Second)
	if !s.Has("evt_2") {
		t.Fatal("key inside its TTL window should survive a rotation")
	}
	if s.Has("evt_1") {
		t.Fatal("rotated key past its expiry should be absent")
	}
}

func TestExpireSet_NeverQueriedKeyStillExpires(t *testing.T) {
	clock := newFakeClock()
	s := NewExpireSet[string](10, clock)

	s.Insert("evt_1")

	// A long idle period discards both generations at once.
	clock.advance(500 * time.Second)
	if s.Has("evt_1") {
		t.Fatal("key must be absent after a long idle period")
	}
}

func TestExpireSet_ReinsertExtendsLifetime(t *testing.T) {
	clock := newFakeClock()
	s := NewExpireSet[string](10, clock)

	s.Insert("evt_1")
	clock.advance(8 * time.Second)
	s.Insert("evt_1")
	clock.advance(8 * time.Second)

	if !s.Has("evt_1") {
		t.Fatal("re-inserted key should be present within its new TTL")
	}
}

func TestExpireMap_GetReturnsStoredValue(t *testing.T) {
	clock := newFakeClock()
	m := NewExpireMap[string, string](10, clock)

	m.Insert("key_abc", "acct_1")

	got, ok := m.Get("key_abc")
	if !ok || got != "acct_1" {
		t.Fatalf("Get = (%q, %v), want (acct_1, true)", got, ok)
	}
}

func TestExpireMap_GetAbsentKey(t *testing.T) {
	clock := newFakeClock()
	m := NewExpireMap[string, string](10, clock)

	if _, ok := m.Get("missing"); ok {
		t.Fatal("Get should report absent for a key never inserted")
	}
}

func TestExpireMap_RemoveInvalidatesImmediately(t *testing.T) {
	clock := newFakeClock()
	m := NewExpireMap[string, string](10, clock)

	m.Insert("key_abc", "acct_1")
	m.Remove("key_abc")

	if _, ok := m.Get("key_abc"); ok {
		t.Fatal("removed key must be absent even inside its TTL window")
	}
}

func TestExpireMap_RemoveCoversPreviousGeneration(t *testing.T) {
	clock := newFakeClock()
	m := NewExpireMap[string, string](10, clock)

	m.Insert("key_abc", "acct_1")

	// Rotate key_abc into the previous generation, then remove it.
	clock.advance(11 * time.Second)
	m.Insert("other", "acct_2")
	m.Remove("key_abc")

	if _, ok := m.Get("key_abc"); ok {
		t.Fatal("removed key must be absent from the previous generation too")
	}
}

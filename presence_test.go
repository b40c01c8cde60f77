package chatsync

import (
	"slices"
	"testing"
	"time"
)

func TestPresenceMerge(t *testing.T) {
	p := NewPresenceTracker()

	if _, known := p.Online("p1"); known {
		t.Fatal("expected unknown peer")
	}

	p.Merge(map[string]bool{"p1": true, "p2": true})
	p.Merge(map[string]bool{"p2": false})

	if on, known := p.Online("p1"); !on || !known {
		t.Fatal("expected p1 online after partial update")
	}
	if on, known := p.Online("p2"); on || !known {
		t.Fatal("expected p2 offline")
	}

	snap := p.Snapshot()
	snap["p1"] = false
	if on, _ := p.Online("p1"); !on {
		t.Fatal("snapshot must be a copy")
	}
}

func TestTypingStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("explicit clear only", func(t *testing.T) {
		ts := NewTypingStore(0)
		ts.Set("p1", true, now)

		st := ts.State("p1", now.Add(time.Hour))
		if !st.Typing || !st.Since.Equal(now) {
			t.Fatalf("expected typing since %v, got %+v", now, st)
		}

		ts.Set("p1", false, now)
		if ts.State("p1", now) != Idle {
			t.Fatal("expected idle after typing=false")
		}
	})

	t.Run("ttl expiry", func(t *testing.T) {
		ts := NewTypingStore(5 * time.Second)
		ts.Set("p1", true, now)
		ts.Set("p2", true, now.Add(4*time.Second))

		if !ts.State("p1", now.Add(4*time.Second)).Typing {
			t.Fatal("expected p1 still typing")
		}
		got := ts.Typing(now.Add(6 * time.Second))
		if !slices.Equal(got, []string{"p2"}) {
			t.Fatalf("expected [p2], got %v", got)
		}
		if ts.State("p1", now.Add(5*time.Second)) != Idle {
			t.Fatal("expected p1 expired")
		}
	})

	t.Run("refresh extends", func(t *testing.T) {
		ts := NewTypingStore(5 * time.Second)
		ts.Set("p1", true, now)
		ts.Set("p1", true, now.Add(4*time.Second))
		if !ts.State("p1", now.Add(8*time.Second)).Typing {
			t.Fatal("expected refreshed signal to extend typing")
		}
	})
}

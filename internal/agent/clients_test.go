package agent

import (
	"context"
	"testing"
	"time"
)

func TestClientSetControlOnFirstSight(t *testing.T) {
	set := NewClientSet(time.Hour)

	if set.Touch("early", false, false) {
		t.Fatalf("client seen before activation must be uncontrolled")
	}
	if !set.Touch("late", true, false) {
		t.Fatalf("client seen while active must be controlled")
	}
	if set.Touch("early", true, false) {
		t.Fatalf("existing client stays uncontrolled until claimed")
	}
	if !set.Touch("early", true, true) {
		t.Fatalf("navigation creates a controlled page")
	}
}

func TestClientSetClaim(t *testing.T) {
	set := NewClientSet(time.Hour)
	set.Touch("a", false, false)
	set.Touch("b", false, false)

	if err := set.Claim(context.Background()); err != nil {
		t.Fatalf("claim error: %v", err)
	}
	total, controlled := set.Counts()
	if total != 2 || controlled != 2 {
		t.Fatalf("expected 2/2 controlled, got %d/%d", controlled, total)
	}
	if !set.Controlled("a") || set.Controlled("unknown") {
		t.Fatalf("unexpected Controlled result")
	}
}

func TestClientSetPrune(t *testing.T) {
	set := NewClientSet(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	set.now = func() time.Time { return now }

	set.Touch("old", true, false)
	now = now.Add(2 * time.Minute)
	set.Touch("fresh", true, false)

	if removed := set.Prune(); removed != 1 {
		t.Fatalf("expected one pruned client, got %d", removed)
	}
	if total, _ := set.Counts(); total != 1 {
		t.Fatalf("expected one remaining client, got %d", total)
	}
}

func TestClientSetAnonymous(t *testing.T) {
	set := NewClientSet(time.Hour)
	if !set.Touch("", true, false) || set.Touch("", false, false) {
		t.Fatalf("anonymous clients follow the worker state")
	}
	if total, _ := set.Counts(); total != 0 {
		t.Fatalf("anonymous clients are not tracked")
	}
}

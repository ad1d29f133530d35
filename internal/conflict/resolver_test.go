package conflict

import (
	"testing"
	"time"

	"corral/internal/model"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func req(source string, score float64, at time.Time) model.ActionRequest {
	return model.ActionRequest{
		SourceID:      source,
		Resource:      "gpu-0",
		Action:        "acquire",
		PriorityScore: score,
		RequestedAt:   at,
	}
}

func TestResolveHighestScoreWins(t *testing.T) {
	rec, err := Resolve("gpu-0", []model.ActionRequest{
		req("a", 0.2, base),
		req("b", 0.9, base.Add(time.Second)),
		req("c", 0.5, base),
	}, base)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Resolution.SourceID != "b" {
		t.Fatalf("winner = %s, want b", rec.Resolution.SourceID)
	}
	if len(rec.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(rec.Outcomes))
	}
	wins := 0
	for _, o := range rec.Outcomes {
		if o.Won {
			wins++
			if o.Request.SourceID != "b" {
				t.Fatalf("won outcome is %s", o.Request.SourceID)
			}
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestResolveTieBreaksOlderThenSource(t *testing.T) {
	// Equal scores: the older request wins.
	rec, err := Resolve("gpu-0", []model.ActionRequest{
		req("late", 0.7, base.Add(time.Second)),
		req("early", 0.7, base),
	}, base)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Resolution.SourceID != "early" {
		t.Fatalf("winner = %s, want early", rec.Resolution.SourceID)
	}

	// Equal scores and timestamps: lexicographically smaller source wins.
	rec, err = Resolve("gpu-0", []model.ActionRequest{
		req("zeta", 0.7, base),
		req("alpha", 0.7, base),
	}, base)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Resolution.SourceID != "alpha" {
		t.Fatalf("winner = %s, want alpha", rec.Resolution.SourceID)
	}
}

func TestResolveOrderIndependent(t *testing.T) {
	reqs := []model.ActionRequest{
		req("a", 0.3, base),
		req("b", 0.3, base),
		req("c", 0.9, base.Add(2*time.Second)),
		req("d", 0.9, base.Add(time.Second)),
	}
	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}
	var want string
	for i, perm := range perms {
		shuffled := make([]model.ActionRequest, len(reqs))
		for j, k := range perm {
			shuffled[j] = reqs[k]
		}
		rec, err := Resolve("gpu-0", shuffled, base)
		if err != nil {
			t.Fatalf("resolve perm %d: %v", i, err)
		}
		if i == 0 {
			want = rec.Resolution.SourceID
		} else if rec.Resolution.SourceID != want {
			t.Fatalf("perm %d winner = %s, want %s", i, rec.Resolution.SourceID, want)
		}
	}
	if want != "d" {
		t.Fatalf("winner = %s, want d (same score as c, earlier timestamp)", want)
	}
}

func TestResolveRejectsEmptyAndMismatched(t *testing.T) {
	if _, err := Resolve("gpu-0", nil, base); err == nil {
		t.Fatal("expected error for empty request set")
	}
	bad := req("a", 0.5, base)
	bad.Resource = "gpu-1"
	if _, err := Resolve("gpu-0", []model.ActionRequest{bad}, base); err == nil {
		t.Fatal("expected error for mismatched resource")
	}
}

func TestGroupByResource(t *testing.T) {
	a := req("a", 0.1, base)
	b := req("b", 0.2, base)
	c := req("c", 0.3, base)
	c.Resource = "db-lock"
	groups := GroupByResource([]model.ActionRequest{a, b, c})
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if len(groups["gpu-0"]) != 2 || len(groups["db-lock"]) != 1 {
		t.Fatalf("unexpected grouping: %v", groups)
	}
}

//go:build integration

package route

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/fieldguard/internal/testutil"
)

func TestPostgresStore_TraceRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if _, err := store.AppendStop(ctx, "agent_1", "2026-03-02", ActualStop{Point: depot, At: now}, now); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("expected ErrTraceNotFound, got %v", err)
	}

	tr, err := store.SavePlan(ctx, &Trace{ActorID: "agent_1", Date: "2026-03-02", Start: depot, PlannedStops: fiveStops(), CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("save plan: %v", err)
	}
	if tr.Date != "2026-03-02" || len(tr.PlannedStops) != 5 || len(tr.ActualStops) != 0 {
		t.Fatalf("unexpected trace: %+v", tr)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.AppendStop(ctx, "agent_1", "2026-03-02", ActualStop{Point: depot, At: now.Add(time.Duration(i) * time.Minute)}, now); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.SavePlan(ctx, &Trace{ActorID: "agent_1", Date: "2026-03-02", Start: depot, PlannedStops: fiveStops()[:1], UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "agent_1", "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.PlannedStops) != 1 || len(got.ActualStops) != 3 {
		t.Fatalf("replan must keep actual stops: planned=%d actual=%d", len(got.PlannedStops), len(got.ActualStops))
	}
	if !got.ActualStops[2].At.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("stop order not preserved: %+v", got.ActualStops)
	}
}

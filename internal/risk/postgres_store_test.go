//go:build integration

package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/fieldguard/internal/pagination"
	"github.com/mbd888/fieldguard/internal/testutil"
)

func TestPostgresStore_CommitIsIdempotent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sig := &Signal{
		ID: "sig_1", ActorID: "a1", EntityKind: EntityPayment, EntityID: "pay_1",
		Type: SignalFlaggedLate, Magnitude: 1.5, Weight: 0.203,
		SourceKind: SourceCustody, SourceID: "pay_1:deadline", ProducedAt: now,
	}

	if err := store.Commit(ctx, sig, &ScoreBump{ActorID: "a1", Increment: 0.05, At: now}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	dup := *sig
	dup.ID = "sig_2"
	if err := store.Commit(ctx, &dup, &ScoreBump{ActorID: "a1", Increment: 0.05, At: now}); !errors.Is(err, ErrDuplicateSignal) {
		t.Fatalf("expected ErrDuplicateSignal, got %v", err)
	}

	got, err := store.GetActor(ctx, "a1")
	if err != nil {
		t.Fatalf("get actor: %v", err)
	}
	if got.RiskScore != 0.05 {
		t.Errorf("duplicate commit moved the score to %v", got.RiskScore)
	}

	signals, err := store.ListEntitySignals(ctx, EntityPayment, "pay_1")
	if err != nil || len(signals) != 1 {
		t.Fatalf("signals = %v, err = %v", signals, err)
	}
}

// Two stores over one database stand in for two replicas.
func TestPostgresStore_ConcurrentBumpsAcrossStores(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	stores := []*PostgresStore{NewPostgresStore(db), NewPostgresStore(db)}
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("pay_%d", i)
			sig := &Signal{
				ID: "sig_" + id, ActorID: "a1", EntityKind: EntityPayment, EntityID: id,
				Type: SignalFlaggedLate, Weight: 0.2, SourceKind: SourceCustody, SourceID: id + ":deadline", ProducedAt: now,
			}
			errs <- stores[i%2].Commit(ctx, sig, &ScoreBump{ActorID: "a1", Increment: 0.05, At: now})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	got, err := stores[0].GetActor(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got.RiskScore-0.5) > 1e-9 {
		t.Fatalf("expected every increment to land, score = %v", got.RiskScore)
	}
}

func TestPostgresStore_SaveDecayedIsConditional(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	old := time.Now().UTC().Add(-40 * 24 * time.Hour).Truncate(time.Microsecond)

	if err := store.SaveActor(ctx, &Actor{ID: "a1", RiskScore: 0.4, LastScoreUpdate: old, LastNegativeSignalAt: &old, CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	read, _ := store.GetActor(ctx, "a1")

	sig := &Signal{
		ID: "sig_late", ActorID: "a1", EntityKind: EntityPayment, EntityID: "pay_1",
		Type: SignalFlaggedLate, Weight: 0.2, SourceKind: SourceCustody, SourceID: "pay_1:deadline", ProducedAt: time.Now().UTC(),
	}
	if err := store.Commit(ctx, sig, &ScoreBump{ActorID: "a1", Increment: 0.05, At: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	decayed := *read
	decayed.RiskScore = 0.2
	saved, err := store.SaveDecayed(ctx, &decayed, read.RiskScore)
	if err != nil {
		t.Fatal(err)
	}
	if saved {
		t.Fatal("decay computed from a stale read must not overwrite a newer score")
	}
	got, _ := store.GetActor(ctx, "a1")
	if math.Abs(got.RiskScore-0.45) > 1e-9 {
		t.Fatalf("score = %v, want 0.45", got.RiskScore)
	}

	// Registering a role keeps the accumulated score.
	if err := store.SaveActor(ctx, &Actor{ID: "a1", Role: "collector", CreatedAt: old, LastScoreUpdate: old}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetActor(ctx, "a1")
	if got.Role != "collector" || math.Abs(got.RiskScore-0.45) > 1e-9 {
		t.Fatalf("after role update: %+v", got)
	}
}

func TestPostgresStore_ListActorSignalsKeyset(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"sig_a", "sig_b", "sig_c"} {
		s := &Signal{
			ID: id, ActorID: "a1", EntityKind: EntityVisit, EntityID: id,
			Type: SignalOutOfRange, Weight: 0.4, SourceKind: SourceVisit, SourceID: id,
			ProducedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Commit(ctx, s, nil); err != nil {
			t.Fatal(err)
		}
	}

	first, err := store.ListActorSignals(ctx, "a1", nil, 2)
	if err != nil || len(first) != 2 || first[0].ID != "sig_c" {
		t.Fatalf("first page = %v, err = %v", first, err)
	}
	last := first[len(first)-1]
	rest, err := store.ListActorSignals(ctx, "a1", &pagination.Cursor{At: last.ProducedAt, ID: last.ID}, 2)
	if err != nil || len(rest) != 1 || rest[0].ID != "sig_a" {
		t.Fatalf("second page = %v, err = %v", rest, err)
	}
}

func TestPostgresStore_DecayCandidates(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)

	_ = store.SaveActor(ctx, &Actor{ID: "quiet", RiskScore: 0.4, LastScoreUpdate: old, LastNegativeSignalAt: &old, CreatedAt: old})
	_ = store.SaveActor(ctx, &Actor{ID: "recent", RiskScore: 0.4, LastScoreUpdate: now, LastNegativeSignalAt: &now, CreatedAt: old})
	_ = store.SaveActor(ctx, &Actor{ID: "clean", RiskScore: 0, LastScoreUpdate: old, CreatedAt: old})

	got, err := store.ListDecayCandidates(ctx, now.Add(-30*24*time.Hour), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "quiet" {
		t.Fatalf("candidates = %+v", got)
	}
}

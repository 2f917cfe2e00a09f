//go:build integration

package qrledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/fieldguard/internal/testutil"
)

func TestPostgresStore_ScanLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Create(ctx, &Document{ID: "doc_pg", IssuedHash: "H1", Status: StatusActive, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Document{ID: "doc_pg", IssuedHash: "H2", Status: StatusActive, CreatedAt: now, UpdatedAt: now}); !errors.Is(err, ErrDocumentExists) {
		t.Fatalf("expected ErrDocumentExists, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RecordScan(ctx, "doc_pg", time.Now()); err != nil {
				t.Errorf("record scan: %v", err)
			}
		}()
	}
	wg.Wait()

	d, err := store.Get(ctx, "doc_pg")
	if err != nil {
		t.Fatal(err)
	}
	if d.ScanCount != 10 || d.Status != StatusProcessPayment {
		t.Fatalf("after scans: count=%d status=%s", d.ScanCount, d.Status)
	}

	if _, err := store.Transition(ctx, "doc_pg", []Status{StatusProcessPayment}, StatusPaid, now); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if _, err := store.RecordScan(ctx, "doc_pg", now); !errors.Is(err, ErrDocumentClosed) {
		t.Fatalf("scan after paid: expected ErrDocumentClosed, got %v", err)
	}
	if _, err := store.Transition(ctx, "missing", []Status{StatusActive}, StatusCancelled, now); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

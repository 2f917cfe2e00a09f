//go:build integration

package custody

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fieldguard/internal/testutil"
)

func TestPostgresStore_CompareAndSet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := &PaymentCustody{
		ID:          "pay_pg_1",
		ActorID:     "agent_1",
		Amount:      decimal.RequireFromString("500000.50"),
		Method:      MethodCash,
		OTP:         "A1B2C3",
		Status:      StatusPendingOTP,
		CollectedAt: now,
		DeadlineAt:  now.Add(-time.Minute),
		UpdatedAt:   now,
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Amount.Equal(p.Amount) || got.OTP != "A1B2C3" || got.DocumentID != "" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	due, err := store.ListDue(ctx, now, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("list due: %v %d", err, len(due))
	}

	flagged := *got
	flagged.Status = StatusFlaggedLate
	flagged.FlaggedLateAt = &now
	flagged.LateHours = 0.017
	if err := store.UpdateIfStatus(ctx, &flagged, awaitingDeposit...); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if err := store.UpdateIfStatus(ctx, &flagged, awaitingDeposit...); !errors.Is(err, ErrInvalidCustodyTransition) {
		t.Fatalf("second flag: expected ErrInvalidCustodyTransition, got %v", err)
	}
	if err := store.UpdateIfStatus(ctx, &PaymentCustody{ID: "pay_missing"}, awaitingDeposit...); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	due, _ = store.ListDue(ctx, now, 10)
	if len(due) != 0 {
		t.Fatalf("flagged payment must not be due, got %d", len(due))
	}

	list, err := store.ListByActor(ctx, "agent_1", 10)
	if err != nil || len(list) != 1 || list[0].FlaggedLateAt == nil {
		t.Fatalf("list by actor: %v %+v", err, list)
	}
}

func TestPostgresStore_DocumentReservation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	newPayment := func(id string) *PaymentCustody {
		return &PaymentCustody{
			ID:          id,
			ActorID:     "agent_1",
			DocumentID:  "nota_1",
			Amount:      decimal.RequireFromString("125000"),
			Method:      MethodTransfer,
			OTP:         "A1B2C3",
			Status:      StatusPendingOTP,
			CollectedAt: now,
			DeadlineAt:  now.Add(24 * time.Hour),
			UpdatedAt:   now,
		}
	}

	first := newPayment("pay_pg_a")
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newPayment("pay_pg_b")); !errors.Is(err, ErrDocumentReserved) {
		t.Fatalf("expected ErrDocumentReserved, got %v", err)
	}

	cancelled := *first
	cancelled.Status = StatusCancelled
	cancelled.CancelledAt = &now
	if err := store.UpdateIfStatus(ctx, &cancelled, awaitingDeposit...); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.Create(ctx, newPayment("pay_pg_c")); err != nil {
		t.Fatalf("a cancelled payment releases the document: %v", err)
	}
}

package server

import (
	"context"

	"github.com/mbd888/fieldguard/internal/custody"
	"github.com/mbd888/fieldguard/internal/qrledger"
)

// documentLedgerAdapter lets custody drive the QR ledger without importing it.
type documentLedgerAdapter struct {
	ledger *qrledger.Ledger
}

var _ custody.DocumentLedger = documentLedgerAdapter{}

func (a documentLedgerAdapter) EnsurePayable(ctx context.Context, documentID string) error {
	return a.ledger.EnsurePayable(ctx, documentID)
}

func (a documentLedgerAdapter) MarkPaid(ctx context.Context, documentID string) error {
	_, err := a.ledger.MarkPaid(ctx, documentID)
	return err
}

func (a documentLedgerAdapter) Cancel(ctx context.Context, documentID string) error {
	_, err := a.ledger.Cancel(ctx, documentID)
	return err
}

// redisPinger exposes the deadline index to the health registry.
type redisPinger struct {
	index *custody.RedisIndex
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.index.Ping(ctx)
}

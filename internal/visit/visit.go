// Package visit validates field check-ins: where the agent claims to be
// against the target's registered point, and the QR document they present.
package visit

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/geo"
	"github.com/mbd888/fieldguard/internal/qrledger"
	"github.com/mbd888/fieldguard/internal/risk"
)

var (
	ErrVisitNotFound  = fmt.Errorf("%w: visit not found", faults.ErrNotFound)
	ErrTargetNotFound = fmt.Errorf("%w: target not found", faults.ErrNotFound)
	ErrNoDocument     = fmt.Errorf("%w: a QR code was presented but the target has no document", faults.ErrValidation)
	ErrFutureClaim    = fmt.Errorf("%w: claimed time is in the future", faults.ErrValidation)
)

// Outcome flags.
const (
	FlagOutOfRange  = "OUT_OF_RANGE"
	FlagNoReference = geo.FlagNoReference
	FlagQRMismatch  = "QR_MISMATCH"
	FlagQRReplay    = "QR_REPLAY"
)

// maxClockSkew is how far ahead of the server clock a claim may be dated.
const maxClockSkew = 5 * time.Minute

// Target is a place visits are checked against: a customer, a warehouse.
type Target struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	// Point is the registered reference point. Visits to a target without
	// one fail closed.
	Point *geo.Point `json:"point,omitempty"`
	// DocumentID is the QR document currently expected at this target.
	DocumentID string    `json:"documentId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Claim is an agent's claim of arrival.
type Claim struct {
	ActorID      string    `json:"actorId" binding:"required"`
	TargetID     string    `json:"targetId" binding:"required"`
	ClaimedPoint geo.Point `json:"claimedPoint"`
	ClaimedAt    time.Time `json:"claimedAt"`
	// PresentedQR is the hash read from the document's QR code.
	PresentedQR string `json:"presentedQr"`
	// DocumentID overrides the target's current document.
	DocumentID string `json:"documentId"`
}

// Outcome is the immutable result of a visit claim.
type Outcome struct {
	VisitID      string    `json:"visitId"`
	ActorID      string    `json:"actorId"`
	TargetID     string    `json:"targetId"`
	TargetKind   string    `json:"targetKind,omitempty"`
	DocumentID   string    `json:"documentId,omitempty"`
	ClaimedPoint geo.Point `json:"claimedPoint"`
	ClaimedAt    time.Time `json:"claimedAt"`
	// DistanceMeters is nil when there was no reference point.
	DistanceMeters  *float64  `json:"distanceMeters"`
	ToleranceMeters float64   `json:"toleranceMeters"`
	LocationValid   bool      `json:"locationValid"`
	QRValid         bool      `json:"qrValid"`
	ScanOrdinal     int       `json:"scanOrdinal"`
	Flags           []string  `json:"outcomeFlags"`
	CreatedAt       time.Time `json:"createdAt"`
}

// HasFlag reports whether the outcome carries flag.
func (o *Outcome) HasFlag(flag string) bool {
	for _, f := range o.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// label is the metrics outcome label.
func (o *Outcome) label() string {
	switch {
	case o.HasFlag(FlagNoReference):
		return "no_reference"
	case o.HasFlag(FlagOutOfRange):
		return "out_of_range"
	case o.HasFlag(FlagQRMismatch):
		return "qr_invalid"
	default:
		return "valid"
	}
}

// TargetStore persists visit targets.
type TargetStore interface {
	Upsert(ctx context.Context, t *Target) (*Target, error)
	Get(ctx context.Context, id string) (*Target, error)
}

// OutcomeStore persists visit outcomes. Outcomes are never updated.
type OutcomeStore interface {
	Create(ctx context.Context, o *Outcome) error
	Get(ctx context.Context, id string) (*Outcome, error)
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Outcome, error)
}

// DocumentScanner is the slice of the QR ledger a visit needs.
type DocumentScanner interface {
	Scan(ctx context.Context, id, presentedHash string, sc qrledger.ScanContext) (*qrledger.ScanResult, error)
}

// SignalSink receives location signals.
type SignalSink interface {
	Emit(ctx context.Context, sig risk.Signal) error
}

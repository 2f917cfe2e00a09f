package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *FieldguardClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *FieldguardClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetActorRisk reports an actor's score and top signals.
func (h *Handlers) HandleGetActorRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := req.GetString("actor_id", "")
	if actorID == "" {
		return mcp.NewToolResultError("actor_id is required"), nil
	}

	raw, err := h.client.GetActorRisk(ctx, actorID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get actor risk: %v", err)), nil
	}

	text, err := formatActorRisk(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse actor risk: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListSignals lists an actor's signals.
func (h *Handlers) HandleListSignals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := req.GetString("actor_id", "")
	if actorID == "" {
		return mcp.NewToolResultError("actor_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListSignals(ctx, actorID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list signals: %v", err)), nil
	}

	text, err := formatSignalList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse signals: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAuditRoute audits an actor's day.
func (h *Handlers) HandleAuditRoute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := req.GetString("actor_id", "")
	if actorID == "" {
		return mcp.NewToolResultError("actor_id is required"), nil
	}
	date := req.GetString("date", "")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return mcp.NewToolResultError("date must be YYYY-MM-DD"), nil
	}

	raw, err := h.client.AuditRoute(ctx, actorID, date)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to audit route: %v", err)), nil
	}

	text, err := formatAudit(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetPayment returns one payment's custody record.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paymentID := req.GetString("payment_id", "")
	if paymentID == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.GetPayment(ctx, paymentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}

	var wrapper struct {
		Payment paymentInfo `json:"payment"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment: %v", err)), nil
	}

	return mcp.NewToolResultText(formatPayment(wrapper.Payment)), nil
}

// HandleListActorPayments lists an actor's payments.
func (h *Handlers) HandleListActorPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := req.GetString("actor_id", "")
	if actorID == "" {
		return mcp.NewToolResultError("actor_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListActorPayments(ctx, actorID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payments: %v", err)), nil
	}

	var wrapper struct {
		Payments []paymentInfo `json:"payments"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payments: %v", err)), nil
	}
	if len(wrapper.Payments) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No payments recorded for %s.", actorID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d payment(s) for %s:\n\n", len(wrapper.Payments), actorID)
	for i, p := range wrapper.Payments {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, formatPaymentLine(p))
	}
	return mcp.NewToolResultText(strings.TrimRight(sb.String(), "\n")), nil
}

// --- Formatting helpers ---

type signalInfo struct {
	Type       string    `json:"signalType"`
	EntityKind string    `json:"entityKind"`
	EntityID   string    `json:"entityId"`
	Weight     float64   `json:"weight"`
	Magnitude  float64   `json:"magnitude"`
	ProducedAt time.Time `json:"producedAt"`
}

type paymentInfo struct {
	ID            string     `json:"id"`
	ActorID       string     `json:"actorId"`
	DocumentID    string     `json:"documentId"`
	Amount        string     `json:"amount"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	OTPVerified   bool       `json:"otpVerified"`
	CollectedAt   time.Time  `json:"collectedAt"`
	DeadlineAt    time.Time  `json:"deadlineAt"`
	DepositedAt   *time.Time `json:"depositedAt"`
	BankReference string     `json:"bankReference"`
	LateHours     float64    `json:"lateHours"`
	CancelReason  string     `json:"cancelReason"`
}

func formatActorRisk(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Risk struct {
			ActorID    string       `json:"actorId"`
			Score      float64      `json:"score"`
			Band       string       `json:"band"`
			TopSignals []signalInfo `json:"topSignals"`
		} `json:"risk"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	r := wrapper.Risk

	var sb strings.Builder
	fmt.Fprintf(&sb, "Actor: %s\n", r.ActorID)
	fmt.Fprintf(&sb, "Risk: %.2f (%s)\n", r.Score, r.Band)
	if len(r.TopSignals) == 0 {
		sb.WriteString("No signals recorded.")
		return sb.String(), nil
	}
	sb.WriteString("\nTop signals:\n")
	for i, s := range r.TopSignals {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, formatSignalLine(s))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatSignalList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Signals []signalInfo `json:"signals"`
		HasMore bool         `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	if len(wrapper.Signals) == 0 {
		return "No signals recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d signal(s):\n\n", len(wrapper.Signals))
	for i, s := range wrapper.Signals {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, formatSignalLine(s))
	}
	if wrapper.HasMore {
		sb.WriteString("\nMore signals are available; raise the limit to see them.")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatSignalLine(s signalInfo) string {
	line := fmt.Sprintf("%s on %s %s (weight %.2f", s.Type, s.EntityKind, s.EntityID, s.Weight)
	if s.Magnitude != 0 {
		line += fmt.Sprintf(", magnitude %.1f", s.Magnitude)
	}
	line += ")"
	if !s.ProducedAt.IsZero() {
		line += " at " + s.ProducedAt.UTC().Format(time.RFC3339)
	}
	return line
}

func formatAudit(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Audit struct {
			ActorID string `json:"actorId"`
			Date    string `json:"date"`
			Plan    *struct {
				TotalDistanceKm float64  `json:"totalDistanceKm"`
				TotalMinutes    float64  `json:"totalMinutes"`
				Feasible        bool     `json:"feasible"`
				Violations      []string `json:"violations"`
				EfficiencyScore float64  `json:"efficiencyScore"`
				OrderedRoute    []struct {
					StopID string `json:"stopId"`
				} `json:"orderedRoute"`
			} `json:"plan"`
			Deviations []struct {
				Index          int     `json:"index"`
				DistanceMeters float64 `json:"distanceMeters"`
				Reason         string  `json:"reason"`
			} `json:"deviations"`
		} `json:"audit"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	a := wrapper.Audit

	var sb strings.Builder
	fmt.Fprintf(&sb, "Route audit for %s on %s\n", a.ActorID, a.Date)
	if a.Plan != nil {
		verdict := "feasible"
		if !a.Plan.Feasible {
			verdict = "NOT feasible"
		}
		fmt.Fprintf(&sb, "Plan: %d stop(s), %.1f km, %.0f min, %s (efficiency %.2f)\n",
			len(a.Plan.OrderedRoute), a.Plan.TotalDistanceKm, a.Plan.TotalMinutes, verdict, a.Plan.EfficiencyScore)
		for _, v := range a.Plan.Violations {
			fmt.Fprintf(&sb, "   Violation: %s\n", v)
		}
	}
	if len(a.Deviations) == 0 {
		sb.WriteString("No deviations.")
		return sb.String(), nil
	}
	fmt.Fprintf(&sb, "Deviations: %d\n", len(a.Deviations))
	for _, d := range a.Deviations {
		fmt.Fprintf(&sb, "   Stop #%d: %.0f m (%s)\n", d.Index, d.DistanceMeters, d.Reason)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatPayment(p paymentInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s\n", p.ID)
	fmt.Fprintf(&sb, "Actor: %s\n", p.ActorID)
	fmt.Fprintf(&sb, "Amount: %s (%s)\n", p.Amount, p.Method)
	if p.DocumentID != "" {
		fmt.Fprintf(&sb, "Document: %s\n", p.DocumentID)
	}
	fmt.Fprintf(&sb, "Status: %s\n", p.Status)
	fmt.Fprintf(&sb, "OTP verified: %t\n", p.OTPVerified)
	if !p.CollectedAt.IsZero() {
		fmt.Fprintf(&sb, "Collected: %s\n", p.CollectedAt.UTC().Format(time.RFC3339))
	}
	if !p.DeadlineAt.IsZero() {
		fmt.Fprintf(&sb, "Deposit deadline: %s\n", p.DeadlineAt.UTC().Format(time.RFC3339))
	}
	if p.DepositedAt != nil {
		fmt.Fprintf(&sb, "Deposited: %s (ref %s)\n", p.DepositedAt.UTC().Format(time.RFC3339), p.BankReference)
	}
	if p.LateHours > 0 {
		fmt.Fprintf(&sb, "Late by: %.1f h\n", p.LateHours)
	}
	if p.CancelReason != "" {
		fmt.Fprintf(&sb, "Cancelled: %s\n", p.CancelReason)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatPaymentLine(p paymentInfo) string {
	line := fmt.Sprintf("%s: %s %s, %s", p.ID, p.Amount, p.Method, p.Status)
	if p.LateHours > 0 {
		line += fmt.Sprintf(", %.1f h late", p.LateHours)
	}
	return line
}

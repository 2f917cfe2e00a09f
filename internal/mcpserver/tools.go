package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fieldguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetActorRisk = mcp.NewTool("get_actor_risk",
	mcp.WithDescription(
		"Get the fraud risk of a field actor (salesman, collector or driver). "+
			"Returns the score in [0, 1], the band (LOW/MEDIUM/HIGH) and the strongest signals behind it. "+
			"Use this before approving a collection or when a supervisor asks why someone was flagged."),
	mcp.WithString("actor_id",
		mcp.Required(),
		mcp.Description("The actor's id (e.g. 'sales_7')")),
)

var ToolListSignals = mcp.NewTool("list_signals",
	mcp.WithDescription(
		"List the fraud signals recorded against an actor, newest first. "+
			"Signals include out-of-range visits, QR mismatches and replays, invalid OTPs, late deposits and route deviations."),
	mcp.WithString("actor_id",
		mcp.Required(),
		mcp.Description("The actor's id (e.g. 'sales_7')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of signals to return (default 20)")),
)

var ToolAuditRoute = mcp.NewTool("audit_route",
	mcp.WithDescription(
		"Audit an actor's field day: checks the planned route against distance, stop and working-hour caps "+
			"and lists the actual stops the plan does not explain."),
	mcp.WithString("actor_id",
		mcp.Required(),
		mcp.Description("The actor's id (e.g. 'sales_7')")),
	mcp.WithString("date",
		mcp.Required(),
		mcp.Description("The trace date as YYYY-MM-DD")),
)

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Get the custody record of a collected payment: amount, method, OTP verification, "+
			"deposit deadline and whether it was deposited, flagged late or cancelled."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id returned when the payment was collected")),
)

var ToolListActorPayments = mcp.NewTool("list_actor_payments",
	mcp.WithDescription(
		"List the payments an actor collected, newest first, with their custody status."),
	mcp.WithString("actor_id",
		mcp.Required(),
		mcp.Description("The actor's id (e.g. 'sales_7')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payments to return (default 20)")),
)

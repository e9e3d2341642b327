package gateway

import (
	"context"

	"github.com/harun/tollgate/internal/tracing"
	"github.com/harun/tollgate/pkg/thread"
)

// ApprovalChannel delivers pending approvals to authenticated websocket
// clients as approval.requested events. Clients answer with thread.decide.
type ApprovalChannel struct {
	server *Server
}

// NewApprovalChannel creates a channel that broadcasts through server.
func NewApprovalChannel(server *Server) *ApprovalChannel {
	return &ApprovalChannel{server: server}
}

// Notify publishes one event per pending approval to the clients watching
// its thread. Having no connected client is not an error; the approvals
// remain listed by approvals.list.
func (c *ApprovalChannel) Notify(ctx context.Context, pending []thread.PendingApproval) error {
	traceID := tracing.GetTraceID(ctx)
	for _, p := range pending {
		reached := c.server.Publish(EventMessage{
			Event:    "approval.requested",
			Stream:   StreamApproval,
			Phase:    "requested",
			ThreadID: p.ThreadID,
			TraceID:  traceID,
			Data:     approvalPayload(p),
		})
		c.server.logger.Debug().
			Str("thread_id", p.ThreadID).
			Str("call_id", p.CallID).
			Int("clients", reached).
			Msg("Approval request broadcast")
	}
	return nil
}

func approvalPayload(p thread.PendingApproval) map[string]interface{} {
	return map[string]interface{}{
		"thread_id":  p.ThreadID,
		"call_id":    p.CallID,
		"tool":       p.Call.Name,
		"arguments":  p.Call.Arguments,
		"created_at": p.CreatedAt.UnixMilli(),
	}
}

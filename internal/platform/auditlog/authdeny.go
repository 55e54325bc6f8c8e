package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/shipyard-labs/shipyard-go/internal/platform/auth"
)

// AuthDeny records a request rejected by the auth middleware. It matches
// auth.AuditFunc so it can be handed to the middleware directly.
func (r *Recorder) AuthDeny(ctx context.Context, event auth.DenyEvent) error {
	actor := strings.TrimSpace(event.Subject)
	if actor == "" {
		actor = "anonymous"
	}

	var ip net.IP
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}

	return r.Record(ctx, Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"status": event.Status,
			"reason": event.Reason,
			"error":  event.Error,
			"email":  event.Email,
			"roles":  event.Roles,
		},
	})
}

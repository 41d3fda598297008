// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventAccountRegistered EventKind = "account.registered"
	EventLoginSucceeded    EventKind = "login.succeeded"
	EventLoginFailed       EventKind = "login.failed"
	EventPasswordChanged   EventKind = "password.changed"
	EventSessionRevoked    EventKind = "session.revoked"
	EventBusinessCreated   EventKind = "business.created"
	EventMemberAdded       EventKind = "member.added"
	EventPortfolioCreated  EventKind = "portfolio.created"
	EventVisibilityChanged EventKind = "portfolio.visibility_changed"
	EventCommentAdded      EventKind = "comment.added"
)

// AuditEvent is a security-relevant fact published to the audit queue.
// Attributes never contain secrets.
type AuditEvent struct {
	Kind       EventKind         `json:"kind"`
	Account    uuid.UUID         `json:"account,omitempty"`
	Business   uuid.UUID         `json:"business,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

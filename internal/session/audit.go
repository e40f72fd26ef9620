package session

import "time"

// AuditAction identifies what an audit event records.
type AuditAction string

const (
	AuditOpen     AuditAction = "open"
	AuditMark     AuditAction = "mark"
	AuditOverride AuditAction = "override"
	AuditClose    AuditAction = "close"
	AuditCancel   AuditAction = "cancel"
)

// AuditEvent is one entry in the attendance audit trail. Events are emitted
// after a successful mutation and consumed off the queue by the worker.
type AuditEvent struct {
	SessionID string      `json:"session_id"`
	StudentID string      `json:"student_id,omitempty"`
	ActorID   string      `json:"actor_id"`
	Action    AuditAction `json:"action"`
	Detail    string      `json:"detail,omitempty"`
	At        time.Time   `json:"at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationPriority tells the notification consumer how urgently a ledger
// entry should reach the family.
type NotificationPriority string

const (
	NotificationNone   NotificationPriority = "NONE"
	NotificationLow    NotificationPriority = "LOW"
	NotificationMedium NotificationPriority = "MEDIUM"
	NotificationHigh   NotificationPriority = "HIGH"
)

// TransitionLogEntry is an immutable audit record of a committed transition.
type TransitionLogEntry struct {
	ID             string          `db:"id" json:"id"`
	ApplicationID  string          `db:"application_id" json:"applicationId"`
	FromState      AdmissionStatus `db:"from_state" json:"fromState"`
	ToState        AdmissionStatus `db:"to_state" json:"toState"`
	ReasonCode     ReasonCode      `db:"reason_code" json:"reasonCode"`
	ActorUserID    string          `db:"actor_user_id" json:"actorUserId"`
	ActorRole      UserRole        `db:"actor_role" json:"actorRole"`
	Comment        *string         `db:"comment" json:"comment,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	TransitionData JSONMap         `db:"transition_data" json:"transitionData,omitempty"`
	Automated      bool            `db:"automated" json:"automated"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	IPAddress      *string         `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent      *string         `db:"user_agent" json:"userAgent,omitempty"`
}

// TransitionContext carries optional provenance for manual transitions.
type TransitionContext struct {
	Comment        string
	IdempotencyKey string
	TransitionData JSONMap
	IPAddress      string
	UserAgent      string
}

// NewTransitionLogEntry builds a ledger entry for a transition requested by a user.
func NewTransitionLogEntry(applicationID string, from, to AdmissionStatus, reason ReasonCode, actorUserID string, actorRole UserRole, tc TransitionContext, now time.Time) *TransitionLogEntry {
	return &TransitionLogEntry{
		ID:             uuid.NewString(),
		ApplicationID:  applicationID,
		FromState:      from,
		ToState:        to,
		ReasonCode:     reason,
		ActorUserID:    actorUserID,
		ActorRole:      actorRole,
		Comment:        optionalString(tc.Comment),
		IdempotencyKey: optionalString(tc.IdempotencyKey),
		TransitionData: tc.TransitionData,
		CreatedAt:      now,
		IPAddress:      optionalString(tc.IPAddress),
		UserAgent:      optionalString(tc.UserAgent),
	}
}

// NewAutomatedTransitionLogEntry builds a ledger entry for a system-driven transition.
func NewAutomatedTransitionLogEntry(applicationID string, from, to AdmissionStatus, reason ReasonCode, data JSONMap, now time.Time) *TransitionLogEntry {
	return &TransitionLogEntry{
		ID:             uuid.NewString(),
		ApplicationID:  applicationID,
		FromState:      from,
		ToState:        to,
		ReasonCode:     reason,
		ActorUserID:    SystemActorID,
		ActorRole:      RoleSystem,
		TransitionData: data,
		Automated:      true,
		CreatedAt:      now,
	}
}

func (e *TransitionLogEntry) IsPositive() bool { return e.ReasonCode.IsPositive() }
func (e *TransitionLogEntry) IsNegative() bool { return e.ReasonCode.IsNegative() }

// RequiresNotification is true for every destination except DRAFT.
func (e *TransitionLogEntry) RequiresNotification() bool {
	return e.ToState != StatusDraft
}

// NotificationPriority maps the destination status to an urgency tier.
func (e *TransitionLogEntry) NotificationPriority() NotificationPriority {
	switch e.ToState {
	case StatusApproved, StatusEnrolled, StatusRejected, StatusExpired:
		return NotificationHigh
	case StatusDocumentsRequested, StatusInterviewScheduled, StatusExamScheduled:
		return NotificationMedium
	case StatusPending, StatusUnderReview, StatusWaitlist:
		return NotificationLow
	default:
		return NotificationNone
	}
}

// TransitionLogFilter narrows ledger queries.
type TransitionLogFilter struct {
	ApplicationID string
	ActorUserID   string
	ReasonCode    ReasonCode
	Limit         int
	Offset        int
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

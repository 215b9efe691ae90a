package dto

import (
	"github.com/noah-isme/sma-admission-api/internal/models"
)

// CreateApplicationRequest opens a DRAFT application.
type CreateApplicationRequest struct {
	ApplicantID string `json:"applicantId" validate:"required,max=64"`
}

// TransitionRequest asks for a state change of one application.
type TransitionRequest struct {
	ToState         string                 `json:"toState" validate:"required,admission_status"`
	ReasonCode      string                 `json:"reasonCode" validate:"required,reason_code"`
	Comment         string                 `json:"comment" validate:"max=2000"`
	IdempotencyKey  string                 `json:"idempotencyKey" validate:"omitempty,max=128"`
	TransitionData  map[string]interface{} `json:"transitionData"`
	ExpectedVersion *int64                 `json:"expectedVersion" validate:"omitempty,min=1"`
}

// TransitionResponse is returned for committed and replayed transitions.
type TransitionResponse struct {
	Application *models.Application        `json:"application"`
	Transition  *models.TransitionLogEntry `json:"transition"`
	Replayed    bool                       `json:"replayed"`
}

// TransitionOption describes one reachable target state.
type TransitionOption struct {
	ToState         models.AdmissionStatus `json:"toState"`
	Direction       string                 `json:"direction"`
	ReasonCodes     []models.ReasonCode    `json:"reasonCodes"`
	PreferredReason models.ReasonCode      `json:"preferredReason,omitempty"`
}

// TransitionOptionsResponse lists what the caller may do next.
type TransitionOptionsResponse struct {
	ApplicationID      string                  `json:"applicationId"`
	CurrentState       models.AdmissionStatus  `json:"currentState"`
	Version            int64                   `json:"version"`
	PreferredNextState *models.AdmissionStatus `json:"preferredNextState,omitempty"`
	Options            []TransitionOption      `json:"options"`
}

// ApplicationQuery mirrors supported listing filters.
type ApplicationQuery struct {
	Status      []models.AdmissionStatus
	ApplicantID string
	Page        int
	PageSize    int
}

// ReprocessRequest selects outbox events to retry.
type ReprocessRequest struct {
	IDs []string `json:"ids" validate:"omitempty,max=500,dive,required"`
	All bool     `json:"all"`
}

// ReprocessResponse reports how many rows were reset.
type ReprocessResponse struct {
	Reset int64 `json:"reset"`
}

// BatchSizeRequest updates the dispatcher batch size.
type BatchSizeRequest struct {
	BatchSize int `json:"batchSize" validate:"required,min=1,max=1000"`
}

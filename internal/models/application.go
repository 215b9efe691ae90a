package models

import "time"

// Application is the admission aggregate. Status only changes through Advance
// after the transition policy accepted the move.
type Application struct {
	ID          string          `db:"id" json:"id"`
	ApplicantID string          `db:"applicant_id" json:"applicantId"`
	Status      AdmissionStatus `db:"status" json:"status"`
	Version     int64           `db:"version" json:"version"`
	SubmittedAt *time.Time      `db:"submitted_at" json:"submittedAt,omitempty"`
	ApprovedAt  *time.Time      `db:"approved_at" json:"approvedAt,omitempty"`
	RejectedAt  *time.Time      `db:"rejected_at" json:"rejectedAt,omitempty"`
	EnrolledAt  *time.Time      `db:"enrolled_at" json:"enrolledAt,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
}

// NewApplication returns a DRAFT aggregate at version 1.
func NewApplication(id, applicantID string, now time.Time) *Application {
	return &Application{
		ID:          id,
		ApplicantID: applicantID,
		Status:      StatusDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Advance moves the aggregate to the target status, stamps the critical-moment
// timestamps the first time they are reached and bumps the version. It returns
// the status the aggregate left.
func (a *Application) Advance(to AdmissionStatus, at time.Time) AdmissionStatus {
	from := a.Status
	a.Status = to

	switch to {
	case StatusPending:
		if from == StatusDraft && a.SubmittedAt == nil {
			a.SubmittedAt = timePtr(at)
		}
	case StatusApproved:
		if a.ApprovedAt == nil {
			a.ApprovedAt = timePtr(at)
		}
	case StatusRejected, StatusExpired:
		if a.RejectedAt == nil {
			a.RejectedAt = timePtr(at)
		}
	case StatusEnrolled:
		if a.EnrolledAt == nil {
			a.EnrolledAt = timePtr(at)
		}
	}

	a.Version++
	a.UpdatedAt = at
	return from
}

// ApplicationFilter narrows application listings.
type ApplicationFilter struct {
	Status      []AdmissionStatus
	ApplicantID string
	Limit       int
	Offset      int
}

func timePtr(t time.Time) *time.Time {
	return &t
}

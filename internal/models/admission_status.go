package models

import "fmt"

// AdmissionStatus is the lifecycle state of an admission application.
type AdmissionStatus string

const (
	StatusDraft              AdmissionStatus = "DRAFT"
	StatusPending            AdmissionStatus = "PENDING"
	StatusDocumentsRequested AdmissionStatus = "DOCUMENTS_REQUESTED"
	StatusUnderReview        AdmissionStatus = "UNDER_REVIEW"
	StatusInterviewScheduled AdmissionStatus = "INTERVIEW_SCHEDULED"
	StatusExamScheduled      AdmissionStatus = "EXAM_SCHEDULED"
	StatusApproved           AdmissionStatus = "APPROVED"
	StatusRejected           AdmissionStatus = "REJECTED"
	StatusWaitlist           AdmissionStatus = "WAITLIST"
	StatusEnrolled           AdmissionStatus = "ENROLLED"
	StatusExpired            AdmissionStatus = "EXPIRED"
)

// StatusInfo carries the behavioural flags and display metadata of a status.
type StatusInfo struct {
	Label                string `json:"label"`
	Color                string `json:"color"`
	Terminal             bool   `json:"terminal"`
	DecisionMade         bool   `json:"decisionMade"`
	RequiresParentAction bool   `json:"requiresParentAction"`
	RequiresAdminAction  bool   `json:"requiresAdminAction"`
	AllowsDocumentUpload bool   `json:"allowsDocumentUpload"`
}

var admissionStatusOrder = []AdmissionStatus{
	StatusDraft,
	StatusPending,
	StatusDocumentsRequested,
	StatusUnderReview,
	StatusInterviewScheduled,
	StatusExamScheduled,
	StatusApproved,
	StatusRejected,
	StatusWaitlist,
	StatusEnrolled,
	StatusExpired,
}

var admissionStatusInfo = map[AdmissionStatus]StatusInfo{
	StatusDraft: {
		Label: "Draft", Color: "gray",
		RequiresParentAction: true, AllowsDocumentUpload: true,
	},
	StatusPending: {
		Label: "Pending review", Color: "blue",
		RequiresAdminAction: true, AllowsDocumentUpload: true,
	},
	StatusDocumentsRequested: {
		Label: "Documents requested", Color: "orange",
		RequiresParentAction: true, AllowsDocumentUpload: true,
	},
	StatusUnderReview: {
		Label: "Under review", Color: "indigo",
		RequiresAdminAction: true,
	},
	StatusInterviewScheduled: {
		Label: "Interview scheduled", Color: "purple",
		RequiresParentAction: true, RequiresAdminAction: true,
	},
	StatusExamScheduled: {
		Label: "Exam scheduled", Color: "purple",
		RequiresParentAction: true, RequiresAdminAction: true,
	},
	StatusApproved: {
		Label: "Approved", Color: "green",
		DecisionMade: true, RequiresParentAction: true,
	},
	StatusRejected: {
		Label: "Rejected", Color: "red",
		Terminal: true, DecisionMade: true,
	},
	StatusWaitlist: {
		Label: "Waitlisted", Color: "yellow",
		DecisionMade: true, RequiresAdminAction: true,
	},
	StatusEnrolled: {
		Label: "Enrolled", Color: "teal",
		Terminal: true, DecisionMade: true,
	},
	StatusExpired: {
		Label: "Expired", Color: "slate",
		Terminal: true, DecisionMade: true,
	},
}

// AdmissionStatuses returns every status in lifecycle order.
func AdmissionStatuses() []AdmissionStatus {
	out := make([]AdmissionStatus, len(admissionStatusOrder))
	copy(out, admissionStatusOrder)
	return out
}

// ParseAdmissionStatus validates a raw status string.
func ParseAdmissionStatus(raw string) (AdmissionStatus, error) {
	status := AdmissionStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown admission status %q", raw)
	}
	return status, nil
}

// IsValid reports whether the status is part of the closed set.
func (s AdmissionStatus) IsValid() bool {
	_, ok := admissionStatusInfo[s]
	return ok
}

// Info returns the status flags; unknown statuses yield the zero value.
func (s AdmissionStatus) Info() StatusInfo {
	return admissionStatusInfo[s]
}

func (s AdmissionStatus) IsTerminal() bool           { return s.Info().Terminal }
func (s AdmissionStatus) IsDecisionMade() bool       { return s.Info().DecisionMade }
func (s AdmissionStatus) RequiresParentAction() bool { return s.Info().RequiresParentAction }
func (s AdmissionStatus) RequiresAdminAction() bool  { return s.Info().RequiresAdminAction }
func (s AdmissionStatus) AllowsDocumentUpload() bool { return s.Info().AllowsDocumentUpload }

func (s AdmissionStatus) String() string {
	return string(s)
}

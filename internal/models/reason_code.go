package models

import "fmt"

// ReasonCode justifies a status transition.
type ReasonCode string

const (
	ReasonFormSubmitted              ReasonCode = "FORM_SUBMITTED"
	ReasonDocsUploaded               ReasonCode = "DOCS_UPLOADED"
	ReasonDocsApproved               ReasonCode = "DOCS_APPROVED"
	ReasonDocsMissing                ReasonCode = "DOCS_MISSING"
	ReasonDocsInvalid                ReasonCode = "DOCS_INVALID"
	ReasonEvalsCompleted             ReasonCode = "EVALS_COMPLETED"
	ReasonAcademicExcellence         ReasonCode = "ACADEMIC_EXCELLENCE"
	ReasonSpecialConsideration       ReasonCode = "SPECIAL_CONSIDERATION"
	ReasonTransferStudent            ReasonCode = "TRANSFER_STUDENT"
	ReasonInterviewScheduled         ReasonCode = "INTERVIEW_SCHEDULED"
	ReasonInterviewPassed            ReasonCode = "INTERVIEW_PASSED"
	ReasonInterviewFailed            ReasonCode = "INTERVIEW_FAILED"
	ReasonInterviewNoShow            ReasonCode = "INTERVIEW_NO_SHOW"
	ReasonExamPassed                 ReasonCode = "EXAM_PASSED"
	ReasonExamFailed                 ReasonCode = "EXAM_FAILED"
	ReasonExamNoShow                 ReasonCode = "EXAM_NO_SHOW"
	ReasonExamBorderline             ReasonCode = "EXAM_BORDERLINE"
	ReasonCriteriaNotMet             ReasonCode = "CRITERIA_NOT_MET"
	ReasonNoSlotsAvailable           ReasonCode = "NO_SLOTS_AVAILABLE"
	ReasonSlotAvailable              ReasonCode = "SLOT_AVAILABLE"
	ReasonSlotOpened                 ReasonCode = "SLOT_OPENED"
	ReasonWaitlistExpired            ReasonCode = "WAITLIST_EXPIRED"
	ReasonEnrollmentConfirmed        ReasonCode = "ENROLLMENT_CONFIRMED"
	ReasonEnrollmentExpired          ReasonCode = "ENROLLMENT_EXPIRED"
	ReasonEnrollmentDeadlineExtended ReasonCode = "ENROLLMENT_DEADLINE_EXTENDED"
	ReasonAutoExpire                 ReasonCode = "AUTO_EXPIRE"
	ReasonAdminOverride              ReasonCode = "ADMIN_OVERRIDE"
	ReasonAdminReject                ReasonCode = "ADMIN_REJECT"
	ReasonPolicyViolation            ReasonCode = "POLICY_VIOLATION"
	ReasonDuplicateApplication       ReasonCode = "DUPLICATE_APPLICATION"
	ReasonDataCorrection             ReasonCode = "DATA_CORRECTION"
)

// TransitionType classifies the polarity of a reason code.
type TransitionType string

const (
	TransitionPositive TransitionType = "POSITIVE"
	TransitionNegative TransitionType = "NEGATIVE"
	TransitionNeutral  TransitionType = "NEUTRAL"
	TransitionBlocking TransitionType = "BLOCKING"
)

// ReasonInfo describes a reason code.
type ReasonInfo struct {
	Description string         `json:"description"`
	Type        TransitionType `json:"type"`
}

var reasonCodeOrder = []ReasonCode{
	ReasonFormSubmitted,
	ReasonDocsUploaded,
	ReasonDocsApproved,
	ReasonDocsMissing,
	ReasonDocsInvalid,
	ReasonEvalsCompleted,
	ReasonAcademicExcellence,
	ReasonSpecialConsideration,
	ReasonTransferStudent,
	ReasonInterviewScheduled,
	ReasonInterviewPassed,
	ReasonInterviewFailed,
	ReasonInterviewNoShow,
	ReasonExamPassed,
	ReasonExamFailed,
	ReasonExamNoShow,
	ReasonExamBorderline,
	ReasonCriteriaNotMet,
	ReasonNoSlotsAvailable,
	ReasonSlotAvailable,
	ReasonSlotOpened,
	ReasonWaitlistExpired,
	ReasonEnrollmentConfirmed,
	ReasonEnrollmentExpired,
	ReasonEnrollmentDeadlineExtended,
	ReasonAutoExpire,
	ReasonAdminOverride,
	ReasonAdminReject,
	ReasonPolicyViolation,
	ReasonDuplicateApplication,
	ReasonDataCorrection,
}

var reasonCodeInfo = map[ReasonCode]ReasonInfo{
	ReasonFormSubmitted:              {"Application form submitted", TransitionPositive},
	ReasonDocsUploaded:               {"Requested documents uploaded", TransitionPositive},
	ReasonDocsApproved:               {"Documents verified", TransitionPositive},
	ReasonDocsMissing:                {"Required documents missing", TransitionBlocking},
	ReasonDocsInvalid:                {"Submitted documents invalid", TransitionBlocking},
	ReasonEvalsCompleted:             {"Initial evaluation completed", TransitionPositive},
	ReasonAcademicExcellence:         {"Outstanding academic record", TransitionPositive},
	ReasonSpecialConsideration:       {"Special consideration granted", TransitionPositive},
	ReasonTransferStudent:            {"Transfer student track", TransitionNeutral},
	ReasonInterviewScheduled:         {"Interview arranged", TransitionNeutral},
	ReasonInterviewPassed:            {"Interview passed", TransitionPositive},
	ReasonInterviewFailed:            {"Interview failed", TransitionNegative},
	ReasonInterviewNoShow:            {"Applicant missed the interview", TransitionNegative},
	ReasonExamPassed:                 {"Entrance exam passed", TransitionPositive},
	ReasonExamFailed:                 {"Entrance exam failed", TransitionNegative},
	ReasonExamNoShow:                 {"Applicant missed the exam", TransitionNegative},
	ReasonExamBorderline:             {"Borderline exam result", TransitionNeutral},
	ReasonCriteriaNotMet:             {"Admission criteria not met", TransitionNegative},
	ReasonNoSlotsAvailable:           {"No seats available", TransitionNeutral},
	ReasonSlotAvailable:              {"Seat became available", TransitionPositive},
	ReasonSlotOpened:                 {"Additional seat opened", TransitionPositive},
	ReasonWaitlistExpired:            {"Waitlist period ended", TransitionNegative},
	ReasonEnrollmentConfirmed:        {"Enrollment confirmed", TransitionPositive},
	ReasonEnrollmentExpired:          {"Enrollment window closed", TransitionNegative},
	ReasonEnrollmentDeadlineExtended: {"Enrollment deadline extended", TransitionPositive},
	ReasonAutoExpire:                 {"Expired automatically", TransitionNegative},
	ReasonAdminOverride:              {"Administrative override", TransitionNeutral},
	ReasonAdminReject:                {"Rejected by administrator", TransitionNegative},
	ReasonPolicyViolation:            {"Admission policy violated", TransitionBlocking},
	ReasonDuplicateApplication:       {"Duplicate application", TransitionBlocking},
	ReasonDataCorrection:             {"Data correction", TransitionNeutral},
}

// ReasonCodes returns every reason code in declaration order.
func ReasonCodes() []ReasonCode {
	out := make([]ReasonCode, len(reasonCodeOrder))
	copy(out, reasonCodeOrder)
	return out
}

// ParseReasonCode validates a raw reason string.
func ParseReasonCode(raw string) (ReasonCode, error) {
	code := ReasonCode(raw)
	if !code.IsValid() {
		return "", fmt.Errorf("unknown reason code %q", raw)
	}
	return code, nil
}

func (r ReasonCode) IsValid() bool {
	_, ok := reasonCodeInfo[r]
	return ok
}

func (r ReasonCode) Info() ReasonInfo {
	return reasonCodeInfo[r]
}

func (r ReasonCode) Type() TransitionType {
	return reasonCodeInfo[r].Type
}

func (r ReasonCode) Description() string {
	return reasonCodeInfo[r].Description
}

func (r ReasonCode) IsPositive() bool { return r.Type() == TransitionPositive }
func (r ReasonCode) IsNegative() bool { return r.Type() == TransitionNegative }

// IsBlocking marks reasons that halt progress until someone acts.
func (r ReasonCode) IsBlocking() bool { return r.Type() == TransitionBlocking }

func (r ReasonCode) String() string {
	return string(r)
}

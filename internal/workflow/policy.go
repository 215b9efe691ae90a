// Package workflow holds the admission transition policy: which status moves
// are legal, for which reasons, and which reasons are reserved for
// administrators. The table is built once and never mutated, so a Policy is
// safe for concurrent use.
package workflow

import (
	"fmt"
	"sort"

	"github.com/noah-isme/sma-admission-api/internal/models"
	appErrors "github.com/noah-isme/sma-admission-api/pkg/errors"
)

// Direction describes how an edge moves an application through the lifecycle.
type Direction string

const (
	DirectionForward  Direction = "FORWARD"
	DirectionBackward Direction = "BACKWARD"
	DirectionLateral  Direction = "LATERAL"
	DirectionReopen   Direction = "REOPEN"
)

// Edge is one legal (from, to) move with its allowed reasons.
type Edge struct {
	From      models.AdmissionStatus `json:"from"`
	To        models.AdmissionStatus `json:"to"`
	Reasons   []models.ReasonCode    `json:"reasons"`
	Direction Direction              `json:"direction"`
}

type edgeRule struct {
	direction Direction
	reasons   map[models.ReasonCode]struct{}
	ordered   []models.ReasonCode
}

// Policy answers transition questions against an immutable adjacency table.
type Policy struct {
	edges       map[models.AdmissionStatus]map[models.AdmissionStatus]*edgeRule
	targets     map[models.AdmissionStatus][]models.AdmissionStatus
	roleGated   map[models.ReasonCode]struct{}
	adminRole   models.UserRole
	preferredTo map[models.AdmissionStatus]models.AdmissionStatus
}

// roleGatedReasons may only be used by the administrative role.
var roleGatedReasons = []models.ReasonCode{
	models.ReasonAdminOverride,
	models.ReasonAdminReject,
	models.ReasonPolicyViolation,
	models.ReasonDataCorrection,
	models.ReasonEnrollmentDeadlineExtended,
}

// defaultEdges lists targets per source in preference order; the first entry
// of each source is its preferred next state.
var defaultEdges = []Edge{
	{models.StatusDraft, models.StatusPending, []models.ReasonCode{models.ReasonFormSubmitted}, DirectionForward},

	{models.StatusPending, models.StatusUnderReview, []models.ReasonCode{models.ReasonDocsApproved, models.ReasonAdminOverride}, DirectionForward},
	{models.StatusPending, models.StatusDocumentsRequested, []models.ReasonCode{models.ReasonDocsMissing, models.ReasonDocsInvalid}, DirectionLateral},
	{models.StatusPending, models.StatusRejected, []models.ReasonCode{models.ReasonAdminReject, models.ReasonPolicyViolation, models.ReasonDuplicateApplication}, DirectionForward},

	{models.StatusDocumentsRequested, models.StatusPending, []models.ReasonCode{models.ReasonDocsUploaded}, DirectionBackward},
	{models.StatusDocumentsRequested, models.StatusExpired, []models.ReasonCode{models.ReasonAutoExpire}, DirectionForward},

	{models.StatusUnderReview, models.StatusInterviewScheduled, []models.ReasonCode{models.ReasonEvalsCompleted, models.ReasonAcademicExcellence}, DirectionForward},
	{models.StatusUnderReview, models.StatusExamScheduled, []models.ReasonCode{models.ReasonEvalsCompleted, models.ReasonSpecialConsideration, models.ReasonTransferStudent}, DirectionForward},
	{models.StatusUnderReview, models.StatusDocumentsRequested, []models.ReasonCode{models.ReasonDocsMissing, models.ReasonDocsInvalid}, DirectionBackward},
	{models.StatusUnderReview, models.StatusApproved, []models.ReasonCode{models.ReasonAdminOverride, models.ReasonAcademicExcellence}, DirectionForward},
	{models.StatusUnderReview, models.StatusRejected, []models.ReasonCode{models.ReasonCriteriaNotMet, models.ReasonAdminReject, models.ReasonPolicyViolation}, DirectionForward},

	{models.StatusInterviewScheduled, models.StatusExamScheduled, []models.ReasonCode{models.ReasonInterviewPassed, models.ReasonInterviewScheduled}, DirectionForward},
	{models.StatusInterviewScheduled, models.StatusApproved, []models.ReasonCode{models.ReasonInterviewPassed, models.ReasonAdminOverride, models.ReasonSpecialConsideration}, DirectionForward},
	{models.StatusInterviewScheduled, models.StatusRejected, []models.ReasonCode{models.ReasonInterviewFailed, models.ReasonInterviewNoShow, models.ReasonAdminReject}, DirectionForward},
	{models.StatusInterviewScheduled, models.StatusWaitlist, []models.ReasonCode{models.ReasonInterviewPassed, models.ReasonNoSlotsAvailable}, DirectionForward},

	{models.StatusExamScheduled, models.StatusApproved, []models.ReasonCode{models.ReasonExamPassed, models.ReasonAcademicExcellence, models.ReasonAdminOverride}, DirectionForward},
	{models.StatusExamScheduled, models.StatusRejected, []models.ReasonCode{models.ReasonExamFailed, models.ReasonExamNoShow, models.ReasonCriteriaNotMet, models.ReasonAdminReject}, DirectionForward},
	{models.StatusExamScheduled, models.StatusWaitlist, []models.ReasonCode{models.ReasonExamBorderline, models.ReasonNoSlotsAvailable, models.ReasonExamPassed}, DirectionForward},
	{models.StatusExamScheduled, models.StatusInterviewScheduled, []models.ReasonCode{models.ReasonExamBorderline, models.ReasonDataCorrection}, DirectionLateral},

	{models.StatusApproved, models.StatusEnrolled, []models.ReasonCode{models.ReasonEnrollmentConfirmed}, DirectionForward},
	{models.StatusApproved, models.StatusExpired, []models.ReasonCode{models.ReasonEnrollmentExpired, models.ReasonAutoExpire}, DirectionForward},
	{models.StatusApproved, models.StatusWaitlist, []models.ReasonCode{models.ReasonDataCorrection, models.ReasonAdminOverride}, DirectionBackward},

	{models.StatusWaitlist, models.StatusApproved, []models.ReasonCode{models.ReasonSlotAvailable, models.ReasonSlotOpened, models.ReasonAdminOverride}, DirectionForward},
	{models.StatusWaitlist, models.StatusExpired, []models.ReasonCode{models.ReasonWaitlistExpired, models.ReasonAutoExpire}, DirectionForward},

	{models.StatusRejected, models.StatusPending, []models.ReasonCode{models.ReasonAdminOverride, models.ReasonDataCorrection}, DirectionReopen},
	{models.StatusExpired, models.StatusPending, []models.ReasonCode{models.ReasonAdminOverride, models.ReasonEnrollmentDeadlineExtended}, DirectionReopen},
}

var defaultPolicy = New(defaultEdges, roleGatedReasons, models.RoleAdmin)

// Default returns the admission policy shared by the service.
func Default() *Policy {
	return defaultPolicy
}

// New builds a policy from an edge list. Reflexive edges and unknown values
// are programming errors and panic at construction.
func New(edges []Edge, gated []models.ReasonCode, adminRole models.UserRole) *Policy {
	p := &Policy{
		edges:       make(map[models.AdmissionStatus]map[models.AdmissionStatus]*edgeRule),
		targets:     make(map[models.AdmissionStatus][]models.AdmissionStatus),
		roleGated:   make(map[models.ReasonCode]struct{}, len(gated)),
		adminRole:   adminRole,
		preferredTo: make(map[models.AdmissionStatus]models.AdmissionStatus),
	}
	for _, e := range edges {
		if e.From == e.To {
			panic(fmt.Sprintf("workflow: reflexive edge on %s", e.From))
		}
		if !e.From.IsValid() || !e.To.IsValid() {
			panic(fmt.Sprintf("workflow: unknown status in edge %s -> %s", e.From, e.To))
		}
		row, ok := p.edges[e.From]
		if !ok {
			row = make(map[models.AdmissionStatus]*edgeRule)
			p.edges[e.From] = row
		}
		if _, dup := row[e.To]; dup {
			panic(fmt.Sprintf("workflow: duplicate edge %s -> %s", e.From, e.To))
		}
		rule := &edgeRule{
			direction: e.Direction,
			reasons:   make(map[models.ReasonCode]struct{}, len(e.Reasons)),
			ordered:   append([]models.ReasonCode(nil), e.Reasons...),
		}
		for _, r := range e.Reasons {
			if !r.IsValid() {
				panic(fmt.Sprintf("workflow: unknown reason %s", r))
			}
			rule.reasons[r] = struct{}{}
		}
		row[e.To] = rule
		p.targets[e.From] = append(p.targets[e.From], e.To)
		if _, ok := p.preferredTo[e.From]; !ok {
			p.preferredTo[e.From] = e.To
		}
	}
	for _, r := range gated {
		p.roleGated[r] = struct{}{}
	}
	return p
}

// IsValidTransition reports whether reason is registered for the from -> to edge.
func (p *Policy) IsValidTransition(from, to models.AdmissionStatus, reason models.ReasonCode) bool {
	if from == to {
		return false
	}
	rule, ok := p.edges[from][to]
	if !ok {
		return false
	}
	_, ok = rule.reasons[reason]
	return ok
}

// ValidateTransition checks the edge and the role gate. It returns a clone of
// ErrInvalidTransition or ErrTransitionForbidden with an explanation.
func (p *Policy) ValidateTransition(from, to models.AdmissionStatus, reason models.ReasonCode, actorRole models.UserRole) error {
	if from == to {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("application is already %s", from))
	}
	rule, ok := p.edges[from][to]
	if !ok {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot move from %s to %s", from, to))
	}
	if _, ok := rule.reasons[reason]; !ok {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("reason %s is not allowed for %s -> %s", reason, from, to))
	}
	if p.IsRoleGated(reason) && actorRole != p.adminRole {
		return appErrors.Clone(appErrors.ErrTransitionForbidden, fmt.Sprintf("reason %s requires role %s, caller has %s", reason, p.adminRole, actorRole))
	}
	return nil
}

// IsRoleGated reports whether reason is reserved for the administrative role.
func (p *Policy) IsRoleGated(reason models.ReasonCode) bool {
	_, ok := p.roleGated[reason]
	return ok
}

// AdminRole is the role that satisfies the gate.
func (p *Policy) AdminRole() models.UserRole {
	return p.adminRole
}

// ValidTargetStates lists the destinations reachable from a status.
func (p *Policy) ValidTargetStates(from models.AdmissionStatus) []models.AdmissionStatus {
	return append([]models.AdmissionStatus(nil), p.targets[from]...)
}

// ValidReasonCodes lists the reasons registered for an edge.
func (p *Policy) ValidReasonCodes(from, to models.AdmissionStatus) []models.ReasonCode {
	rule, ok := p.edges[from][to]
	if !ok {
		return nil
	}
	return append([]models.ReasonCode(nil), rule.ordered...)
}

// ValidReasonCodesForRole filters ValidReasonCodes down to what role may use.
func (p *Policy) ValidReasonCodesForRole(from, to models.AdmissionStatus, role models.UserRole) []models.ReasonCode {
	all := p.ValidReasonCodes(from, to)
	out := all[:0]
	for _, r := range all {
		if p.IsRoleGated(r) && role != p.adminRole {
			continue
		}
		out = append(out, r)
	}
	return out
}

// PreferredNextState is the happy-path successor. Terminal statuses have none
// even though administrators may reopen them.
func (p *Policy) PreferredNextState(from models.AdmissionStatus) (models.AdmissionStatus, bool) {
	if from.IsTerminal() {
		return "", false
	}
	to, ok := p.preferredTo[from]
	return to, ok
}

// PreferredReasonCode is the first reason registered for an edge.
func (p *Policy) PreferredReasonCode(from, to models.AdmissionStatus) (models.ReasonCode, bool) {
	rule, ok := p.edges[from][to]
	if !ok || len(rule.ordered) == 0 {
		return "", false
	}
	return rule.ordered[0], true
}

// Direction returns the tagged direction of an edge.
func (p *Policy) Direction(from, to models.AdmissionStatus) (Direction, bool) {
	rule, ok := p.edges[from][to]
	if !ok {
		return "", false
	}
	return rule.direction, true
}

// Edges returns the full table sorted by source then destination lifecycle order.
func (p *Policy) Edges() []Edge {
	order := make(map[models.AdmissionStatus]int)
	for i, s := range models.AdmissionStatuses() {
		order[s] = i
	}
	out := make([]Edge, 0, len(p.edges)*2)
	for from, row := range p.edges {
		for to, rule := range row {
			out = append(out, Edge{
				From:      from,
				To:        to,
				Reasons:   append([]models.ReasonCode(nil), rule.ordered...),
				Direction: rule.direction,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return order[out[i].From] < order[out[j].From]
		}
		return order[out[i].To] < order[out[j].To]
	})
	return out
}

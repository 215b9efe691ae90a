package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-admission-api/internal/dto"
	"github.com/noah-isme/sma-admission-api/internal/models"
	"github.com/noah-isme/sma-admission-api/internal/repository"
	"github.com/noah-isme/sma-admission-api/internal/workflow"
	appErrors "github.com/noah-isme/sma-admission-api/pkg/errors"
	"github.com/noah-isme/sma-admission-api/pkg/export"
)

type applicationStore interface {
	Create(ctx context.Context, app *models.Application) error
	GetByID(ctx context.Context, id string) (*models.Application, error)
	List(ctx context.Context, filter models.ApplicationFilter) ([]models.Application, error)
	Count(ctx context.Context, filter models.ApplicationFilter) (int, error)
	Exists(ctx context.Context, id string) (bool, error)
}

type transitionLedger interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*models.TransitionLogEntry, error)
	List(ctx context.Context, filter models.TransitionLogFilter) ([]models.TransitionLogEntry, error)
}

type transitionCommitter interface {
	Commit(ctx context.Context, commit repository.TransitionCommit) error
}

// Actor identifies who requested a transition and from where.
type Actor struct {
	UserID        string
	Role          models.UserRole
	IPAddress     string
	UserAgent     string
	CorrelationID string
}

// AdmissionService owns the application aggregate and its guarded transitions.
type AdmissionService struct {
	apps      applicationStore
	ledger    transitionLedger
	uow       transitionCommitter
	policy    *workflow.Policy
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger

	exchange      string
	historyLimit  int
	retryTimeout  time.Duration
	retryInterval time.Duration
	now           func() time.Time
}

// AdmissionServiceOption configures the service.
type AdmissionServiceOption func(*AdmissionService)

// WithAdmissionPolicy swaps the transition table.
func WithAdmissionPolicy(policy *workflow.Policy) AdmissionServiceOption {
	return func(s *AdmissionService) {
		if policy != nil {
			s.policy = policy
		}
	}
}

// WithAdmissionMetrics attaches instrumentation.
func WithAdmissionMetrics(metrics *MetricsService) AdmissionServiceOption {
	return func(s *AdmissionService) {
		s.metrics = metrics
	}
}

// WithAdmissionExchange sets the exchange stamped on emitted events.
func WithAdmissionExchange(exchange string) AdmissionServiceOption {
	return func(s *AdmissionService) {
		if exchange != "" {
			s.exchange = exchange
		}
	}
}

// WithAdmissionHistoryLimit caps ledger reads.
func WithAdmissionHistoryLimit(limit int) AdmissionServiceOption {
	return func(s *AdmissionService) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// WithConflictRetry tunes how long automated transitions retry on version conflicts.
func WithConflictRetry(timeout, initialInterval time.Duration) AdmissionServiceOption {
	return func(s *AdmissionService) {
		if timeout > 0 {
			s.retryTimeout = timeout
		}
		if initialInterval > 0 {
			s.retryInterval = initialInterval
		}
	}
}

// WithAdmissionClock overrides the time source.
func WithAdmissionClock(now func() time.Time) AdmissionServiceOption {
	return func(s *AdmissionService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewAdmissionService constructs the service with defaults.
func NewAdmissionService(apps applicationStore, ledger transitionLedger, uow transitionCommitter, validate *validator.Validate, logger *zap.Logger, opts ...AdmissionServiceOption) *AdmissionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AdmissionService{
		apps:          apps,
		ledger:        ledger,
		uow:           uow,
		policy:        workflow.Default(),
		validator:     validate,
		logger:        logger,
		exchange:      "admissions",
		historyLimit:  200,
		retryTimeout:  5 * time.Second,
		retryInterval: 50 * time.Millisecond,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	svc.validator.RegisterValidation("admission_status", func(fl validator.FieldLevel) bool {
		return models.AdmissionStatus(fl.Field().String()).IsValid()
	})
	svc.validator.RegisterValidation("reason_code", func(fl validator.FieldLevel) bool {
		return models.ReasonCode(fl.Field().String()).IsValid()
	})
	return svc
}

// Policy exposes the transition table in use.
func (s *AdmissionService) Policy() *workflow.Policy {
	return s.policy
}

// CreateApplication opens a DRAFT application for an applicant.
func (s *AdmissionService) CreateApplication(ctx context.Context, req dto.CreateApplicationRequest) (*models.Application, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	app := models.NewApplication(uuid.NewString(), req.ApplicantID, s.now())
	if err := s.apps.Create(ctx, app); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create application")
	}
	s.logger.Info("application created", zap.String("application_id", app.ID), zap.String("applicant_id", app.ApplicantID))
	return app, nil
}

// GetApplication loads one application.
func (s *AdmissionService) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	app, err := s.apps.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "application not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load application")
	}
	return app, nil
}

// ListApplications returns a page of applications.
func (s *AdmissionService) ListApplications(ctx context.Context, query dto.ApplicationQuery) ([]models.Application, *models.Pagination, error) {
	page := query.Page
	if page <= 0 {
		page = 1
	}
	size := query.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	filter := models.ApplicationFilter{
		Status:      query.Status,
		ApplicantID: query.ApplicantID,
		Limit:       size,
		Offset:      (page - 1) * size,
	}
	apps, err := s.apps.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list applications")
	}
	total, err := s.apps.Count(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count applications")
	}
	return apps, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// RequestTransition validates and commits a user requested state change.
// Replaying an idempotency key returns the originally recorded transition.
func (s *AdmissionService) RequestTransition(ctx context.Context, applicationID string, req dto.TransitionRequest, actor Actor) (*dto.TransitionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		s.metrics.RecordTransitionRejected(appErrors.ErrValidation.Code)
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	to := models.AdmissionStatus(req.ToState)
	reason := models.ReasonCode(req.ReasonCode)

	if req.IdempotencyKey != "" {
		replay, err := s.replay(ctx, applicationID, req.IdempotencyKey)
		if err != nil || replay != nil {
			return replay, err
		}
	}

	app, err := s.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != app.Version {
		s.metrics.RecordTransitionRejected(appErrors.ErrConcurrencyConflict.Code)
		return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict,
			fmt.Sprintf("application is at version %d, expected %d", app.Version, *req.ExpectedVersion))
	}

	tc := models.TransitionContext{
		Comment:        req.Comment,
		IdempotencyKey: req.IdempotencyKey,
		TransitionData: models.JSONMap(req.TransitionData),
		IPAddress:      actor.IPAddress,
		UserAgent:      actor.UserAgent,
	}
	result, err := s.apply(ctx, app, to, reason, actor, func(from models.AdmissionStatus, at time.Time) *models.TransitionLogEntry {
		return models.NewTransitionLogEntry(app.ID, from, to, reason, actor.UserID, actor.Role, tc, at)
	})
	if err != nil && req.IdempotencyKey != "" {
		// a concurrent request with the same key may have committed first
		replay, replayErr := s.replay(ctx, applicationID, req.IdempotencyKey)
		switch {
		case replay != nil:
			return replay, nil
		case errors.Is(replayErr, appErrors.ErrIdempotencyKeyReused):
			return nil, replayErr
		case errors.Is(err, repository.ErrDuplicateIdempotencyKey):
			return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "idempotency key is being used by a concurrent request")
		}
	}
	return result, err
}

// RequestAutomatedTransition commits a system driven change, re-reading and
// retrying with backoff while concurrent writers win the version race.
func (s *AdmissionService) RequestAutomatedTransition(ctx context.Context, applicationID string, to models.AdmissionStatus, reason models.ReasonCode, data models.JSONMap) (*dto.TransitionResponse, error) {
	actor := Actor{UserID: models.SystemActorID, Role: models.RoleSystem}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInterval
	bo.MaxElapsedTime = s.retryTimeout

	var result *dto.TransitionResponse
	attempt := 0
	op := func() error {
		attempt++
		app, err := s.GetApplication(ctx, applicationID)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := s.apply(ctx, app, to, reason, actor, func(from models.AdmissionStatus, at time.Time) *models.TransitionLogEntry {
			return models.NewAutomatedTransitionLogEntry(app.ID, from, to, reason, data, at)
		})
		if err != nil {
			if errors.Is(err, appErrors.ErrConcurrencyConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("retrying automated transition", zap.String("application_id", applicationID), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return result, nil
}

// apply runs the policy check and commits aggregate, ledger row and event together.
func (s *AdmissionService) apply(ctx context.Context, app *models.Application, to models.AdmissionStatus, reason models.ReasonCode, actor Actor, newEntry func(models.AdmissionStatus, time.Time) *models.TransitionLogEntry) (*dto.TransitionResponse, error) {
	if err := s.policy.ValidateTransition(app.Status, to, reason, actor.Role); err != nil {
		s.metrics.RecordTransitionRejected(appErrors.FromError(err).Code)
		s.logger.Info("transition refused",
			zap.String("application_id", app.ID),
			zap.String("from", string(app.Status)),
			zap.String("to", string(to)),
			zap.String("reason", string(reason)),
			zap.String("actor_role", string(actor.Role)),
			zap.Error(err))
		return nil, err
	}

	now := s.now()
	expected := app.Version
	next := *app
	from := next.Advance(to, now)
	entry := newEntry(from, now)
	event := models.NewApplicationStatusChangedEvent(entry, s.exchange, actor.CorrelationID)

	err := s.uow.Commit(ctx, repository.TransitionCommit{
		Application:     &next,
		ExpectedVersion: expected,
		Entry:           entry,
		Events:          []*models.OutboxEvent{event},
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrVersionConflict):
			s.metrics.RecordTransitionRejected(appErrors.ErrConcurrencyConflict.Code)
			return nil, appErrors.Clone(appErrors.ErrConcurrencyConflict, "")
		case errors.Is(err, repository.ErrDuplicateIdempotencyKey):
			return nil, err
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit transition")
		}
	}

	s.metrics.RecordTransition(from, to, reason)
	s.logger.Info("transition committed",
		zap.String("application_id", next.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", string(reason)),
		zap.String("actor_user_id", actor.UserID),
		zap.Int64("version", next.Version),
		zap.String("event_id", event.ID))
	return &dto.TransitionResponse{Application: &next, Transition: entry}, nil
}

func (s *AdmissionService) replay(ctx context.Context, applicationID, key string) (*dto.TransitionResponse, error) {
	existing, err := s.ledger.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check idempotency key")
	}
	if existing == nil {
		return nil, nil
	}
	if existing.ApplicationID != applicationID {
		s.metrics.RecordTransitionRejected(appErrors.ErrIdempotencyKeyReused.Code)
		return nil, appErrors.ErrIdempotencyKeyReused
	}
	app, err := s.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return &dto.TransitionResponse{Application: app, Transition: existing, Replayed: true}, nil
}

// History returns the ledger of an application, oldest first, narrowed by
// the actor, reason and paging fields of filter.
func (s *AdmissionService) History(ctx context.Context, applicationID string, filter models.TransitionLogFilter) ([]models.TransitionLogEntry, error) {
	exists, err := s.apps.Exists(ctx, applicationID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load application")
	}
	if !exists {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "application not found")
	}
	filter.ApplicationID = applicationID
	if filter.Limit <= 0 || filter.Limit > s.historyLimit {
		filter.Limit = s.historyLimit
	}
	entries, err := s.ledger.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load transition history")
	}
	return entries, nil
}

// TransitionOptions lists reachable states and the reasons role may use for each.
func (s *AdmissionService) TransitionOptions(ctx context.Context, applicationID string, role models.UserRole) (*dto.TransitionOptionsResponse, error) {
	app, err := s.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	resp := &dto.TransitionOptionsResponse{
		ApplicationID: app.ID,
		CurrentState:  app.Status,
		Version:       app.Version,
		Options:       []dto.TransitionOption{},
	}
	if next, ok := s.policy.PreferredNextState(app.Status); ok {
		resp.PreferredNextState = &next
	}
	for _, target := range s.policy.ValidTargetStates(app.Status) {
		reasons := s.policy.ValidReasonCodesForRole(app.Status, target, role)
		if len(reasons) == 0 {
			continue
		}
		option := dto.TransitionOption{ToState: target, ReasonCodes: reasons}
		if dir, ok := s.policy.Direction(app.Status, target); ok {
			option.Direction = string(dir)
		}
		if preferred, ok := s.policy.PreferredReasonCode(app.Status, target); ok {
			for _, r := range reasons {
				if r == preferred {
					option.PreferredReason = preferred
					break
				}
			}
		}
		resp.Options = append(resp.Options, option)
	}
	return resp, nil
}

// ExportHistory renders the ledger of an application for auditors.
func (s *AdmissionService) ExportHistory(ctx context.Context, applicationID string, format export.Format) ([]byte, error) {
	entries, err := s.History(ctx, applicationID, models.TransitionLogFilter{})
	if err != nil {
		return nil, err
	}
	data := export.Dataset{
		Title:    "Admission transition history",
		Subtitle: fmt.Sprintf("Application %s", applicationID),
		Headers:  []string{"Timestamp", "From", "To", "Reason", "Actor", "Role", "Automated", "Comment"},
		Rows:     make([]map[string]string, 0, len(entries)),
	}
	for _, e := range entries {
		comment := ""
		if e.Comment != nil {
			comment = *e.Comment
		}
		automated := "no"
		if e.Automated {
			automated = "yes"
		}
		data.Rows = append(data.Rows, map[string]string{
			"Timestamp": e.CreatedAt.UTC().Format(time.RFC3339),
			"From":      string(e.FromState),
			"To":        string(e.ToState),
			"Reason":    string(e.ReasonCode),
			"Actor":     e.ActorUserID,
			"Role":      string(e.ActorRole),
			"Automated": automated,
			"Comment":   comment,
		})
	}
	body, err := export.Render(format, data)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	return body, nil
}

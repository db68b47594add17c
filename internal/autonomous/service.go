// Package autonomous runs open-ended sessions that repeat evaluate, plan,
// execute and observe against a goal. Every loop invocation is bounded by
// the iteration cap and a wall-clock budget.
package autonomous

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/metrics"
	"agentflow/internal/queue"
	"agentflow/internal/store"
	"agentflow/internal/tools"
	"agentflow/internal/worker"
)

const (
	KindSession = "autonomous_session"

	DefaultMaxIterations    = 20
	DefaultMaxIterationsCap = 100
	DefaultRunBudget        = 5 * time.Minute
	DefaultPhaseTimeout     = 5 * time.Minute
	observationWindow       = 20
)

type Store interface {
	CreateSession(ctx context.Context, s domain.AutonomousSession) error
	GetSession(ctx context.Context, id string) (domain.AutonomousSession, error)
	ListSessions(ctx context.Context, owner string) ([]domain.AutonomousSession, error)
	UpdateSessionSettings(ctx context.Context, id, name, goal string, maxIterations int, at time.Time) error
	TransitionSession(ctx context.Context, id string, to domain.SessionStatus, lastError string, at time.Time, from ...domain.SessionStatus) error
	SaveSessionProgress(ctx context.Context, s domain.AutonomousSession, iteration int) error
	DeleteSession(ctx context.Context, id string) error
	SaveIteration(ctx context.Context, it domain.AutonomousIteration) error
	ListIterations(ctx context.Context, sessionID string) ([]domain.AutonomousIteration, error)
	AddObservation(ctx context.Context, o domain.AutonomousObservation) error
	ListObservations(ctx context.Context, sessionID string, limit int) ([]domain.AutonomousObservation, error)
}

type Queue interface {
	Get(ctx context.Context, id string) (queue.Job, error)
	Enqueue(ctx context.Context, j queue.Job, opts queue.Options) error
	Remove(ctx context.Context, id string) error
}

type Config struct {
	DefaultMaxIterations int
	MaxIterationsCap     int
	RunBudget            time.Duration
	PhaseTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = DefaultMaxIterations
	}
	if c.MaxIterationsCap <= 0 {
		c.MaxIterationsCap = DefaultMaxIterationsCap
	}
	if c.RunBudget <= 0 {
		c.RunBudget = DefaultRunBudget
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = DefaultPhaseTimeout
	}
	return c
}

type Service struct {
	store   Store
	queue   Queue
	engine  engine.Engine
	tools   *tools.Registry
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
	log     zerolog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithTools sets the registry actions execute with.
func WithTools(r *tools.Registry) Option { return func(s *Service) { s.tools = r } }

func NewService(st Store, q Queue, eng engine.Engine, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  st,
		queue:  q,
		engine: eng,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		log:    log.With().Str("component", "autonomous").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Register(p *worker.Pool) {
	p.Handle(KindSession, s.HandleSession)
}

func sessionJobID(id string) string { return "session:" + id }

type CreateInput struct {
	Name          string `json:"name"`
	Goal          string `json:"goal"`
	MaxIterations *int   `json:"max_iterations,omitempty"`
}

type UpdateInput struct {
	Name          *string `json:"name,omitempty"`
	Goal          *string `json:"goal,omitempty"`
	MaxIterations *int    `json:"max_iterations,omitempty"`
}

func (s *Service) validateMax(verr *domain.ValidationError, n int) {
	if n < 1 || n > s.cfg.MaxIterationsCap {
		verr.Add("max_iterations", fmt.Sprintf("must be between 1 and %d", s.cfg.MaxIterationsCap))
	}
}

// Create stores a session in planning and queues its first loop run.
func (s *Service) Create(ctx context.Context, owner string, in CreateInput) (domain.AutonomousSession, error) {
	verr := domain.NewValidationError()
	goal := strings.TrimSpace(in.Goal)
	if goal == "" {
		verr.Add("goal", "is required")
	}
	maxIter := s.cfg.DefaultMaxIterations
	if in.MaxIterations != nil {
		maxIter = *in.MaxIterations
		s.validateMax(verr, maxIter)
	}
	if err := verr.OrNil(); err != nil {
		return domain.AutonomousSession{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = clip(goal, 60)
	}

	now := s.now().UTC()
	sess := domain.AutonomousSession{
		ID:             uuid.NewString(),
		Owner:          owner,
		Name:           name,
		Goal:           goal,
		Status:         domain.SessionPlanning,
		MaxIterations:  maxIter,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: &now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return domain.AutonomousSession{}, fmt.Errorf("create session: %w", err)
	}
	if err := s.enqueue(ctx, sess.ID); err != nil {
		// No job means no loop; do not leave a session that never runs.
		if derr := s.store.DeleteSession(ctx, sess.ID); derr != nil {
			s.log.Error().Err(derr).Str("session_id", sess.ID).Msg("delete unqueued session")
		}
		return domain.AutonomousSession{}, err
	}
	s.log.Info().Str("session_id", sess.ID).Int("max_iterations", maxIter).Msg("session created")
	return sess, nil
}

func (s *Service) Get(ctx context.Context, owner, id string) (domain.AutonomousSession, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return domain.AutonomousSession{}, err
	}
	if sess.Owner != owner {
		return domain.AutonomousSession{}, domain.ErrNotFound
	}
	return sess, nil
}

func (s *Service) List(ctx context.Context, owner string) ([]domain.AutonomousSession, error) {
	return s.store.ListSessions(ctx, owner)
}

func (s *Service) Update(ctx context.Context, owner, id string, in UpdateInput) (domain.AutonomousSession, error) {
	sess, err := s.Get(ctx, owner, id)
	if err != nil {
		return domain.AutonomousSession{}, err
	}
	verr := domain.NewValidationError()
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		verr.Add("name", "must not be empty")
	}
	if in.Goal != nil && strings.TrimSpace(*in.Goal) == "" {
		verr.Add("goal", "must not be empty")
	}
	if in.MaxIterations != nil {
		s.validateMax(verr, *in.MaxIterations)
	}
	if err := verr.OrNil(); err != nil {
		return domain.AutonomousSession{}, err
	}

	if in.Name != nil {
		sess.Name = strings.TrimSpace(*in.Name)
	}
	if in.Goal != nil {
		sess.Goal = strings.TrimSpace(*in.Goal)
	}
	if in.MaxIterations != nil {
		sess.MaxIterations = *in.MaxIterations
	}
	if err := s.store.UpdateSessionSettings(ctx, id, sess.Name, sess.Goal, sess.MaxIterations, s.now().UTC()); err != nil {
		return domain.AutonomousSession{}, fmt.Errorf("update session: %w", err)
	}
	return s.store.GetSession(ctx, id)
}

func (s *Service) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}
	if err := s.queue.Remove(ctx, sessionJobID(id)); err != nil {
		return fmt.Errorf("remove session job: %w", err)
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.log.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

// Continue resumes a session. Feedback is recorded before anything else so
// the next evaluation sees it. Completed and failed sessions are rejected.
// A paused session goes back to executing; an active one is only requeued
// when no loop job is waiting or running for it.
func (s *Service) Continue(ctx context.Context, owner, id, feedback string) (domain.AutonomousSession, error) {
	sess, err := s.Get(ctx, owner, id)
	if err != nil {
		return domain.AutonomousSession{}, err
	}
	if sess.Status.IsTerminal() {
		return domain.AutonomousSession{}, &domain.StateError{Entity: "session", ID: id, Status: string(sess.Status), Op: "continue"}
	}

	if fb := strings.TrimSpace(feedback); fb != "" {
		if err := s.observe(ctx, sess.ID, "", domain.ObservationUserIntervention, fb, nil); err != nil {
			return domain.AutonomousSession{}, err
		}
	}

	resume := sess.Status == domain.SessionPaused
	if resume {
		err := s.store.TransitionSession(ctx, id, domain.SessionExecuting, "", s.now().UTC(), domain.SessionPaused)
		if err != nil {
			return domain.AutonomousSession{}, s.conflict(ctx, id, "continue", err)
		}
	} else if resume, err = s.idle(ctx, id); err != nil {
		return domain.AutonomousSession{}, err
	}
	if resume {
		if err := s.enqueue(ctx, id); err != nil {
			return domain.AutonomousSession{}, err
		}
	}
	s.log.Info().Str("session_id", id).Bool("feedback", feedback != "").Bool("requeued", resume).Msg("session continued")
	return s.store.GetSession(ctx, id)
}

// idle reports whether the session has no loop job waiting or running.
func (s *Service) idle(ctx context.Context, id string) (bool, error) {
	job, err := s.queue.Get(ctx, sessionJobID(id))
	if errors.Is(err, queue.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get session job: %w", err)
	}
	return job.State.IsTerminal(), nil
}

// Cancel fails a planning or executing session. An in-flight phase
// finishes and its outcome is ignored.
func (s *Service) Cancel(ctx context.Context, owner, id string) (domain.AutonomousSession, error) {
	sess, err := s.Get(ctx, owner, id)
	if err != nil {
		return domain.AutonomousSession{}, err
	}
	if !sess.Status.IsActive() {
		return domain.AutonomousSession{}, &domain.StateError{Entity: "session", ID: id, Status: string(sess.Status), Op: "cancel"}
	}
	if err := s.queue.Remove(ctx, sessionJobID(id)); err != nil {
		return domain.AutonomousSession{}, fmt.Errorf("remove session job: %w", err)
	}

	err = s.store.TransitionSession(ctx, id, domain.SessionFailed, domain.CancelledByUser, s.now().UTC(),
		domain.SessionPlanning, domain.SessionExecuting)
	if err != nil {
		return domain.AutonomousSession{}, s.conflict(ctx, id, "cancel", err)
	}
	if err := s.observe(ctx, id, "", domain.ObservationUserIntervention, domain.CancelledByUser, nil); err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("record cancellation")
	}
	s.log.Info().Str("session_id", id).Msg("session cancelled")
	return s.store.GetSession(ctx, id)
}

func (s *Service) ListIterations(ctx context.Context, owner, id string) ([]domain.AutonomousIteration, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return s.store.ListIterations(ctx, id)
}

// ListObservations returns the most recent limit observations, oldest first.
func (s *Service) ListObservations(ctx context.Context, owner, id string, limit int) ([]domain.AutonomousObservation, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return s.store.ListObservations(ctx, id, limit)
}

// conflict turns a stale conditional write into a StateError carrying the
// status that won.
func (s *Service) conflict(ctx context.Context, id, op string, err error) error {
	if !errors.Is(err, store.ErrStale) {
		return fmt.Errorf("%s session: %w", op, err)
	}
	cur, gerr := s.store.GetSession(ctx, id)
	if gerr != nil {
		return gerr
	}
	return &domain.StateError{Entity: "session", ID: id, Status: string(cur.Status), Op: op}
}

func (s *Service) enqueue(ctx context.Context, id string) error {
	if err := s.queue.Enqueue(ctx, queue.Job{ID: sessionJobID(id), Kind: KindSession, Ref: id}, queue.Options{}); err != nil {
		return fmt.Errorf("enqueue session run: %w", err)
	}
	return nil
}

func (s *Service) observe(ctx context.Context, sessionID, iterationID string, typ domain.ObservationType, content string, meta map[string]any) error {
	err := s.store.AddObservation(ctx, domain.AutonomousObservation{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		IterationID: iterationID,
		Type:        typ,
		Content:     content,
		Metadata:    meta,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("add observation: %w", err)
	}
	return nil
}

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

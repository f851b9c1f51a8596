package manual

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Config tunes session expiry.
type Config struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Listener is notified after a session reaches a terminal state.
type Listener func(Session)

// Manager owns every manual session and the per-package slot counts.
type Manager struct {
	catalog  submission.Catalog
	packages submission.Packages
	ids      submission.IDGenerator
	clock    submission.Clock
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	active    map[string]int
	listeners []Listener
}

// NewManager constructs a Manager. IdleTimeout defaults to 30 minutes.
func NewManager(
	catalog submission.Catalog,
	packages submission.Packages,
	ids submission.IDGenerator,
	clock submission.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		catalog:  catalog,
		packages: packages,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		active:   make(map[string]int),
	}
}

// OnClose registers a listener for completed, expired, and cancelled sessions.
func (m *Manager) OnClose(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Open reserves a slot for the request's package and starts a session.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (Session, error) {
	policy, err := m.packages.Lookup(req.Package)
	if err != nil {
		return Session{}, err
	}
	if policy.ManualSessions <= 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrManualNotAllowed, policy.Name)
	}
	if _, err := m.catalog.GetDirectory(ctx, req.DirectoryID); err != nil {
		return Session{}, fmt.Errorf("open session: %w", err)
	}
	id, err := m.ids.NewID()
	if err != nil {
		return Session{}, fmt.Errorf("open session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[policy.Name] >= policy.ManualSessions {
		return Session{}, fmt.Errorf("%w: %s allows %d", ErrCapacityExceeded, policy.Name, policy.ManualSessions)
	}
	now := m.clock.Now()
	s := &Session{
		ID:            id,
		DirectoryID:   req.DirectoryID,
		JobID:         req.JobID,
		Package:       policy.Name,
		Profile:       req.Profile,
		Status:        StatusCreated,
		Assignments:   make(map[submission.CanonicalField]Assignment),
		FormSignature: req.FormSignature,
		CreatedAt:     now,
		LastActivity:  now,
	}
	m.active[policy.Name]++
	s.Status = StatusActive
	m.sessions[id] = s
	m.logger.Info("manual session opened",
		zap.String("session_id", id),
		zap.String("directory_id", req.DirectoryID),
		zap.String("job_id", req.JobID),
		zap.String("package", policy.Name),
	)
	return s.Clone(), nil
}

// Assign records field selectors, overwriting earlier assignments per field.
func (m *Manager) Assign(_ context.Context, id string, assignments []Assignment) (Session, error) {
	for _, a := range assignments {
		if err := validateAssignment(a); err != nil {
			return Session{}, err
		}
	}
	m.mu.Lock()
	s, closed, err := m.activeSession(id)
	if err != nil {
		m.mu.Unlock()
		m.notify(closed)
		return Session{}, err
	}
	for _, a := range assignments {
		a.Selector = strings.TrimSpace(a.Selector)
		s.Assignments[a.Field] = a
	}
	s.LastActivity = m.clock.Now()
	out := s.Clone()
	m.mu.Unlock()
	return out, nil
}

// Complete persists the assignments as a verified mapping and closes the session.
func (m *Manager) Complete(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	s, closed, err := m.activeSession(id)
	if err != nil {
		m.mu.Unlock()
		m.notify(closed)
		return Session{}, err
	}
	for _, field := range submission.RequiredFields {
		if _, ok := s.Assignments[field]; !ok {
			m.mu.Unlock()
			return Session{}, fmt.Errorf("%w: %s", ErrIncompleteMapping, field)
		}
	}
	if err := m.catalog.UpsertMapping(ctx, s.DirectoryID, s.Mapping(), submission.VerificationVerified); err != nil {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("complete session %s: %w", id, err)
	}
	m.closeLocked(s, StatusCompleted)
	out := s.Clone()
	m.mu.Unlock()

	m.logger.Info("manual session completed",
		zap.String("session_id", id),
		zap.String("directory_id", out.DirectoryID),
		zap.Int("fields", len(out.Assignments)),
	)
	m.notify([]Session{out})
	return out, nil
}

// Submit assigns then completes in one step.
func (m *Manager) Submit(ctx context.Context, id string, assignments []Assignment) (Session, error) {
	if _, err := m.Assign(ctx, id, assignments); err != nil {
		return Session{}, err
	}
	return m.Complete(ctx, id)
}

// Cancel abandons a session without persisting anything.
func (m *Manager) Cancel(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	s, closed, err := m.activeSession(id)
	if err != nil {
		m.mu.Unlock()
		m.notify(closed)
		return Session{}, err
	}
	m.closeLocked(s, StatusCancelled)
	out := s.Clone()
	m.mu.Unlock()
	m.notify([]Session{out})
	return out, nil
}

// Get returns a session snapshot. An idle session is expired before it is returned.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var closed []Session
	if m.expireIfIdleLocked(s, m.clock.Now()) {
		closed = append(closed, s.Clone())
	}
	out := s.Clone()
	m.mu.Unlock()
	m.notify(closed)
	return out, nil
}

// List returns every session, newest first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sortNewestFirst(out)
	return out
}

// Active returns the number of open sessions across packages.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.active {
		total += n
	}
	return total
}

// ActiveFor returns the number of open sessions for one package.
func (m *Manager) ActiveFor(pkg string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[strings.ToLower(pkg)]
}

// Sweep expires sessions idle longer than the timeout and returns how many closed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var closed []Session
	for _, s := range m.sessions {
		if m.expireIfIdleLocked(s, now) {
			closed = append(closed, s.Clone())
		}
	}
	m.mu.Unlock()
	m.notify(closed)
	return len(closed)
}

// Run sweeps on an interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(m.clock.Now()); n > 0 {
				m.logger.Info("manual sessions expired", zap.Int("count", n))
			}
		}
	}
}

// activeSession fetches a session that can still be modified. When the session
// turns out to be idle it is expired and returned in closed for notification.
func (m *Manager) activeSession(id string) (*Session, []Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if m.expireIfIdleLocked(s, m.clock.Now()) {
		return nil, []Session{s.Clone()}, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	switch s.Status {
	case StatusActive:
		return s, nil, nil
	case StatusExpired:
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	default:
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, id, s.Status)
	}
}

func (m *Manager) expireIfIdleLocked(s *Session, now time.Time) bool {
	if s.Status.Terminal() || now.Sub(s.LastActivity) <= m.cfg.IdleTimeout {
		return false
	}
	s.Assignments = make(map[submission.CanonicalField]Assignment)
	m.closeLocked(s, StatusExpired)
	m.logger.Info("manual session expired",
		zap.String("session_id", s.ID),
		zap.String("directory_id", s.DirectoryID),
	)
	return true
}

func (m *Manager) closeLocked(s *Session, status Status) {
	s.Status = status
	s.ClosedAt = submission.PointerTime(m.clock.Now())
	if m.active[s.Package] > 0 {
		m.active[s.Package]--
	}
}

func (m *Manager) notify(closed []Session) {
	if len(closed) == 0 {
		return
	}
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, s := range closed {
		for _, fn := range listeners {
			fn(s)
		}
	}
}

func validateAssignment(a Assignment) error {
	if strings.TrimSpace(a.Selector) == "" {
		return fmt.Errorf("%w: empty selector for %s", ErrInvalidAssignment, a.Field)
	}
	for _, field := range submission.CanonicalFields {
		if a.Field == field {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown field %q", ErrInvalidAssignment, a.Field)
}

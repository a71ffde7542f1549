// Package sessions owns the pool of sandbox sessions: creation, reuse by
// conversation, activity tracking, policy-driven expiry and cleanup. The
// executors themselves live in internal/sandbox; this package decides when
// they start and stop.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turnstonelabs/turnstone/internal/observability"
	"github.com/turnstonelabs/turnstone/internal/sandbox"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// sweepInterval is how often the background sweeper evaluates expiry.
const sweepInterval = 60 * time.Second

// ErrSessionLimit is returned when the pool is full and every session is
// Active or still being created, so nothing can be evicted.
var ErrSessionLimit = errors.New("session limit reached")

var errStopped = errors.New("session manager is stopped")

// ExecutorFactory builds a sandbox executor for one session. Injected in
// tests; production uses sandbox.New.
type ExecutorFactory func(cfg sandbox.Config) (sandbox.Executor, error)

// Result is the outcome of GetOrCreate. Previous and Message are set only
// when the conversation had an earlier session that was cleaned up.
type Result struct {
	Session     models.SessionInfo     `json:"session"`
	IsNew       bool                   `json:"is_new"`
	IsRecreated bool                   `json:"is_recreated,omitempty"`
	Previous    *models.SessionHistory `json:"previous_state,omitempty"`
	Message     string                 `json:"message,omitempty"`
}

// session is the live pool record. info and removed are guarded by
// Manager.mu; exec, mode and ready are immutable after creation.
type session struct {
	info    models.SessionInfo
	exec    sandbox.Executor
	mode    string
	removed bool

	// ready is closed when creation finalises, successfully or not.
	// Concurrent GetOrCreate calls that observe the Creating placeholder
	// wait on it instead of starting a second executor.
	ready chan struct{}
}

// Manager is the process-wide sandbox session pool.
type Manager struct {
	policy   Policy
	template sandbox.Config
	factory  ExecutorFactory
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	// Test seams for orphan reclamation; default to the sandbox package.
	listOrphans  func(ctx context.Context, maxAge time.Duration) ([]string, error)
	removeOrphan func(ctx context.Context, name string) error

	mu       sync.Mutex
	sessions map[string]*session
	byConv   map[string]string
	history  map[string]*models.SessionHistory
	running  bool
	stopped  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option adjusts Manager construction.
type Option func(*Manager)

// WithMetrics reports session starts, cleanups and lifetimes.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithNow overrides the clock used for activity and expiry.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithFactory overrides how executors are built.
func WithFactory(f ExecutorFactory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

// New builds a Manager. template is the sandbox configuration used when
// GetOrCreate is called without an override. The sweeper does not run until
// Start.
func New(policy Policy, template sandbox.Config, logger *observability.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	m := &Manager{
		policy:       policy.normalized(),
		template:     template,
		logger:       logger,
		now:          time.Now,
		listOrphans:  sandbox.ListOrphanedContainers,
		removeOrphan: sandbox.RemoveContainer,
		sessions:     map[string]*session{},
		byConv:       map[string]string{},
		history:      map[string]*models.SessionHistory{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = func(cfg sandbox.Config) (sandbox.Executor, error) {
			return sandbox.New(cfg, logger)
		}
	}
	return m
}

// Start launches the expiry sweeper. Calling Start twice, or after Stop, is
// a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run()
}

func (m *Manager) run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

// Stop halts the sweeper, cleans up every session with the given reason and
// rejects further GetOrCreate calls.
func (m *Manager) Stop(ctx context.Context, reason models.CleanupReason) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	running := m.running
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	if running {
		close(stopCh)
		<-doneCh
	}
	m.CleanupAll(ctx, reason)
}

// GetOrCreate returns a live session for the conversation, creating one if
// needed. All arguments are optional; cfg overrides the manager's sandbox
// template for this session only.
//
// The pool mutex is never held across executor start or stop: capacity is
// enforced and a Creating placeholder committed first, then the executor is
// started, then the placeholder is finalised. A concurrent call for the same
// conversation that observes the placeholder waits for it to finalise and
// reuses the resulting session rather than starting a second executor.
func (m *Manager) GetOrCreate(ctx context.Context, userID, conversationID string, cfg *sandbox.Config) (*Result, error) {
	m.mu.Lock()
	for {
		if m.stopped {
			m.mu.Unlock()
			return nil, errStopped
		}
		if conversationID == "" || !m.policy.AllowSessionReuse {
			break
		}
		s, ok := m.sessions[m.byConv[conversationID]]
		if !ok {
			break
		}
		if s.info.State == models.SessionActive || s.info.State == models.SessionIdle {
			m.touchLocked(s)
			res := &Result{Session: copyInfo(s.info)}
			m.mu.Unlock()
			m.logger.Debug(ctx, "sandbox session reused",
				"session_id", s.info.SessionID, "conversation_id", conversationID)
			return res, nil
		}
		if s.info.State != models.SessionCreating {
			break
		}
		// Another call is mid-creation for this conversation. Wait for it
		// to finalise, then re-check the pool: the usual outcome is a reuse
		// of the session it built.
		ready := s.ready
		m.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}

	victims, err := m.enforceLocked(userID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	scfg := m.template
	if cfg != nil {
		scfg = *cfg
	}
	mode := scfg.Mode
	if mode == "" {
		mode = sandbox.ModeDocker
	}

	ex, err := m.factory(scfg)
	if err != nil {
		m.mu.Unlock()
		for _, v := range victims {
			m.finishCleanup(ctx, v.s, v.reason)
		}
		return nil, fmt.Errorf("failed to build sandbox executor: %w", err)
	}

	// Commit a Creating placeholder so concurrent calls see this slot.
	now := m.now()
	provisional := uuid.NewString()
	s := &session{
		info: models.SessionInfo{
			SessionID:      provisional,
			UserID:         userID,
			ConversationID: conversationID,
			State:          models.SessionCreating,
			CreatedAt:      now,
			LastActivity:   now,
			StateChangedAt: now,
		},
		exec:  ex,
		mode:  mode,
		ready: make(chan struct{}),
	}
	m.sessions[provisional] = s
	if conversationID != "" {
		m.byConv[conversationID] = provisional
	}
	m.mu.Unlock()

	// Wake waiters on every exit from here on, so calls parked on the
	// Creating placeholder re-check the pool.
	defer close(s.ready)

	for _, v := range victims {
		m.finishCleanup(ctx, v.s, v.reason)
	}

	// Snapshot history after evictions so a just-evicted predecessor for
	// this conversation is reflected in the recreation notice.
	var prior *models.SessionHistory
	if conversationID != "" {
		m.mu.Lock()
		if h, ok := m.history[conversationID]; ok {
			prior = copyHistory(h)
		}
		m.mu.Unlock()
	}

	finalID := provisional
	if se, ok := ex.(sandbox.SessionExecutor); ok {
		started, err := se.StartSession(ctx)
		if err != nil {
			m.mu.Lock()
			m.removeLocked(s)
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to start sandbox session: %w", err)
		}
		finalID = started
	}

	m.mu.Lock()
	if m.stopped || s.removed {
		m.mu.Unlock()
		m.stopExecutor(ctx, s)
		if s.removed {
			return nil, errors.New("session was evicted during creation")
		}
		return nil, errStopped
	}
	if finalID != provisional {
		delete(m.sessions, provisional)
		s.info.SessionID = finalID
		m.sessions[finalID] = s
		if conversationID != "" {
			m.byConv[conversationID] = finalID
		}
	}
	now = m.now()
	s.info.State = models.SessionActive
	s.info.StateChangedAt = now
	s.info.LastActivity = now
	if prior != nil {
		s.info.IsRecreated = true
		s.info.PreviousSessionID = prior.LastSessionID
	}
	res := &Result{Session: copyInfo(s.info), IsNew: true}
	m.mu.Unlock()

	if prior != nil {
		res.IsRecreated = true
		res.Previous = prior
		res.Message = recreationNotice(prior)
	}
	if m.metrics != nil {
		m.metrics.SandboxSessionStarted(mode)
	}
	m.logger.Info(ctx, "sandbox session created",
		"session_id", finalID,
		"user_id", userID,
		"conversation_id", conversationID,
		"mode", mode,
		"recreated", prior != nil)
	return res, nil
}

type evicted struct {
	s      *session
	reason models.CleanupReason
}

// enforceLocked applies the pool limits before a creation, removing victims
// from the maps. The caller stops their executors after releasing the mutex.
func (m *Manager) enforceLocked(userID string) ([]evicted, error) {
	var out []evicted
	if len(m.sessions) >= m.policy.MaxTotalSessions {
		victim := m.lruEvictableLocked()
		if victim == nil {
			return nil, ErrSessionLimit
		}
		m.removeLocked(victim)
		out = append(out, evicted{victim, models.CleanupEvicted})
	}
	if userID != "" {
		owned := m.userSessionsLocked(userID)
		if len(owned) >= m.policy.MaxSessionsPerUser {
			oldest := owned[0]
			m.removeLocked(oldest)
			out = append(out, evicted{oldest, models.CleanupEvicted})
		}
	}
	return out, nil
}

// lruEvictableLocked picks the least recently active session that is neither
// Active nor still being created.
func (m *Manager) lruEvictableLocked() *session {
	var victim *session
	for _, s := range m.sessions {
		if s.info.State == models.SessionActive || s.info.State == models.SessionCreating {
			continue
		}
		if victim == nil || s.info.LastActivity.Before(victim.info.LastActivity) {
			victim = s
		}
	}
	return victim
}

// userSessionsLocked returns the user's sessions ordered oldest first.
func (m *Manager) userSessionsLocked(userID string) []*session {
	var owned []*session
	for _, s := range m.sessions {
		if s.info.UserID == userID {
			owned = append(owned, s)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].info.CreatedAt.Equal(owned[j].info.CreatedAt) {
			return owned[i].info.SessionID < owned[j].info.SessionID
		}
		return owned[i].info.CreatedAt.Before(owned[j].info.CreatedAt)
	})
	return owned
}

// End removes one session with an explicit reason.
func (m *Manager) End(ctx context.Context, sessionID string, reason models.CleanupReason) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	m.removeLocked(s)
	m.mu.Unlock()

	m.finishCleanup(ctx, s, reason)
	return nil
}

// CleanupAll removes every session with the given reason and returns how
// many were cleaned.
func (m *Manager) CleanupAll(ctx context.Context, reason models.CleanupReason) int {
	m.mu.Lock()
	doomed := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		m.removeLocked(s)
		doomed = append(doomed, s)
	}
	m.mu.Unlock()

	for _, s := range doomed {
		m.finishCleanup(ctx, s, reason)
	}
	return len(doomed)
}

// CleanupOrphaned removes sandbox containers older than maxAge that no live
// session owns, catching leftovers from crashed processes. Returns how many
// containers were removed.
func (m *Manager) CleanupOrphaned(ctx context.Context, maxAge time.Duration) (int, error) {
	names, err := m.listOrphans(ctx, maxAge)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	live := make(map[string]struct{}, len(m.sessions))
	for id := range m.sessions {
		live[sandbox.ContainerPrefix+id] = struct{}{}
	}
	m.mu.Unlock()

	removed := 0
	for _, name := range names {
		if _, ok := live[name]; ok {
			continue
		}
		if err := m.removeOrphan(ctx, name); err != nil {
			m.logger.Warn(ctx, "failed to remove orphaned container",
				"container", name, "error", err.Error())
			continue
		}
		removed++
		m.logger.Info(ctx, "removed orphaned sandbox container", "container", name)
	}
	return removed, nil
}

// MarkActive promotes the session to Active and records activity.
func (m *Manager) MarkActive(sessionID string) error {
	return m.setState(sessionID, models.SessionActive, true)
}

// MarkIdle parks the session; the idle timeout starts counting from its last
// activity.
func (m *Manager) MarkIdle(sessionID string) error {
	return m.setState(sessionID, models.SessionIdle, false)
}

// MarkComplete flags the session as finished; it is retained for
// completion_retain before cleanup so late follow-ups can still reuse it.
func (m *Manager) MarkComplete(sessionID string) error {
	return m.setState(sessionID, models.SessionCompleting, false)
}

// MarkDisconnected records that the session's consumer went away.
func (m *Manager) MarkDisconnected(sessionID string) error {
	return m.setState(sessionID, models.SessionDisconnected, false)
}

// MarkReconnected returns a disconnected session to Active.
func (m *Manager) MarkReconnected(sessionID string) error {
	return m.setState(sessionID, models.SessionActive, true)
}

// MarkError flags the session for cleanup on the next sweep.
func (m *Manager) MarkError(sessionID string) error {
	return m.setState(sessionID, models.SessionError, false)
}

func (m *Manager) setState(sessionID string, state models.SessionState, activity bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	now := m.now()
	if s.info.State != state {
		s.info.State = state
		s.info.StateChangedAt = now
	}
	if activity {
		s.info.LastActivity = now
	}
	return nil
}

// RecordCommand notes one executed command on the session: bumps the
// counter, refreshes activity (promoting Idle back to Active) and parses the
// command for installed packages and created files.
func (m *Manager) RecordCommand(sessionID, command string, durationMS int64) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	now := m.now()
	s.info.CommandCount++
	s.info.LastActivity = now
	if s.info.State == models.SessionIdle {
		s.info.State = models.SessionActive
		s.info.StateChangedAt = now
	}
	s.info.InstalledPackages = appendUnique(s.info.InstalledPackages, parseInstalledPackages(command), maxTrackedArtifacts)
	s.info.CreatedFiles = appendUnique(s.info.CreatedFiles, parseCreatedFiles(command), maxTrackedArtifacts)
	m.mu.Unlock()

	m.logger.Debug(context.Background(), "sandbox command recorded",
		"session_id", sessionID, "duration_ms", durationMS)
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (models.SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.SessionInfo{}, false
	}
	return copyInfo(s.info), true
}

// List returns snapshots of every live session, oldest first.
func (m *Manager) List() []models.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copyInfo(s.info))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Executor hands out the execution capability for one session. Lifecycle
// stays with the manager; callers only run code.
func (m *Manager) Executor(sessionID string) (sandbox.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	if !s.info.State.CanExecute() {
		return nil, fmt.Errorf("session %s is %s and cannot execute", sessionID, s.info.State)
	}
	return s.exec, nil
}

// sweep evaluates expiry for every session and cleans up the expired ones.
// Executor teardown happens after the mutex is released.
func (m *Manager) sweep(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	var doomed []evicted
	for _, s := range m.sessions {
		reason, expired := m.expiredLocked(s, now)
		if !expired {
			continue
		}
		m.removeLocked(s)
		doomed = append(doomed, evicted{s, reason})
	}
	m.mu.Unlock()

	for _, v := range doomed {
		m.finishCleanup(ctx, v.s, v.reason)
	}
}

// expiredLocked applies the expiry table to one session.
func (m *Manager) expiredLocked(s *session, now time.Time) (models.CleanupReason, bool) {
	if now.Sub(s.info.CreatedAt) > m.policy.maxSessionDuration() {
		return models.CleanupIdleTimeout, true
	}
	switch s.info.State {
	case models.SessionCompleting:
		if now.Sub(s.info.StateChangedAt) > m.policy.completionRetain() {
			return models.CleanupTaskComplete, true
		}
	case models.SessionDisconnected:
		if now.Sub(s.info.StateChangedAt) > m.policy.disconnectTimeout() {
			return models.CleanupDisconnectTimeout, true
		}
	case models.SessionActive, models.SessionIdle:
		if now.Sub(s.info.LastActivity) > m.policy.idleTimeout() {
			return models.CleanupIdleTimeout, true
		}
	case models.SessionError:
		return models.CleanupError, true
	}
	return "", false
}

// touchLocked refreshes activity and promotes Idle back to Active.
func (m *Manager) touchLocked(s *session) {
	now := m.now()
	s.info.LastActivity = now
	if s.info.State == models.SessionIdle {
		s.info.State = models.SessionActive
		s.info.StateChangedAt = now
	}
}

// removeLocked unlinks the session from the pool maps and marks it removed
// so an in-flight creation aborts instead of re-adding it.
func (m *Manager) removeLocked(s *session) {
	delete(m.sessions, s.info.SessionID)
	s.removed = true
	if conv := s.info.ConversationID; conv != "" && m.byConv[conv] == s.info.SessionID {
		delete(m.byConv, conv)
	}
}

// finishCleanup stops the executor and records history. Must be called
// without the mutex held; the session is already out of the maps.
func (m *Manager) finishCleanup(ctx context.Context, s *session, reason models.CleanupReason) {
	m.stopExecutor(ctx, s)

	m.mu.Lock()
	m.recordHistoryLocked(s, reason)
	m.mu.Unlock()

	lifetime := m.now().Sub(s.info.CreatedAt)
	if m.metrics != nil {
		m.metrics.SandboxSessionEnded(s.mode, string(reason), lifetime)
	}
	m.logger.Info(ctx, "sandbox session cleaned up",
		"session_id", s.info.SessionID,
		"reason", string(reason),
		"lifetime", lifetime.Truncate(time.Second).String(),
		"commands", s.info.CommandCount)
}

func (m *Manager) stopExecutor(ctx context.Context, s *session) {
	se, ok := s.exec.(sandbox.SessionExecutor)
	if !ok {
		return
	}
	if err := se.StopSession(ctx); err != nil {
		m.logger.Warn(ctx, "failed to stop sandbox session",
			"session_id", s.info.SessionID, "error", err.Error())
	}
}

func copyInfo(info models.SessionInfo) models.SessionInfo {
	out := info
	out.InstalledPackages = append([]string(nil), info.InstalledPackages...)
	out.CreatedFiles = append([]string(nil), info.CreatedFiles...)
	return out
}

func copyHistory(h *models.SessionHistory) *models.SessionHistory {
	out := *h
	out.InstalledPackages = append([]string(nil), h.InstalledPackages...)
	out.CreatedFiles = append([]string(nil), h.CreatedFiles...)
	return &out
}

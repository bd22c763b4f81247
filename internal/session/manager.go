package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/validate"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/service"
)

const (
	// maxContentLength bounds a session message body.
	maxContentLength = 4000
	// maxMetadataBytes bounds the serialized metadata of a session message.
	maxMetadataBytes = 8 * 1024
	// rangeWindowFactor scales the fetch window for after-cursor queries.
	rangeWindowFactor = 2
)

// Manager owns the session map, the per-agent timeout cache and the sweep
// task. All mutations go through its methods.
type Manager struct {
	cfg  config.SessionsConfig
	svc  *service.Service
	log  *logger.Logger
	now  func() time.Time
	done chan struct{}

	mu                sync.RWMutex
	sessions          map[string]*Session
	agentTimeoutCache map[string]TimeoutOverride

	startedAt time.Time
	stopOnce  sync.Once
}

// NewManager creates the manager. Start begins the sweep task.
func NewManager(cfg config.SessionsConfig, svc *service.Service, log *logger.Logger) *Manager {
	return &Manager{
		cfg:               cfg,
		svc:               svc,
		log:               log.WithFields(zap.String("component", "sessions")),
		now:               time.Now,
		done:              make(chan struct{}),
		sessions:          make(map[string]*Session),
		agentTimeoutCache: make(map[string]TimeoutOverride),
		startedAt:         time.Now(),
	}
}

// SetClock replaces the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manager) clock() func() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Start launches the periodic sweep.
func (m *Manager) Start() {
	interval := m.cfg.CleanupInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.done:
				return
			}
		}
	}()
}

// Cleanup stops the sweep and optionally clears all sessions.
func (m *Manager) Cleanup() {
	m.stopOnce.Do(func() { close(m.done) })
	if m.cfg.ClearOnShutdown {
		m.mu.Lock()
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()
	}
}

// SetAgentTimeoutConfig records per-agent timeout defaults, layered between
// request overrides and the global configuration.
func (m *Manager) SetAgentTimeoutConfig(agentID string, override TimeoutOverride) {
	m.mu.Lock()
	m.agentTimeoutCache[agentID] = override
	m.mu.Unlock()
}

// mergeTimeoutConfig layers request overrides on agent defaults on global
// configuration, clamping every numeric into its allowed range.
func (m *Manager) mergeTimeoutConfig(agentID string, request *TimeoutOverride) TimeoutConfig {
	cfg := TimeoutConfig{
		TimeoutMinutes:          m.cfg.DefaultTimeoutMinutes,
		AutoRenew:               m.cfg.AutoRenew,
		MaxDurationMinutes:      m.cfg.MaxDurationMinutes,
		WarningThresholdMinutes: m.cfg.WarningThresholdMinutes,
	}

	m.mu.RLock()
	agentDefaults, hasAgentDefaults := m.agentTimeoutCache[agentID]
	m.mu.RUnlock()

	apply := func(o TimeoutOverride) {
		if o.TimeoutMinutes != nil {
			cfg.TimeoutMinutes = *o.TimeoutMinutes
		}
		if o.AutoRenew != nil {
			cfg.AutoRenew = *o.AutoRenew
		}
		if o.MaxDurationMinutes != nil {
			cfg.MaxDurationMinutes = *o.MaxDurationMinutes
		}
		if o.WarningThresholdMinutes != nil {
			cfg.WarningThresholdMinutes = *o.WarningThresholdMinutes
		}
	}
	if hasAgentDefaults {
		apply(agentDefaults)
	}
	if request != nil {
		apply(*request)
	}

	cfg.TimeoutMinutes = validate.ClampIntValue(cfg.TimeoutMinutes, m.cfg.MinTimeoutMinutes, m.cfg.MaxTimeoutMinutes, m.log, "timeoutMinutes")
	cfg.MaxDurationMinutes = validate.ClampIntValue(cfg.MaxDurationMinutes, m.cfg.MinTimeoutMinutes, m.cfg.MaxDurationMinutes, m.log, "maxDurationMinutes")
	m.reconcileTimeoutBound(&cfg)
	cfg.WarningThresholdMinutes = validate.ClampIntValue(cfg.WarningThresholdMinutes, 1, cfg.TimeoutMinutes, m.log, "warningThresholdMinutes")
	return cfg
}

// reconcileTimeoutBound keeps timeoutMinutes at or below maxDurationMinutes.
// An idle timeout longer than the session's absolute lifetime could never
// fire, so it is lowered to the ceiling instead of accepted as-is.
func (m *Manager) reconcileTimeoutBound(cfg *TimeoutConfig) {
	if cfg.TimeoutMinutes > cfg.MaxDurationMinutes {
		m.log.Warn("timeoutMinutes above maxDurationMinutes, lowering",
			zap.Int("timeout_minutes", cfg.TimeoutMinutes),
			zap.Int("max_duration_minutes", cfg.MaxDurationMinutes))
		cfg.TimeoutMinutes = cfg.MaxDurationMinutes
	}
}

// CreateParams carries a session creation request.
type CreateParams struct {
	AgentID       string
	UserID        string
	Metadata      map[string]any
	TimeoutConfig *TimeoutOverride
}

// Create validates the pair, provisions the backing DM channel and stores the
// session.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*View, error) {
	if !validate.IsValidID(params.AgentID) {
		return nil, apierror.New(apierror.CodeInvalidID, "agentId is not a valid identifier")
	}
	if !validate.IsValidID(params.UserID) {
		return nil, apierror.New(apierror.CodeInvalidID, "userId is not a valid identifier")
	}

	servers, err := m.svc.ListServersForAgent(ctx, params.AgentID)
	if err != nil {
		return nil, err
	}
	registered := false
	for _, serverID := range servers {
		if serverID == m.svc.ServerID() {
			registered = true
			break
		}
	}
	if !registered {
		return nil, apierror.New(apierror.CodeAgentNotFound, "agent is not registered on this server")
	}

	timeoutConfig := m.mergeTimeoutConfig(params.AgentID, params.TimeoutConfig)
	now := m.clock()().UTC()
	sessionID := uuid.New().String()

	channelMetadata := map[string]any{
		"sessionId":     sessionID,
		"timeoutConfig": timeoutConfig,
	}
	for k, v := range params.Metadata {
		if _, reserved := channelMetadata[k]; !reserved {
			channelMetadata[k] = v
		}
	}

	channel := &models.Channel{
		Type:       models.ChannelTypeDM,
		Name:       "Session " + sessionID[:8],
		SourceType: models.SourceTypeSession,
		Metadata:   channelMetadata,
	}
	if err := m.svc.CreateChannel(ctx, channel, []string{params.UserID, params.AgentID}); err != nil {
		m.log.Error("failed to create session channel", zap.String("session_id", sessionID), zap.Error(err))
		return nil, apierror.New(apierror.CodeSessionCreationError, "failed to create session channel")
	}

	session := &Session{
		ID:            sessionID,
		AgentID:       params.AgentID,
		UserID:        params.UserID,
		ChannelID:     channel.ID,
		Metadata:      params.Metadata,
		CreatedAt:     now,
		LastActivity:  now,
		TimeoutConfig: timeoutConfig,
	}
	session.ExpiresAt = session.computeExpiresAt()

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	m.log.Info("created session",
		zap.String("session_id", sessionID),
		zap.String("agent_id", params.AgentID),
		zap.String("channel_id", channel.ID))
	return m.view(session, now), nil
}

func (m *Manager) view(s *Session, now time.Time) *View {
	return &View{
		SessionID:        s.ID,
		AgentID:          s.AgentID,
		UserID:           s.UserID,
		ChannelID:        s.ChannelID,
		Metadata:         s.Metadata,
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.LastActivity,
		ExpiresAt:        s.ExpiresAt,
		TimeRemainingMs:  s.ExpiresAt.Sub(now).Milliseconds(),
		IsNearExpiration: s.nearExpiration(now),
		RenewalCount:     s.RenewalCount,
		TimeoutConfig:    s.TimeoutConfig,
	}
}

// getActive returns the live session or an expiry-aware error. Expired
// sessions are deleted on access, so a second read reports not-found.
func (m *Manager) getActive(sessionID string) (*Session, error) {
	now := m.clock()().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, apierror.New(apierror.CodeSessionNotFound, "session not found")
	}
	if session.expired(now) {
		delete(m.sessions, sessionID)
		return nil, apierror.New(apierror.CodeSessionExpired, "session has expired")
	}
	if session.nearExpiration(now) && !session.Warning.Sent {
		session.Warning = WarningState{Sent: true, SentAt: now}
		m.log.Warn("session nearing expiration",
			zap.String("session_id", session.ID),
			zap.Time("expires_at", session.ExpiresAt))
	}
	return session, nil
}

// Get returns the derived session view.
func (m *Manager) Get(sessionID string) (*View, error) {
	if !validate.IsValidID(sessionID) {
		return nil, apierror.New(apierror.CodeInvalidID, "sessionId is not a valid identifier")
	}
	session, err := m.getActive(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(session, m.now().UTC()), nil
}

// List returns views of all live sessions.
func (m *Manager) List() []*View {
	now := m.clock()().UTC()

	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]*View, 0, len(m.sessions))
	for _, session := range m.sessions {
		if session.expired(now) {
			continue
		}
		views = append(views, m.view(session, now))
	}
	return views
}

// tryRenew applies the renewal rules: refuse past the absolute ceiling,
// otherwise advance activity, bump the count and recompute expiry.
func (m *Manager) tryRenew(session *Session, now time.Time) bool {
	maxBoundary := session.CreatedAt.Add(time.Duration(session.TimeoutConfig.MaxDurationMinutes) * time.Minute)
	if !now.Before(maxBoundary) {
		return false
	}
	session.LastActivity = now
	session.RenewalCount++
	session.ExpiresAt = session.computeExpiresAt()
	session.Warning = WarningState{}
	return true
}

// ValidateMessage checks content and metadata bounds for a session message.
func (m *Manager) ValidateMessage(content string, metadata map[string]any) error {
	if content == "" {
		return apierror.New(apierror.CodeInvalidContent, "content must not be empty")
	}
	if len(content) > maxContentLength {
		return apierror.New(apierror.CodeContentTooLarge, "content exceeds the session message limit")
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return apierror.New(apierror.CodeInvalidMetadata, "metadata is not serializable")
		}
		if len(raw) > maxMetadataBytes {
			return apierror.New(apierror.CodeInvalidMetadata, "metadata exceeds the size limit")
		}
	}
	return nil
}

// TouchForMessage records message activity on the session, auto-renewing when
// enabled, and returns the post-send status for the response envelope.
func (m *Manager) TouchForMessage(sessionID string) (*Session, Status, error) {
	if !validate.IsValidID(sessionID) {
		return nil, Status{}, apierror.New(apierror.CodeInvalidID, "sessionId is not a valid identifier")
	}
	session, err := m.getActive(sessionID)
	if err != nil {
		return nil, Status{}, err
	}

	now := m.clock()().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	wasRenewed := false
	if session.TimeoutConfig.AutoRenew {
		wasRenewed = m.tryRenew(session, now)
	} else {
		session.LastActivity = now
	}

	status := Status{
		ExpiresAt:        session.ExpiresAt,
		RenewalCount:     session.RenewalCount,
		WasRenewed:       wasRenewed,
		IsNearExpiration: session.nearExpiration(now),
	}
	snapshot := *session
	return &snapshot, status, nil
}

// Renew forces a manual renewal regardless of autoRenew.
func (m *Manager) Renew(sessionID string) (*View, error) {
	if !validate.IsValidID(sessionID) {
		return nil, apierror.New(apierror.CodeInvalidID, "sessionId is not a valid identifier")
	}
	session, err := m.getActive(sessionID)
	if err != nil {
		return nil, err
	}

	now := m.clock()().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tryRenew(session, now) {
		return nil, apierror.New(apierror.CodeSessionRenewalFailed, "session reached its maximum duration")
	}
	return m.view(session, now), nil
}

// UpdateTimeout merges a partial timeout config and recomputes expiry.
func (m *Manager) UpdateTimeout(sessionID string, override TimeoutOverride) (*View, error) {
	if !validate.IsValidID(sessionID) {
		return nil, apierror.New(apierror.CodeInvalidID, "sessionId is not a valid identifier")
	}
	session, err := m.getActive(sessionID)
	if err != nil {
		return nil, err
	}

	now := m.clock()().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := session.TimeoutConfig
	if override.TimeoutMinutes != nil {
		cfg.TimeoutMinutes = validate.ClampIntValue(*override.TimeoutMinutes, m.cfg.MinTimeoutMinutes, m.cfg.MaxTimeoutMinutes, m.log, "timeoutMinutes")
	}
	if override.AutoRenew != nil {
		cfg.AutoRenew = *override.AutoRenew
	}
	if override.MaxDurationMinutes != nil {
		cfg.MaxDurationMinutes = validate.ClampIntValue(*override.MaxDurationMinutes, m.cfg.MinTimeoutMinutes, m.cfg.MaxDurationMinutes, m.log, "maxDurationMinutes")
	}
	m.reconcileTimeoutBound(&cfg)
	if override.WarningThresholdMinutes != nil {
		cfg.WarningThresholdMinutes = validate.ClampIntValue(*override.WarningThresholdMinutes, 1, cfg.TimeoutMinutes, m.log, "warningThresholdMinutes")
	}

	session.TimeoutConfig = cfg
	session.ExpiresAt = session.computeExpiresAt()
	return m.view(session, now), nil
}

// Heartbeat observes activity. It always advances lastActivity; expiry only
// moves when autoRenew is on.
func (m *Manager) Heartbeat(sessionID string) (*View, error) {
	if !validate.IsValidID(sessionID) {
		return nil, apierror.New(apierror.CodeInvalidID, "sessionId is not a valid identifier")
	}
	session, err := m.getActive(sessionID)
	if err != nil {
		return nil, err
	}

	now := m.clock()().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if session.TimeoutConfig.AutoRenew {
		m.tryRenew(session, now)
	} else {
		session.LastActivity = now
	}
	return m.view(session, now), nil
}

// Delete removes the session from memory. The backing channel is retained.
func (m *Manager) Delete(sessionID string) error {
	if !validate.IsValidID(sessionID) {
		return apierror.New(apierror.CodeInvalidID, "sessionId is not a valid identifier")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return apierror.New(apierror.CodeSessionNotFound, "session not found")
	}
	delete(m.sessions, sessionID)
	return nil
}

// MessagesPage is a paginated slice of session messages.
type MessagesPage struct {
	Messages []*models.Message `json:"messages"`
	HasMore  bool              `json:"hasMore"`
	Cursors  PageCursors       `json:"cursors"`
}

// PageCursors carries the unix-ms boundaries of the returned page.
type PageCursors struct {
	Before int64 `json:"before,omitempty"`
	After  int64 `json:"after,omitempty"`
}

// GetMessages pages through the session's channel. before and after are unix
// millisecond cursors; after-queries fetch a scaled window and filter.
func (m *Manager) GetMessages(ctx context.Context, sessionID string, limit int, before, after *time.Time) (*MessagesPage, error) {
	if !validate.IsValidID(sessionID) {
		return nil, apierror.New(apierror.CodeInvalidID, "sessionId is not a valid identifier")
	}
	session, err := m.getActive(sessionID)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = service.DefaultMessageLimit
	}
	limit = validate.ClampIntValue(limit, 1, service.MaxMessageLimit, m.log, "limit")

	fetchLimit := limit + 1
	if after != nil {
		fetchLimit = limit*rangeWindowFactor + 1
	}

	messages, err := m.svc.GetMessages(ctx, session.ChannelID, fetchLimit, before)
	if err != nil {
		return nil, err
	}

	if after != nil {
		filtered := messages[:0]
		for _, msg := range messages {
			if msg.CreatedAt.After(*after) {
				filtered = append(filtered, msg)
			}
		}
		messages = filtered
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	page := &MessagesPage{Messages: messages, HasMore: hasMore}
	if len(messages) > 0 {
		// Newest first: the oldest entry bounds the next before-query.
		page.Cursors.Before = messages[len(messages)-1].CreatedAt.UnixMilli()
		page.Cursors.After = messages[0].CreatedAt.UnixMilli()
	}
	if page.Messages == nil {
		page.Messages = []*models.Message{}
	}
	return page, nil
}

// Session returns the raw session record, for collaborating routers.
func (m *Manager) Session(sessionID string) (*Session, error) {
	session, err := m.getActive(sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := *session
	return &snapshot, nil
}

// Health reports subsystem state for the health endpoint.
func (m *Manager) Health() Health {
	now := m.clock()().UTC()

	m.mu.RLock()
	defer m.mu.RUnlock()

	active, expiringSoon, invalid := 0, 0, 0
	for _, session := range m.sessions {
		if session.ID == "" || session.ChannelID == "" {
			invalid++
			continue
		}
		if session.expired(now) {
			continue
		}
		active++
		if session.nearExpiration(now) {
			expiringSoon++
		}
	}

	status := "healthy"
	if invalid > 0 {
		status = "degraded"
	}
	return Health{
		Status:          status,
		ActiveSessions:  active,
		ExpiringSoon:    expiringSoon,
		InvalidSessions: invalid,
		Timestamp:       now,
		UptimeMs:        now.Sub(m.startedAt).Milliseconds(),
	}
}

// sweep deletes malformed and expired sessions and marks due warnings.
func (m *Manager) sweep() {
	now := m.clock()().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if session.ID == "" || session.ChannelID == "" || session.AgentID == "" {
			m.log.Warn("removing malformed session", zap.String("session_id", id))
			delete(m.sessions, id)
			continue
		}
		if session.expired(now) {
			m.log.Info("removing expired session", zap.String("session_id", id))
			delete(m.sessions, id)
			continue
		}
		if session.nearExpiration(now) && !session.Warning.Sent {
			session.Warning = WarningState{Sent: true, SentAt: now}
		}
	}
}

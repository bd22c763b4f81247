package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/validate"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/service"
)

const (
	// absoluteMaxListenerTimeout caps the reply wait independent of the
	// request value, so user input cannot pin resources.
	absoluteMaxListenerTimeout = 10 * time.Minute

	sweepInterval = 60 * time.Second

	// evictionFraction of the oldest jobs is dropped when the map exceeds
	// its configured capacity.
	evictionFraction = 10

	// maxContentLength bounds a job request body.
	maxContentLength = 4000
	// maxMetadataBytes bounds the serialized metadata of a job request.
	maxMetadataBytes = 8 * 1024
)

// Manager owns the in-memory job map, the bus listener and the sweep task.
type Manager struct {
	cfg config.JobsConfig
	svc *service.Service
	bus bus.EventBus
	log *logger.Logger
	now func() time.Time

	mu   sync.RWMutex
	jobs map[string]*Job

	sub      bus.Subscription
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates the manager. Start attaches the bus listener and sweep.
func NewManager(cfg config.JobsConfig, svc *service.Service, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:  cfg,
		svc:  svc,
		bus:  eventBus,
		log:  log.WithFields(zap.String("component", "jobs")),
		now:  time.Now,
		jobs: make(map[string]*Job),
		done: make(chan struct{}),
	}
}

// SetClock replaces the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manager) clock() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now()
}

// Start subscribes to new_message and launches the periodic sweep.
func (m *Manager) Start() error {
	sub, err := m.bus.Subscribe(events.NewMessage, m.onNewMessage)
	if err != nil {
		return err
	}
	m.sub = sub

	go func() {
		ticker := time.NewTicker(sweepInterval)
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
	return nil
}

// Cleanup detaches the bus listener, stops the sweep and clears the map.
func (m *Manager) Cleanup() {
	m.stopOnce.Do(func() { close(m.done) })
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	m.mu.Lock()
	m.jobs = make(map[string]*Job)
	m.mu.Unlock()
}

// CreateParams carries a job submission.
type CreateParams struct {
	UserID    string
	AgentID   string
	Content   string
	Metadata  map[string]any
	TimeoutMs int
}

// Create provisions the ephemeral DM channel, persists the job request
// message and starts waiting for the agent reply.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Job, error) {
	if !validate.IsValidID(params.UserID) {
		return nil, apierror.New(apierror.CodeInvalidID, "userId is not a valid identifier")
	}
	if strings.TrimSpace(params.Content) == "" {
		return nil, apierror.New(apierror.CodeInvalidContent, "content must not be empty")
	}
	if len(params.Content) > maxContentLength {
		return nil, apierror.New(apierror.CodeContentTooLarge, "content exceeds the job request limit")
	}
	if params.Metadata != nil {
		raw, err := json.Marshal(params.Metadata)
		if err != nil {
			return nil, apierror.New(apierror.CodeInvalidMetadata, "metadata is not serializable")
		}
		if len(raw) > maxMetadataBytes {
			return nil, apierror.New(apierror.CodeInvalidMetadata, "metadata exceeds the size limit")
		}
	}

	agentID := params.AgentID
	if agentID == "" {
		agents, err := m.svc.ListAgentsForServer(ctx, m.svc.ServerID())
		if err != nil {
			return nil, err
		}
		if len(agents) == 0 {
			return nil, apierror.New(apierror.CodeAgentNotFound, "no agent is registered on this server")
		}
		agentID = agents[0]
	} else if !validate.IsValidID(agentID) {
		return nil, apierror.New(apierror.CodeInvalidID, "agentId is not a valid identifier")
	}

	timeoutMs := validate.ClampIntValue(orDefault(params.TimeoutMs, m.cfg.DefaultTimeoutMs), m.cfg.MinTimeoutMs, m.cfg.MaxTimeoutMs, m.log, "timeoutMs")
	wait := time.Duration(timeoutMs) * time.Millisecond
	if wait > absoluteMaxListenerTimeout {
		wait = absoluteMaxListenerTimeout
	}

	jobID := uuid.New().String()
	now := m.clock().UTC()

	channel := &models.Channel{
		Type:       models.ChannelTypeDM,
		Name:       "Job " + jobID[:8],
		SourceType: models.SourceTypeJobRequest,
		Metadata:   map[string]any{"jobId": jobID},
	}
	if err := m.svc.CreateChannel(ctx, channel, []string{params.UserID, agentID}); err != nil {
		return nil, err
	}

	job := &Job{
		ID:        jobID,
		UserID:    params.UserID,
		AgentID:   agentID,
		ChannelID: channel.ID,
		Content:   params.Content,
		Metadata:  params.Metadata,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		Deadline:  now.Add(wait),
	}

	m.mu.Lock()
	m.jobs[jobID] = job
	overflow := len(m.jobs) > m.cfg.MaxInMemory
	m.mu.Unlock()

	if overflow {
		m.evictOldest()
	}

	metadata := map[string]any{"jobId": jobID}
	for k, v := range params.Metadata {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}
	if _, err := m.svc.PostMessage(ctx, service.PostMessageParams{
		ChannelID:       channel.ID,
		AuthorID:        params.UserID,
		MessageServerID: m.svc.ServerID(),
		Content:         params.Content,
		Metadata:        metadata,
		SourceType:      models.SourceTypeJobRequest,
	}); err != nil {
		m.mu.Lock()
		job.State = StateFailed
		job.Error = "failed to submit job request"
		job.UpdatedAt = m.now().UTC()
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	if job.State == StatePending {
		job.State = StateProcessing
		job.UpdatedAt = m.now().UTC()
	}
	snapshot := *job
	m.mu.Unlock()

	m.log.Info("created job",
		zap.String("job_id", jobID),
		zap.String("channel_id", channel.ID),
		zap.String("agent_id", agentID))
	return &snapshot, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// onNewMessage watches the bus for the agent reply that completes a job.
// "Executing action:" messages are intermediate; the job completes on the
// following regular message.
func (m *Manager) onNewMessage(ctx context.Context, event *bus.Event) error {
	payload, ok := event.Data.(events.MessagePayload)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.ChannelID != payload.ChannelID || job.State != StateProcessing {
			continue
		}
		if payload.AuthorID == job.UserID {
			continue
		}

		now := m.now().UTC()
		if strings.HasPrefix(strings.TrimSpace(payload.Content), actionMessagePrefix) {
			job.actionMessageReceived = true
			job.UpdatedAt = now
			continue
		}

		job.State = StateCompleted
		job.UpdatedAt = now
		job.Result = &Result{Message: &models.Message{
			ID:         payload.ID,
			ChannelID:  payload.ChannelID,
			AuthorID:   payload.AuthorID,
			Content:    payload.Content,
			SourceType: payload.SourceType,
			Metadata:   payload.Metadata,
			CreatedAt:  time.UnixMilli(payload.CreatedAt).UTC(),
		}}
		m.log.Info("job completed",
			zap.String("job_id", job.ID),
			zap.Bool("had_action_message", job.actionMessageReceived))
	}
	return nil
}

// Get returns a job by id.
func (m *Manager) Get(jobID string) (*Job, error) {
	if !validate.IsValidID(jobID) {
		return nil, apierror.New(apierror.CodeInvalidID, "jobId is not a valid identifier")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, apierror.New(apierror.CodeJobNotFound, "job not found")
	}
	snapshot := *job
	return &snapshot, nil
}

// List returns all jobs, newest first.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		snapshot := *job
		list = append(list, &snapshot)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

// Health reports subsystem state for the health endpoint.
func (m *Manager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byState := map[State]int{}
	for _, job := range m.jobs {
		byState[job.State]++
	}
	return Health{
		Status:    "healthy",
		TotalJobs: len(m.jobs),
		ByState:   byState,
		Timestamp: m.now().UTC(),
	}
}

// sweep times out overdue PROCESSING jobs and evicts terminal jobs past
// retention.
func (m *Manager) sweep() {
	now := m.clock().UTC()
	retention := time.Duration(m.cfg.RetentionMinutes) * time.Minute

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, job := range m.jobs {
		switch {
		case job.State == StateProcessing && now.After(job.Deadline):
			job.State = StateTimeout
			job.Error = string(apierror.CodeJobTimeout)
			job.UpdatedAt = now
			m.log.Warn("job timed out", zap.String("job_id", id))
		case job.State.terminal() && now.Sub(job.UpdatedAt) > retention:
			delete(m.jobs, id)
		}
	}
}

// evictOldest trims the oldest tenth of the job map when it outgrows its
// configured capacity.
func (m *Manager) evictOldest() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.jobs) <= m.cfg.MaxInMemory {
		return
	}

	list := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		list = append(list, job)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	evict := len(list) / evictionFraction
	if evict < 1 {
		evict = 1
	}
	for _, job := range list[:evict] {
		delete(m.jobs, job.ID)
	}
	m.log.Warn("evicted oldest jobs over capacity", zap.Int("evicted", evict))
}

// Copyright 2025 James Ross
package pushchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// JobGetter is the subset of internal/jobstore.Store a subscribe_job
// message needs to emit its immediate current-state snapshot.
type JobGetter interface {
	Get(ctx context.Context, id string) (*jobstore.Job, error)
}

// Submitter is the subset of internal/queue.Manager (plus the platform
// validation internal/api performs ahead of it) a start_conversion message
// needs: validate and admit a job exactly as POST /convert does, so the
// push channel's submission-plus-auto-subscribe shortcut cannot drift from
// the HTTP path's rules.
type Submitter interface {
	Submit(ctx context.Context, url, format, quality string) (*jobstore.Job, error)
}

// envelope is the wire shape of every message in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Manager is a per-job-id fan-out WebSocket hub: many connections can
// subscribe to the same job id, and all map mutation happens inside the
// manager's single run loop.
type Manager struct {
	log *zap.Logger
	cfg config.PushChannel

	upgrader websocket.Upgrader

	store     JobGetter
	submitter Submitter

	register   chan subscription
	unregister chan *connection
	notify     chan *jobstore.Job
	prune      chan map[string]struct{}
	done       chan struct{}

	mu      sync.RWMutex
	subsByJob map[string]map[*connection]struct{}
}

// AttachStore wires the Job Store read path used by subscribe_job
// snapshots. Optional: until called, subscribe_job replies with an error
// message instead of a snapshot.
func (m *Manager) AttachStore(s JobGetter) { m.store = s }

// AttachSubmitter wires job admission for start_conversion messages.
// Optional: until called, start_conversion replies with an error message.
func (m *Manager) AttachSubmitter(s Submitter) { m.submitter = s }

type subscription struct {
	jobID string
	conn  *connection
}

// connection wraps one upgraded WebSocket with a bounded, drop-oldest
// outbound queue.
type connection struct {
	ws       *websocket.Conn
	jobID    string
	maxQueue int

	mu   sync.Mutex
	outq [][]byte

	send chan struct{}
	done chan struct{}
}

// New builds a Manager from the PushChannel config section: origin
// allowlist (exact strings + regex patterns), outbound queue size,
// heartbeat and terminal-linger durations.
func New(cfg config.PushChannel, log *zap.Logger) *Manager {
	exact := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		exact[o] = struct{}{}
	}
	var patterns []*regexp.Regexp
	for _, p := range cfg.AllowedOriginRegex {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}

	m := &Manager{
		log: log,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if _, ok := exact[origin]; ok {
					return true
				}
				for _, re := range patterns {
					if re.MatchString(origin) {
						return true
					}
				}
				return false
			},
		},
		register:   make(chan subscription),
		unregister: make(chan *connection),
		notify:     make(chan *jobstore.Job, 256),
		prune:      make(chan map[string]struct{}, 1),
		done:       make(chan struct{}),
		subsByJob:  make(map[string]map[*connection]struct{}),
	}
	return m
}

// Run is the manager's single mediating goroutine; the reader and writer
// loops never touch the subscription map except through the channels it
// drains here.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			return

		case sub := <-m.register:
			m.mu.Lock()
			set, ok := m.subsByJob[sub.jobID]
			if !ok {
				set = make(map[*connection]struct{})
				m.subsByJob[sub.jobID] = set
			}
			set[sub.conn] = struct{}{}
			m.mu.Unlock()
			obs.PushChannelConnections.Inc()

		case c := <-m.unregister:
			m.mu.Lock()
			if set, ok := m.subsByJob[c.jobID]; ok {
				delete(set, c)
				if len(set) == 0 {
					delete(m.subsByJob, c.jobID)
				}
			}
			m.mu.Unlock()
			obs.PushChannelConnections.Dec()

		case job := <-m.notify:
			m.deliver(job)

		case alive := <-m.prune:
			m.applyPrune(alive)
		}
	}
}

// jobPayload is the wire payload for every job-state message: the client's
// view of a Job, plus the millisecond-epoch timestamp every
// server-initiated message carries. Field names match the status API so a
// browser client handles both with one decoder.
type jobPayload struct {
	JobID       string             `json:"jobId"`
	Status      jobstore.Status    `json:"status"`
	Progress    int                `json:"progress"`
	CurrentStep string             `json:"currentStep,omitempty"`
	DownloadURL string             `json:"downloadUrl,omitempty"`
	Filename    string             `json:"filename,omitempty"`
	Metadata    *jobstore.Metadata `json:"metadata,omitempty"`
	Error       *errorPayload      `json:"error,omitempty"`
	Timestamp   int64              `json:"timestamp"`
}

type errorPayload struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

func newJobPayload(job *jobstore.Job) jobPayload {
	p := jobPayload{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		DownloadURL: job.DownloadURL,
		Filename:    job.Filename(),
		Metadata:    job.Metadata,
		Timestamp:   time.Now().UnixMilli(),
	}
	if job.Error != nil {
		p.Error = &errorPayload{
			Type: job.Error.Kind, Message: job.Error.Message,
			Retryable: job.Error.Retryable, Suggestion: job.Error.Suggestion,
		}
	}
	return p
}

// encodeMessage marshals payload into the `{type, payload}` envelope.
func encodeMessage(msgType string, payload interface{}) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("{}")
	}
	env := envelope{Type: msgType, Payload: body}
	out, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return out
}

// messageTypeFor picks the server-to-client message type for a job's
// current status: terminal states get their dedicated type so a subscriber
// never has to inspect payload.status to know which kind of update
// arrived.
func messageTypeFor(job *jobstore.Job) string {
	switch job.Status {
	case jobstore.StatusCompleted:
		return "conversion_completed"
	case jobstore.StatusFailed:
		return "conversion_error"
	default:
		return "progress_update"
	}
}

func (m *Manager) deliver(job *jobstore.Job) {
	payload := encodeMessage(messageTypeFor(job), newJobPayload(job))
	if payload == nil {
		m.log.Warn("failed to marshal job for push delivery", obs.String("job_id", job.ID))
		return
	}

	m.mu.RLock()
	set := m.subsByJob[job.ID]
	conns := make([]*connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(payload)
	}

	if job.Status == jobstore.StatusCompleted || job.Status == jobstore.StatusFailed {
		linger := m.cfg.TerminalGracePeriod
		if linger <= 0 {
			linger = 15 * time.Second
		}
		time.AfterFunc(linger, func() { m.closeJob(job.ID) })
	}
}

func (m *Manager) closeJob(jobID string) {
	m.mu.Lock()
	set := m.subsByJob[jobID]
	delete(m.subsByJob, jobID)
	m.mu.Unlock()
	for c := range set {
		c.close()
	}
}

// applyPrune closes out subscriptions for any job id the Monitor no longer
// considers alive (queued or processing): orphan-subscription reaping, a
// safety net for jobs whose terminal notification was missed (e.g. the
// process restarted mid-job).
func (m *Manager) applyPrune(alive map[string]struct{}) {
	m.mu.Lock()
	var orphans []string
	for jobID := range m.subsByJob {
		if _, ok := alive[jobID]; !ok {
			orphans = append(orphans, jobID)
		}
	}
	m.mu.Unlock()
	for _, jobID := range orphans {
		m.closeJob(jobID)
	}
}

// Notify broadcasts job's latest state to every connection subscribed to
// its id. Implements internal/orchestrator.PushNotifier.
func (m *Manager) Notify(job *jobstore.Job) {
	select {
	case m.notify <- job:
	default:
		m.log.Warn("push notify channel full, dropping update", obs.String("job_id", job.ID))
	}
}

// Prune hands the manager the current set of live job ids; implements
// internal/monitor.SubscriptionPruner.
func (m *Manager) Prune(aliveJobIDs map[string]struct{}) {
	select {
	case m.prune <- aliveJobIDs:
	default:
	}
}

// ServeWS upgrades an HTTP request to a WebSocket connection.
// A job_id query parameter immediately subscribes the connection
// (the legacy shortcut internal/api's /ws?job_id= route uses); otherwise
// the client is expected to send a subscribe_job or start_conversion
// message once connected.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request, jobID string) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debug("websocket upgrade failed", obs.Err(err))
		return
	}

	queueSize := m.cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	c := &connection{ws: ws, maxQueue: queueSize, send: make(chan struct{}, 1), done: make(chan struct{})}

	go c.writePump(m, m.cfg.HeartbeatInterval, m.cfg.WriteDeadline)
	go c.readPump(m, m.cfg.ReadDeadline)

	if jobID != "" {
		m.subscribe(c, jobID)
	}
}

// subscribe moves c's registration to jobID, unregistering any prior
// subscription first. The sends below rendezvous with the manager's single
// run loop (unbuffered channels), so c.jobID is only ever mutated between
// those rendezvous points — never concurrently with the loop reading it.
func (m *Manager) subscribe(c *connection, jobID string) bool {
	if c.jobID != "" && c.jobID != jobID {
		select {
		case m.unregister <- c:
		case <-m.done:
			return false
		}
	}
	c.jobID = jobID
	select {
	case m.register <- subscription{jobID: jobID, conn: c}:
		return true
	case <-m.done:
		return false
	}
}

// handleClientMessage dispatches one inbound frame against the closed set
// of client message types; an unrecognized type closes the connection with
// a distinguishing code rather than being silently ignored.
func (m *Manager) handleClientMessage(c *connection, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.enqueue(encodeMessage("error", map[string]string{"message": "malformed message"}))
		return
	}

	switch env.Type {
	case "ping":
		var p struct {
			Timestamp int64 `json:"timestamp"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		c.enqueue(encodeMessage("pong", struct {
			Timestamp int64 `json:"timestamp"`
		}{Timestamp: p.Timestamp}))

	case "subscribe_job":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
			c.enqueue(encodeMessage("error", map[string]string{"message": "subscribe_job requires an id"}))
			return
		}
		m.subscribe(c, p.ID)
		m.sendSnapshot(c, p.ID)

	case "start_conversion":
		var p struct {
			URL     string `json:"url"`
			Format  string `json:"format"`
			Quality string `json:"quality"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.enqueue(encodeMessage("error", map[string]string{"message": "malformed start_conversion payload"}))
			return
		}
		m.startConversion(c, p.URL, p.Format, p.Quality)

	default:
		c.enqueue(encodeMessage("error", map[string]string{"message": "unknown message type: " + env.Type}))
		c.closeWithCode(websocket.ClosePolicyViolation, "unknown message type")
	}
}

func (m *Manager) sendSnapshot(c *connection, jobID string) {
	if m.store == nil {
		c.enqueue(encodeMessage("error", map[string]string{"message": "job lookup unavailable"}))
		return
	}
	job, err := m.store.Get(context.Background(), jobID)
	if err != nil {
		c.enqueue(encodeMessage("error", map[string]string{"message": "job not found"}))
		return
	}
	c.enqueue(encodeMessage("job_status", newJobPayload(job)))
}

func (m *Manager) startConversion(c *connection, url, format, quality string) {
	if m.submitter == nil {
		c.enqueue(encodeMessage("error", map[string]string{"message": "submission unavailable"}))
		return
	}
	job, err := m.submitter.Submit(context.Background(), url, format, quality)
	if err != nil {
		c.enqueue(encodeMessage("error", map[string]string{"message": err.Error()}))
		return
	}
	m.subscribe(c, job.ID)
	c.enqueue(encodeMessage("conversion_started", newJobPayload(job)))
}

// GracefulShutdown emits server_shutdown to every connection, waits for
// ctx's deadline (or a 3s default) for them to drain, then closes all of
// them.
func (m *Manager) GracefulShutdown(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*connection, 0)
	for _, set := range m.subsByJob {
		for c := range set {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	msg := encodeMessage("server_shutdown", map[string]string{})
	for _, c := range conns {
		c.enqueue(msg)
	}

	wait := 3 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			wait = remaining
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}

	for _, c := range conns {
		c.close()
	}
}

// NotifyRecovery broadcasts a recovery_attempt message to a job's
// subscribers, implementing internal/monitor's recovery-notification hook.
func (m *Manager) NotifyRecovery(jobID string, attempt int) {
	payload := struct {
		JobID     string `json:"jobId"`
		Attempt   int    `json:"attempt"`
		Timestamp int64  `json:"timestamp"`
	}{JobID: jobID, Attempt: attempt, Timestamp: time.Now().UnixMilli()}
	msg := encodeMessage("recovery_attempt", payload)

	m.mu.RLock()
	set := m.subsByJob[jobID]
	conns := make([]*connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(msg)
	}
}

// enqueue appends data to the connection's bounded outbound queue,
// dropping the oldest entry if full. Progress is self-healing; a later
// message always conveys later state.
func (c *connection) enqueue(data []byte) {
	max := c.maxQueue
	if max <= 0 {
		max = 100
	}
	c.mu.Lock()
	if len(c.outq) >= max {
		c.outq = c.outq[1:]
		obs.PushChannelDropped.Inc()
	}
	c.outq = append(c.outq, data)
	c.mu.Unlock()

	select {
	case c.send <- struct{}{}:
	default:
	}
}

func (c *connection) popAll() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outq
	c.outq = nil
	return out
}

func (c *connection) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
		c.ws.Close()
	}
}

func (c *connection) writePump(m *Manager, heartbeat, writeDeadline time.Duration) {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if writeDeadline <= 0 {
		writeDeadline = 10 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.send:
			for _, msg := range c.popAll() {
				c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) readPump(m *Manager, readDeadline time.Duration) {
	if readDeadline <= 0 {
		readDeadline = 60 * time.Second
	}
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
		}
		c.close()
	}()

	c.ws.SetReadLimit(512)
	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		m.handleClientMessage(c, data)
	}
}

// closeWithCode sends a WebSocket close frame carrying code before tearing
// down the connection, so a client can distinguish a policy violation from
// an ordinary disconnect.
func (c *connection) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close()
}

// ConnectionCount reports the total number of active subscriptions across
// all jobs, for admin/ops visibility.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.subsByJob {
		n += len(set)
	}
	return n
}

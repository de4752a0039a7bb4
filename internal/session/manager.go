// Package session owns the single transport session of the process.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatdesk/internal/model"
	"chatdesk/internal/transport"
)

// ErrNotConnected is returned by sends while the session is not CONNECTED.
var ErrNotConnected = transport.ErrNotConnected

type Notifier interface {
	SessionStatus(ctx context.Context, s model.Session)
	QR(ctx context.Context, qr string)
}

// Inbound receives customer messages; *inbound.Queue implements it.
type Inbound interface {
	Enqueue(ev transport.MessageReceived) error
}

type Options struct {
	Name string
	// InactivityTimeout tears the session down after this long without transport events.
	// <= 0 disables expiry.
	InactivityTimeout time.Duration

	Lease    Lease
	Repo     Repository
	Notifier Notifier
	Inbound  Inbound
	Log      *slog.Logger
}

type StartResult struct {
	Started   bool `json:"started"`
	Connected bool `json:"connected"`
}

// StatusView is the read-only projection served to callers.
type StatusView struct {
	Status       model.SessionStatus `json:"status"`
	Connected    bool                `json:"connected"`
	SessionID    string              `json:"sessionId"`
	LastActivity time.Time           `json:"lastActivity"`
	QR           string              `json:"qr,omitempty"`
	LastError    string              `json:"lastError,omitempty"`
}

// Manager drives the session state machine:
//
//	DISCONNECTED -Start-> CONNECTING -Ready-> CONNECTED
//	any -AuthFailed-> ERROR
//	CONNECTING|CONNECTED|ERROR -Stop/Disconnected/inactivity-> DISCONNECTED
//
// Every transition bumps gen; callbacks (transport sink, timer, lease loss)
// carry the gen they were armed with and are ignored once it is stale.
type Manager struct {
	tr   transport.Transport
	opts Options
	log  *slog.Logger

	// opMu serializes transport connect/teardown.
	opMu sync.Mutex

	mu         sync.Mutex
	session    model.Session
	gen        uint64
	timer      *time.Timer
	qrHandlers []func(qr string)

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewManager(tr transport.Transport, opts Options) *Manager {
	if opts.Name == "" {
		opts.Name = "default"
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		tr:    tr,
		opts:  opts,
		log:   log.With("component", "session", "session", opts.Name),
		clock: time.Now,
	}
	m.session = model.Session{
		ID:           uuid.NewString(),
		Name:         opts.Name,
		Status:       model.SessionDisconnected,
		LastActivity: m.now(),
	}
	return m
}

func (m *Manager) now() time.Time { return m.clock().UTC() }

// Restore adopts the identity of a previously persisted snapshot.
// The status always starts DISCONNECTED: a new process holds no connection.
func (m *Manager) Restore(ctx context.Context) error {
	if m.opts.Repo == nil {
		return nil
	}
	prev, err := m.opts.Repo.Load(ctx, m.opts.Name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("restore session: %w", err)
	}
	m.mu.Lock()
	m.session.ID = prev.ID
	m.session.LastActivity = prev.LastActivity
	m.session.ConnectedAt = prev.ConnectedAt
	m.session.DisconnectedAt = prev.DisconnectedAt
	m.mu.Unlock()
	return nil
}

// OnQRCode registers fn to run on every (re)issued QR payload.
func (m *Manager) OnQRCode(fn func(qr string)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qrHandlers = append(m.qrHandlers, fn)
}

// Start begins a connection attempt. It never fails: transport problems
// surface as ERROR through Status.
func (m *Manager) Start(ctx context.Context) StartResult {
	m.mu.Lock()
	switch m.session.Status {
	case model.SessionConnected:
		m.mu.Unlock()
		return StartResult{Started: true, Connected: true}
	case model.SessionConnecting:
		m.mu.Unlock()
		return StartResult{Started: true, Connected: false}
	case model.SessionDisconnected, model.SessionError:
	}

	m.gen++
	gen := m.gen
	m.session.Status = model.SessionConnecting
	m.session.QR = ""
	m.session.LastError = ""
	m.session.LastActivity = m.now()
	m.armTimerLocked(gen)
	snap := m.session
	m.mu.Unlock()

	// The connection outlives the request that started it.
	bg := context.WithoutCancel(ctx)
	m.announce(bg, snap)

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if !m.current(gen) {
		return StartResult{Started: true, Connected: m.Status().Connected}
	}

	if m.opts.Lease != nil {
		ok, err := m.opts.Lease.Acquire(bg, func() { m.fail(bg, gen, "session lease lost") })
		switch {
		case err != nil:
			m.fail(bg, gen, "session lease: "+err.Error())
			return StartResult{Started: true}
		case !ok:
			m.fail(bg, gen, "session owned by another instance")
			return StartResult{Started: true}
		}
	}

	// Drop anything left from an earlier generation before reconnecting.
	_ = m.tr.Disconnect(bg)
	if err := m.tr.Connect(bg, func(ev transport.Event) { m.handle(bg, gen, ev) }); err != nil {
		m.log.Error("transport connect failed", "err", err)
		m.fail(bg, gen, err.Error())
		return StartResult{Started: true}
	}

	m.log.Info("session starting", "transport", m.tr.Name())
	return StartResult{Started: true, Connected: m.Status().Connected}
}

// Stop tears the session down. Calling it on a DISCONNECTED session is a no-op.
func (m *Manager) Stop(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.session.Status == model.SessionDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopTimerLocked()
	now := m.now()
	m.session.Status = model.SessionDisconnected
	m.session.DisconnectedAt = &now
	m.session.QR = ""
	snap := m.session
	m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	m.teardownLocked(ctx)
	m.announce(ctx, snap)
	m.log.Info("session stopped")
}

func (m *Manager) Status() StatusView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StatusView{
		Status:       m.session.Status,
		Connected:    m.session.Status == model.SessionConnected,
		SessionID:    m.session.ID,
		LastActivity: m.session.LastActivity,
		QR:           m.session.QR,
		LastError:    m.session.LastError,
	}
}

// Session returns a copy of the full session record.
func (m *Manager) Session() model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) SendText(ctx context.Context, to, text string) (string, error) {
	if !m.Status().Connected {
		return "", ErrNotConnected
	}
	id, err := m.tr.SendText(ctx, to, text)
	if err == nil {
		m.touch()
	}
	return id, err
}

func (m *Manager) SendMedia(ctx context.Context, to string, media transport.OutboundMedia) (string, error) {
	if !m.Status().Connected {
		return "", ErrNotConnected
	}
	id, err := m.tr.SendMedia(ctx, to, media)
	if err == nil {
		m.touch()
	}
	return id, err
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Status != model.SessionConnected {
		return
	}
	m.session.LastActivity = m.now()
	m.armTimerLocked(m.gen)
}

// handle is the transport sink for generation gen.
func (m *Manager) handle(ctx context.Context, gen uint64, ev transport.Event) {
	if err := transport.Validate(ev); err != nil {
		m.log.Warn("invalid transport event dropped", "err", err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.session.LastActivity = now
	m.armTimerLocked(gen)

	switch e := ev.(type) {
	case transport.QrIssued:
		if m.session.Status != model.SessionConnecting {
			m.mu.Unlock()
			return
		}
		m.session.QR = e.Payload
		handlers := append([]func(string){}, m.qrHandlers...)
		snap := m.session
		m.mu.Unlock()

		if m.opts.Notifier != nil {
			m.opts.Notifier.QR(ctx, e.Payload)
		}
		for _, fn := range handlers {
			fn(e.Payload)
		}
		m.save(ctx, snap)

	case transport.Ready:
		m.session.Status = model.SessionConnected
		m.session.ConnectedAt = &now
		m.session.QR = ""
		m.session.LastError = ""
		snap := m.session
		m.mu.Unlock()
		m.log.Info("session connected", "account", e.Account)
		m.announce(ctx, snap)

	case transport.AuthFailed:
		m.mu.Unlock()
		m.fail(ctx, gen, e.Reason)

	case transport.Disconnected:
		m.gen++
		next := m.gen
		m.stopTimerLocked()
		m.session.Status = model.SessionDisconnected
		m.session.DisconnectedAt = &now
		m.session.QR = ""
		snap := m.session
		m.mu.Unlock()
		m.log.Warn("transport disconnected", "reason", e.Reason)
		m.announce(ctx, snap)
		// Never tear the transport down from inside its own callback.
		go m.teardown(ctx, next)

	case transport.MessageReceived:
		m.mu.Unlock()
		if m.opts.Inbound == nil {
			return
		}
		if err := m.opts.Inbound.Enqueue(e); err != nil {
			m.log.Error("inbound message not queued", "transport_id", e.ID, "err", err)
		}
	}
}

// fail moves generation gen to ERROR and tears the transport down in the background.
func (m *Manager) fail(ctx context.Context, gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	next := m.gen
	m.stopTimerLocked()
	m.session.Status = model.SessionError
	m.session.LastError = reason
	m.session.QR = ""
	snap := m.session
	m.mu.Unlock()

	m.log.Error("session failed", "reason", reason)
	m.announce(ctx, snap)
	go m.teardown(ctx, next)
}

// expire is the inactivity timer callback for generation gen.
func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	next := m.gen
	now := m.now()
	m.timer = nil
	m.session.Status = model.SessionDisconnected
	m.session.DisconnectedAt = &now
	m.session.QR = ""
	snap := m.session
	m.mu.Unlock()

	ctx := context.Background()
	m.log.Info("session expired after inactivity", "timeout", m.opts.InactivityTimeout)
	m.announce(ctx, snap)
	m.teardown(ctx, next)
}

// teardown disconnects the transport unless a newer Start or Stop already took over.
func (m *Manager) teardown(ctx context.Context, gen uint64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if !m.current(gen) {
		return
	}
	m.teardownLocked(ctx)
}

// teardownLocked requires opMu.
func (m *Manager) teardownLocked(ctx context.Context) {
	if err := m.tr.Disconnect(ctx); err != nil {
		m.log.Warn("transport disconnect failed", "err", err)
	}
	if m.opts.Lease != nil {
		if err := m.opts.Lease.Release(ctx); err != nil {
			m.log.Warn("session lease release failed", "err", err)
		}
	}
}

func (m *Manager) armTimerLocked(gen uint64) {
	if m.opts.InactivityTimeout <= 0 {
		return
	}
	m.stopTimerLocked()
	m.timer = time.AfterFunc(m.opts.InactivityTimeout, func() { m.expire(gen) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) announce(ctx context.Context, s model.Session) {
	if m.opts.Notifier != nil {
		m.opts.Notifier.SessionStatus(ctx, s)
	}
	m.save(ctx, s)
}

func (m *Manager) save(ctx context.Context, s model.Session) {
	if m.opts.Repo == nil {
		return
	}
	if err := m.opts.Repo.Save(ctx, s); err != nil {
		m.log.Warn("session snapshot not saved", "err", err)
	}
}

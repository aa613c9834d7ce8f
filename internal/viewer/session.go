package viewer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/camdash/camdash/internal/metrics"
	"github.com/camdash/camdash/internal/signaling"
)

// Phase is a session's position in its connection lifecycle.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseOfferSent
	PhaseConnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseOfferSent:
		return "offer-sent"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 5 * time.Second
	defaultInboxSize  = 32

	// maxRetriesMessage is the user-visible terminal failure text.
	maxRetriesMessage = "Max retries reached"
)

// Sender is the outbound half of the signaling channel a session needs.
type Sender interface {
	Send(msg signaling.Message) error
}

// Status is a point-in-time view of one session for the dashboard API.
type Status struct {
	CameraID    string    `json:"cameraId"`
	Phase       string    `json:"phase"`
	RetryCount  int       `json:"retryCount"`
	LastError   string    `json:"lastError,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// SessionConfig wires one session's collaborators. Registry, Sender and
// NewPeer are required.
type SessionConfig struct {
	CameraID   string
	Registry   *signaling.Registry
	Sender     Sender
	NewPeer    PeerFactory
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// after schedules fn once after d and returns a cancel func. Test seam;
	// nil means time.AfterFunc.
	after func(d time.Duration, fn func()) func()
}

type eventKind int

const (
	evMessage eventKind = iota
	evChannelError
	evChannelClosed
	evTrack
	evLocalCandidate
	evPeerFailure
	evRetry
	evReconnect
)

type event struct {
	kind      eventKind
	msg       signaling.Message
	err       error
	candidate signaling.Candidate
	reason    string
	gen       int
}

// Session is the per-camera connection state machine. All state below the
// "loop-owned" marker is touched only by the run goroutine; external callers
// interact through the inbox, Reconnect, Status and Close.
type Session struct {
	cameraID   string
	registry   *signaling.Registry
	sender     Sender
	newPeer    PeerFactory
	maxRetries int
	retryDelay time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics
	after      func(d time.Duration, fn func()) func()

	events     chan event
	quit       chan struct{}
	finished   chan struct{}
	closeOnce  sync.Once
	unregister func()

	// loop-owned
	phase          Phase
	clientID       string
	channelReady   bool
	peer           Peer
	peerGen        int
	pendingAnswer  string
	answerBuffered bool
	retryCount     int
	retryGen       int
	cancelRetry    func()
	connectedAt    time.Time
	lastErr        string

	statusMu sync.Mutex
	status   Status
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.after == nil {
		cfg.after = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		}
	}
	s := &Session{
		cameraID:   cfg.CameraID,
		registry:   cfg.Registry,
		sender:     cfg.Sender,
		newPeer:    cfg.NewPeer,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		log:        cfg.Logger.With("camera_id", cfg.CameraID),
		metrics:    cfg.Metrics,
		after:      cfg.after,
		events:     make(chan event, defaultInboxSize),
		quit:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	s.syncStatus()
	return s
}

// Start registers the session's inbox with the registry and launches the
// event loop. If a client identity is already known or the channel is already
// open, the registry delivers synthetic catch-up messages immediately.
func (s *Session) Start() {
	s.unregister = s.registry.Register(s.cameraID, s)
	go s.run()
}

// Deliver implements signaling.Inbox. Never blocks; a full inbox rejects the
// message and the registry counts the drop.
func (s *Session) Deliver(msg signaling.Message) bool {
	select {
	case s.events <- event{kind: evMessage, msg: msg}:
		return true
	default:
		return false
	}
}

// Fail implements signaling.Inbox.
func (s *Session) Fail(err error) {
	s.push(event{kind: evChannelError, err: err})
}

// Closed implements signaling.Inbox.
func (s *Session) Closed() {
	s.push(event{kind: evChannelClosed})
}

// Reconnect resets the retry budget and forces a fresh connection attempt.
// This is the manual affordance behind a terminally failed camera card.
func (s *Session) Reconnect() {
	select {
	case s.events <- event{kind: evReconnect}:
	case <-s.quit:
	}
}

// Status returns the latest published session status.
func (s *Session) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// Close synchronously stops the session: it unregisters from the registry,
// cancels any pending retry, and closes the peer connection. A retry timer
// that already fired becomes a no-op. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.finished
}

func (s *Session) push(ev event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("session inbox full, dropping internal event", "kind", ev.kind)
	}
}

func (s *Session) run() {
	defer close(s.finished)
	defer s.teardown()
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.events:
			s.handle(ev)
			s.syncStatus()
		}
	}
}

func (s *Session) teardown() {
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	s.retryGen++
	s.closePeer()
	if s.unregister != nil {
		s.unregister()
	}
	s.phase = PhaseDisconnected
	s.pendingAnswer, s.answerBuffered = "", false
	s.retryCount = 0
	s.syncStatus()
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evMessage:
		s.handleMessage(ev.msg)
	case evChannelError:
		s.fail("WebSocket error: " + ev.err.Error())
	case evChannelClosed:
		s.channelReady = false
		s.clientID = ""
		s.fail("WebSocket closed")
	case evTrack:
		if ev.gen != s.peerGen || s.peer == nil {
			return
		}
		s.phase = PhaseConnected
		s.retryCount = 0
		s.lastErr = ""
		s.connectedAt = time.Now()
		s.metrics.Inc(metrics.SessionConnected)
		s.log.Info("stream connected")
	case evLocalCandidate:
		if ev.gen != s.peerGen || s.peer == nil {
			return
		}
		if err := s.sender.Send(signaling.NewCandidate(s.cameraID, s.clientID, ev.candidate)); err != nil {
			s.log.Warn("sending local candidate failed", "err", err)
		}
	case evPeerFailure:
		if ev.gen != s.peerGen || s.peer == nil {
			return
		}
		s.fail(ev.reason)
	case evRetry:
		if ev.gen != s.retryGen || s.phase != PhaseFailed {
			return
		}
		s.cancelRetry = nil
		s.phase = PhaseDisconnected
		s.connect()
	case evReconnect:
		if s.cancelRetry != nil {
			s.cancelRetry()
			s.cancelRetry = nil
		}
		s.retryGen++
		s.retryCount = 0
		s.lastErr = ""
		s.closePeer()
		s.phase = PhaseDisconnected
		s.connect()
	}
}

func (s *Session) handleMessage(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeID:
		s.clientID = msg.ID
		s.connect()
	case signaling.TypeWSReady:
		s.channelReady = true
		s.connect()
	case signaling.TypeAnswer:
		s.handleAnswer(msg.SDP)
	case signaling.TypeCandidate:
		s.handleCandidate(msg.Candidate)
	case signaling.TypeError:
		s.fail(msg.Text)
	}
}

// connect drives the disconnected/failed → connecting → offer-sent path. It
// is idempotent: a session with an attempt already in flight, or missing its
// prerequisites (open channel and known client identity), is left untouched.
// The prerequisite check makes duplicate "id"/"ws_ready" triggers harmless.
func (s *Session) connect() {
	switch s.phase {
	case PhaseConnecting, PhaseOfferSent, PhaseConnected:
		return
	}
	if !s.channelReady || s.clientID == "" {
		return
	}

	s.closePeer()
	s.phase = PhaseConnecting
	s.peerGen++
	gen := s.peerGen
	handlers := PeerHandlers{
		OnTrack: func() {
			s.push(event{kind: evTrack, gen: gen})
		},
		OnCandidate: func(c signaling.Candidate) {
			s.push(event{kind: evLocalCandidate, candidate: c, gen: gen})
		},
		OnFailure: func(reason string) {
			s.push(event{kind: evPeerFailure, reason: reason, gen: gen})
		},
	}

	peer, err := s.newPeer(s.cameraID, handlers)
	if err != nil {
		s.fail("create peer connection: " + err.Error())
		return
	}
	s.peer = peer
	s.sendOffer()
}

// sendOffer creates and transmits a local offer. The stable-state guard is
// the single outstanding-offer invariant: once an offer is applied locally,
// the signaling state leaves "stable" and further calls no-op until the
// negotiation settles or the peer is replaced.
func (s *Session) sendOffer() {
	if s.peer == nil || !s.peer.SignalingStable() {
		return
	}

	sdp, err := s.peer.CreateOffer()
	if err != nil {
		s.fail("create offer: " + err.Error())
		return
	}
	if err := s.sender.Send(signaling.NewOffer(s.cameraID, s.clientID, sdp)); err != nil {
		s.fail("send offer: " + err.Error())
		return
	}
	s.phase = PhaseOfferSent
	s.log.Debug("offer sent")

	if s.answerBuffered {
		answer := s.pendingAnswer
		s.pendingAnswer, s.answerBuffered = "", false
		if err := s.peer.ApplyAnswer(answer); err != nil {
			s.fail("apply buffered answer: " + err.Error())
		}
	}
}

func (s *Session) handleAnswer(sdp string) {
	if s.peer == nil {
		s.protocolError("answer received with no active peer connection")
		return
	}
	switch {
	case s.peer.HaveLocalOffer():
		if err := s.peer.ApplyAnswer(sdp); err != nil {
			s.fail("apply answer: " + err.Error())
		}
	case s.peer.SignalingStable():
		// The offer never made it out (lost race with negotiation); hold the
		// answer and re-offer so it can be applied right after.
		s.pendingAnswer = sdp
		s.answerBuffered = true
		s.metrics.Inc(metrics.AnswerBuffered)
		s.sendOffer()
	default:
		s.protocolError("answer in unexpected signaling state")
	}
}

func (s *Session) handleCandidate(c *signaling.Candidate) {
	if c == nil {
		return
	}
	if s.peer == nil || !s.peer.HasRemoteDescription() {
		// Candidates ahead of the remote description are dropped, not
		// buffered; gathering continues after negotiation completes.
		s.metrics.Inc(metrics.CandidateDropped)
		s.log.Warn("dropping candidate before remote description")
		return
	}
	if err := s.peer.AddCandidate(*c); err != nil {
		s.log.Warn("adding remote candidate failed", "err", err)
	}
}

// protocolError surfaces a negotiation protocol violation without a phase
// transition.
func (s *Session) protocolError(text string) {
	s.lastErr = text
	s.log.Warn("signaling protocol violation", "detail", text)
}

// fail tears down the peer and either schedules a bounded retry or parks the
// session with the terminal message until a manual Reconnect.
func (s *Session) fail(reason string) {
	s.closePeer()
	s.pendingAnswer, s.answerBuffered = "", false
	s.phase = PhaseFailed
	s.lastErr = reason
	s.log.Warn("session failed", "reason", reason, "attempt", s.retryCount)

	if s.retryCount < s.maxRetries {
		s.retryCount++
		s.metrics.Inc(metrics.SessionRetry)
		s.scheduleRetry()
		return
	}
	s.lastErr = maxRetriesMessage
	s.metrics.Inc(metrics.SessionFailed)
	s.log.Warn("retries exhausted, waiting for manual reconnect")
}

func (s *Session) scheduleRetry() {
	if s.cancelRetry != nil {
		s.cancelRetry()
	}
	s.retryGen++
	gen := s.retryGen
	s.cancelRetry = s.after(s.retryDelay, func() {
		s.push(event{kind: evRetry, gen: gen})
	})
}

func (s *Session) closePeer() {
	if s.peer == nil {
		return
	}
	_ = s.peer.Close()
	s.peer = nil
	s.peerGen++
}

func (s *Session) syncStatus() {
	st := Status{
		CameraID:    s.cameraID,
		Phase:       s.phase.String(),
		RetryCount:  s.retryCount,
		LastError:   s.lastErr,
		ConnectedAt: s.connectedAt,
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

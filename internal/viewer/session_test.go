package viewer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/camdash/camdash/internal/metrics"
	"github.com/camdash/camdash/internal/signaling"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []signaling.Message
	err  error
}

func (f *fakeSender) Send(msg signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSender) sent() []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signaling.Message(nil), f.msgs...)
}

func (f *fakeSender) count(t signaling.MessageType) int {
	n := 0
	for _, m := range f.sent() {
		if m.Type == t {
			n++
		}
	}
	return n
}

type fakePeer struct {
	mu       sync.Mutex
	handlers PeerHandlers

	state      string // "stable", "have-local-offer", or anything else
	remoteSet  bool
	offers     int
	applied    []string
	candidates []signaling.Candidate
	closed     bool

	offerErr error
	applyErr error
}

func (p *fakePeer) CreateOffer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return "", p.offerErr
	}
	p.offers++
	p.state = "have-local-offer"
	return fmt.Sprintf("sdp-offer-%d", p.offers), nil
}

func (p *fakePeer) SignalingStable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == "stable"
}

func (p *fakePeer) HaveLocalOffer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == "have-local-offer"
}

func (p *fakePeer) ApplyAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyErr != nil {
		return p.applyErr
	}
	p.applied = append(p.applied, sdp)
	p.remoteSet = true
	p.state = "stable"
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

func (p *fakePeer) AddCandidate(c signaling.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) appliedAnswers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

func (p *fakePeer) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *fakePeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) setState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

type fakePeerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error

	nextOfferErr error
}

func (f *fakePeerFactory) new(cameraID string, handlers PeerHandlers) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{handlers: handlers, state: "stable", offerErr: f.nextOfferErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeTimer struct {
	fn        func()
	cancelled bool
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeScheduler) after(_ time.Duration, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		t.cancelled = true
	}
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// fireLast invokes the most recently scheduled timer even if cancelled; a
// cancelled timer's callback must be a no-op on the session side.
func (f *fakeScheduler) fireLast(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	if len(f.timers) == 0 {
		f.mu.Unlock()
		t.Fatal("no retry timer scheduled")
	}
	fn := f.timers[len(f.timers)-1].fn
	f.mu.Unlock()
	fn()
}

func (f *fakeScheduler) lastCancelled(t *testing.T) bool {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		t.Fatal("no retry timer scheduled")
	}
	return f.timers[len(f.timers)-1].cancelled
}

type sessionHarness struct {
	session  *Session
	registry *signaling.Registry
	sender   *fakeSender
	factory  *fakePeerFactory
	sched    *fakeScheduler
	metrics  *metrics.Metrics
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	h := &sessionHarness{
		registry: signaling.NewRegistry(logger, m),
		sender:   &fakeSender{},
		factory:  &fakePeerFactory{},
		sched:    &fakeScheduler{},
		metrics:  m,
	}
	h.session = NewSession(SessionConfig{
		CameraID: "cam-1",
		Registry: h.registry,
		Sender:   h.sender,
		NewPeer:  h.factory.new,
		Logger:   logger,
		Metrics:  m,
		after:    h.sched.after,
	})
	h.session.Start()
	t.Cleanup(h.session.Close)
	return h
}

// bringUp drives the session from disconnected to offer-sent.
func (h *sessionHarness) bringUp(t *testing.T) {
	t.Helper()
	h.registry.Route(signaling.Message{Type: signaling.TypeID, ID: "client-abc"})
	h.registry.MarkOpen()
	h.waitPhase(t, PhaseOfferSent)
}

func (h *sessionHarness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	h.waitFor(t, fmt.Sprintf("phase %s", want), func() bool {
		return h.session.Status().Phase == want.String()
	})
}

func (h *sessionHarness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; status=%+v", what, h.session.Status())
}

func (h *sessionHarness) deliverAnswer(sdp string) {
	h.registry.Route(signaling.Message{
		Type:     signaling.TypeAnswer,
		CameraID: "cam-1",
		ClientID: "client-abc",
		SDP:      sdp,
	})
}

func TestSessionConnectsOnIdentityAndReady(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	if got := h.factory.count(); got != 1 {
		t.Fatalf("peer connections created = %d, want 1", got)
	}
	offers := h.sender.sent()
	if len(offers) != 1 || offers[0].Type != signaling.TypeOffer {
		t.Fatalf("sent = %+v, want exactly one offer", offers)
	}
	if offers[0].CameraID != "cam-1" || offers[0].ClientID != "client-abc" || offers[0].Target != signaling.TargetServer {
		t.Fatalf("offer routing fields = %+v", offers[0])
	}
}

func TestSessionSingleOfferDespiteDuplicateTriggers(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	// Duplicate triggers: a second id broadcast and a redundant ws_ready.
	h.registry.Route(signaling.Message{Type: signaling.TypeID, ID: "client-abc"})
	h.registry.MarkOpen()
	h.waitFor(t, "duplicate triggers settled", func() bool {
		return h.session.Status().Phase == PhaseOfferSent.String()
	})

	if got := h.sender.count(signaling.TypeOffer); got != 1 {
		t.Fatalf("offers sent = %d, want 1 (duplicate triggers must be idempotent)", got)
	}
	if got := h.factory.count(); got != 1 {
		t.Fatalf("peer connections created = %d, want 1", got)
	}
}

func TestSessionAnswerThenTrackConnects(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	h.deliverAnswer("answer-sdp")
	h.waitFor(t, "answer applied", func() bool {
		return len(h.factory.last().appliedAnswers()) == 1
	})
	if st := h.session.Status(); st.Phase != PhaseOfferSent.String() {
		t.Fatalf("phase after answer = %s, want offer-sent until a track arrives", st.Phase)
	}

	h.factory.last().handlers.OnTrack()
	h.waitPhase(t, PhaseConnected)

	if st := h.session.Status(); st.RetryCount != 0 || st.LastError != "" {
		t.Fatalf("connected status = %+v, want clean slate", st)
	}
}

func TestSessionBuffersAnswerInStableState(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	// First negotiation completes, signaling returns to stable.
	h.deliverAnswer("answer-1")
	h.waitFor(t, "first answer applied", func() bool {
		return len(h.factory.last().appliedAnswers()) == 1
	})

	// Server re-answers while no offer is outstanding: the answer must be
	// buffered, a fresh offer sent, and the buffer consumed exactly once.
	h.deliverAnswer("answer-2")
	h.waitFor(t, "buffered answer consumed", func() bool {
		return len(h.factory.last().appliedAnswers()) == 2
	})

	applied := h.factory.last().appliedAnswers()
	if applied[0] != "answer-1" || applied[1] != "answer-2" {
		t.Fatalf("applied answers = %v", applied)
	}
	if got := h.sender.count(signaling.TypeOffer); got != 2 {
		t.Fatalf("offers sent = %d, want 2 (re-offer to consume buffered answer)", got)
	}
	if got := h.metrics.Get(metrics.AnswerBuffered); got != 1 {
		t.Fatalf("answer_buffered = %d, want 1", got)
	}
}

func TestSessionAnswerInUnexpectedStateIsSurfacedNotApplied(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	h.factory.last().setState("have-remote-offer")
	h.deliverAnswer("bogus")
	h.waitFor(t, "protocol violation surfaced", func() bool {
		return h.session.Status().LastError != ""
	})

	if st := h.session.Status(); st.Phase != PhaseOfferSent.String() {
		t.Fatalf("phase = %s, want offer-sent (no transition on protocol violation)", st.Phase)
	}
	if got := len(h.factory.last().appliedAnswers()); got != 0 {
		t.Fatalf("applied answers = %d, want 0", got)
	}
}

func TestSessionDropsCandidateBeforeRemoteDescription(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	cand := signaling.Candidate{Candidate: "candidate:early"}
	h.registry.Route(signaling.Message{Type: signaling.TypeCandidate, CameraID: "cam-1", Candidate: &cand})
	h.waitFor(t, "early candidate dropped", func() bool {
		return h.metrics.Get(metrics.CandidateDropped) == 1
	})
	if got := h.factory.last().candidateCount(); got != 0 {
		t.Fatalf("candidates applied = %d, want 0 before remote description", got)
	}

	h.deliverAnswer("answer-1")
	h.registry.Route(signaling.Message{Type: signaling.TypeCandidate, CameraID: "cam-1", Candidate: &cand})
	h.waitFor(t, "candidate applied after remote description", func() bool {
		return h.factory.last().candidateCount() == 1
	})
}

func TestSessionForwardsLocalCandidates(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	h.factory.last().handlers.OnCandidate(signaling.Candidate{Candidate: "candidate:local"})
	h.waitFor(t, "local candidate sent", func() bool {
		return h.sender.count(signaling.TypeCandidate) == 1
	})

	var msg signaling.Message
	for _, m := range h.sender.sent() {
		if m.Type == signaling.TypeCandidate {
			msg = m
		}
	}
	if msg.CameraID != "cam-1" || msg.ClientID != "client-abc" || msg.Target != signaling.TargetServer {
		t.Fatalf("candidate routing fields = %+v", msg)
	}
}

func TestSessionRetriesThenExhausts(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	// Initial failure plus three retried attempts, each failing in turn.
	for attempt := 0; attempt < 3; attempt++ {
		h.factory.last().handlers.OnFailure("connection failed")
		h.waitFor(t, "retry scheduled", func() bool {
			return h.sched.count() == attempt+1
		})
		if st := h.session.Status(); st.Phase != PhaseFailed.String() {
			t.Fatalf("phase during backoff = %s, want failed", st.Phase)
		}
		h.sched.fireLast(t)
		h.waitFor(t, "retry attempt offered", func() bool {
			return h.factory.count() == attempt+2
		})
	}

	h.factory.last().handlers.OnFailure("connection failed")
	h.waitFor(t, "terminal failure", func() bool {
		return h.session.Status().LastError == maxRetriesMessage
	})

	if st := h.session.Status(); st.Phase != PhaseFailed.String() {
		t.Fatalf("terminal phase = %s, want failed", st.Phase)
	}
	if got := h.sched.count(); got != 3 {
		t.Fatalf("timers scheduled = %d, want 3 (no retry after exhaustion)", got)
	}
	if got := h.metrics.Get(metrics.SessionFailed); got != 1 {
		t.Fatalf("session_failed = %d, want 1", got)
	}
}

func TestSessionManualReconnectResetsBudget(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	for attempt := 0; attempt < 3; attempt++ {
		h.factory.last().handlers.OnFailure("connection failed")
		h.waitFor(t, "retry scheduled", func() bool { return h.sched.count() == attempt+1 })
		h.sched.fireLast(t)
		h.waitFor(t, "retry attempt", func() bool { return h.factory.count() == attempt+2 })
	}
	h.factory.last().handlers.OnFailure("connection failed")
	h.waitFor(t, "terminal failure", func() bool {
		return h.session.Status().LastError == maxRetriesMessage
	})

	h.session.Reconnect()
	h.waitPhase(t, PhaseOfferSent)

	if st := h.session.Status(); st.RetryCount != 0 || st.LastError != "" {
		t.Fatalf("status after manual reconnect = %+v", st)
	}
}

func TestSessionCloseCancelsPendingRetry(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	h.factory.last().handlers.OnFailure("connection failed")
	h.waitFor(t, "retry scheduled", func() bool { return h.sched.count() == 1 })

	peers := h.factory.count()
	h.session.Close()

	if !h.sched.lastCancelled(t) {
		t.Fatal("pending retry timer not cancelled on Close")
	}
	// Even if the callback races the cancel, it must not revive the session.
	h.sched.fireLast(t)
	time.Sleep(20 * time.Millisecond)
	if got := h.factory.count(); got != peers {
		t.Fatalf("peer connections after close = %d, want %d (zombie reconnect)", got, peers)
	}
	if h.registry.Size() != 0 {
		t.Fatalf("registry size = %d, want 0 after close", h.registry.Size())
	}
}

func TestSessionClosePeerOnTeardown(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	peer := h.factory.last()
	h.session.Close()
	if !peer.isClosed() {
		t.Fatal("peer connection not closed on session close")
	}
}

func TestSessionLateRegisterCatchesUp(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	reg := signaling.NewRegistry(logger, m)
	sender := &fakeSender{}
	factory := &fakePeerFactory{}
	sched := &fakeScheduler{}

	// Identity and channel-open happen before the session exists, e.g. the
	// camera paged into view later.
	reg.Route(signaling.Message{Type: signaling.TypeID, ID: "client-abc"})
	reg.MarkOpen()

	s := NewSession(SessionConfig{
		CameraID: "cam-late",
		Registry: reg,
		Sender:   sender,
		NewPeer:  factory.new,
		Logger:   logger,
		Metrics:  m,
		after:    sched.after,
	})
	s.Start()
	t.Cleanup(s.Close)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().Phase == PhaseOfferSent.String() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if st := s.Status(); st.Phase != PhaseOfferSent.String() {
		t.Fatalf("late-mounted session phase = %s, want offer-sent via synthetic catch-up", st.Phase)
	}
	if sender.count(signaling.TypeOffer) != 1 {
		t.Fatalf("offers = %d, want 1", sender.count(signaling.TypeOffer))
	}
}

func TestSessionChannelCloseFailsWithRetry(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	h.registry.MarkClosed()
	h.waitPhase(t, PhaseFailed)

	if st := h.session.Status(); st.LastError != "WebSocket closed" {
		t.Fatalf("last error = %q", st.LastError)
	}
	// The retry fires but cannot proceed until the channel reopens.
	h.sched.fireLast(t)
	time.Sleep(20 * time.Millisecond)
	if got := h.factory.count(); got != 1 {
		t.Fatalf("peer connections = %d, want 1 while channel is down", got)
	}

	// Channel comes back: identity is reassigned and the session recovers.
	h.registry.Route(signaling.Message{Type: signaling.TypeID, ID: "client-new"})
	h.registry.MarkOpen()
	h.waitFor(t, "recovery offer", func() bool { return h.factory.count() == 2 })
}

func TestSessionErrorMessageTriggersFailure(t *testing.T) {
	h := newSessionHarness(t)
	h.bringUp(t)

	h.registry.Route(signaling.Message{Type: signaling.TypeError, CameraID: "cam-1", Text: "camera offline"})
	h.waitPhase(t, PhaseFailed)

	if st := h.session.Status(); st.LastError != "camera offline" {
		t.Fatalf("last error = %q, want camera offline", st.LastError)
	}
	if h.sched.count() != 1 {
		t.Fatalf("timers = %d, want a retry scheduled", h.sched.count())
	}
}

package viewer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/camdash/camdash/internal/signaling"
	"github.com/camdash/camdash/internal/stats"
)

// Peer is the negotiable media connection owned by one session. Exactly one
// live Peer exists per session at a time.
//
// All methods are called from the session's event loop; implementations invoke
// the PeerHandlers callbacks from their own goroutines and must tolerate the
// session having moved on.
type Peer interface {
	// CreateOffer builds and applies a local offer, returning its SDP.
	CreateOffer() (string, error)
	// SignalingStable reports whether the signaling state is "stable"
	// (no offer outstanding).
	SignalingStable() bool
	// HaveLocalOffer reports whether a local offer is outstanding.
	HaveLocalOffer() bool
	// ApplyAnswer sets the remote description from an answer SDP.
	ApplyAnswer(sdp string) error
	// HasRemoteDescription reports whether a remote description is set.
	HasRemoteDescription() bool
	// AddCandidate applies a remote ICE candidate.
	AddCandidate(c signaling.Candidate) error
	Close() error
}

// PeerHandlers are the session-facing callbacks a Peer fires as negotiation
// progresses.
type PeerHandlers struct {
	// OnTrack fires when the first remote media track arrives.
	OnTrack func()
	// OnCandidate fires for each locally discovered ICE candidate.
	OnCandidate func(c signaling.Candidate)
	// OnFailure fires when the connection reports failed or disconnected.
	OnFailure func(reason string)
}

// PeerFactory builds a fresh Peer for one camera. Sessions call it on every
// (re)connect attempt.
type PeerFactory func(cameraID string, handlers PeerHandlers) (Peer, error)

// NewPionFactory returns a PeerFactory backed by pion PeerConnections with a
// single recvonly video transceiver. Received RTP is drained into the stats
// collector.
func NewPionFactory(iceServers []webrtc.ICEServer, collector *stats.Collector, logger *slog.Logger) PeerFactory {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = logging.NewDefaultLoggerFactory()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return newAPIFactory(api, iceServers, collector, logger)
}

// newAPIFactory builds peers on an explicit webrtc.API, letting tests supply
// a vnet-backed engine.
func newAPIFactory(api *webrtc.API, iceServers []webrtc.ICEServer, collector *stats.Collector, logger *slog.Logger) PeerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(cameraID string, handlers PeerHandlers) (Peer, error) {
		return newPionPeer(api, iceServers, cameraID, handlers, collector, logger)
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func newPionPeer(api *webrtc.API, iceServers []webrtc.ICEServer, cameraID string, handlers PeerHandlers, collector *stats.Collector, logger *slog.Logger) (*pionPeer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add recvonly transceiver: %w", err)
	}

	sawTrack := false
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// Only the first track flips the session to connected; additional
		// tracks are still drained for stats.
		if !sawTrack {
			sawTrack = true
			if handlers.OnTrack != nil {
				handlers.OnTrack()
			}
		}
		go drainTrack(track, cameraID, collector, logger)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || handlers.OnCandidate == nil {
			return
		}
		handlers.OnCandidate(signaling.CandidateFromPion(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			if handlers.OnFailure != nil {
				handlers.OnFailure("connection " + state.String())
			}
		}
	})

	return &pionPeer{pc: pc}, nil
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) SignalingStable() bool {
	return p.pc.SignalingState() == webrtc.SignalingStateStable
}

func (p *pionPeer) HaveLocalOffer() bool {
	return p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (p *pionPeer) ApplyAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddCandidate(c signaling.Candidate) error {
	return p.pc.AddICECandidate(c.ToPion())
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

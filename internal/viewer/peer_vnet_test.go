package viewer

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/camdash/camdash/internal/signaling"
	"github.com/camdash/camdash/internal/stats"
)

// TestPionPeerNegotiatesOverVNet runs a full offer/answer/candidate exchange
// between the recvonly viewer peer and a simulated camera on a virtual
// network, and checks that received media lands in the stats collector.
func TestPionPeerNegotiatesOverVNet(t *testing.T) {
	const (
		cidr     = "10.0.0.0/24"
		viewerIP = "10.0.0.1"
		cameraIP = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	viewerNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{viewerIP}})
	if err != nil {
		t.Fatalf("new viewer net: %v", err)
	}
	cameraNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{cameraIP}})
	if err != nil {
		t.Fatalf("new camera net: %v", err)
	}
	if err := router.AddNet(viewerNet); err != nil {
		t.Fatalf("add viewer net: %v", err)
	}
	if err := router.AddNet(cameraNet); err != nil {
		t.Fatalf("add camera net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	viewerAPI, err := newVNetAPI(viewerNet)
	if err != nil {
		t.Fatalf("new viewer api: %v", err)
	}
	cameraAPI, err := newVNetAPI(cameraNet)
	if err != nil {
		t.Fatalf("new camera api: %v", err)
	}

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	collector := stats.NewCollector()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := newAPIFactory(viewerAPI, nil, collector, logger)

	trackArrived := make(chan struct{}, 1)
	viewerCands := make(chan signaling.Candidate, 16)
	peer, err := factory("cam-vnet", PeerHandlers{
		OnTrack: func() {
			select {
			case trackArrived <- struct{}{}:
			default:
			}
		},
		OnCandidate: func(c signaling.Candidate) {
			select {
			case viewerCands <- c:
			case <-done:
			}
		},
	})
	if err != nil {
		t.Fatalf("new viewer peer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	cameraPC, err := cameraAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new camera pc: %v", err)
	}
	t.Cleanup(func() { _ = cameraPC.Close() })

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "cam-vnet",
	)
	if err != nil {
		t.Fatalf("new local track: %v", err)
	}
	if _, err := cameraPC.AddTrack(track); err != nil {
		t.Fatalf("add track: %v", err)
	}

	cameraCands := make(chan webrtc.ICECandidateInit, 16)
	cameraPC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		select {
		case cameraCands <- c.ToJSON():
		case <-done:
		}
	})

	if !peer.SignalingStable() {
		t.Fatal("fresh peer must start in the stable signaling state")
	}
	offerSDP, err := peer.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if !peer.HaveLocalOffer() {
		t.Fatal("peer must be in have-local-offer after creating an offer")
	}

	if err := cameraPC.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		t.Fatalf("set remote offer: %v", err)
	}
	answer, err := cameraPC.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := cameraPC.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local answer: %v", err)
	}
	if err := peer.ApplyAnswer(answer.SDP); err != nil {
		t.Fatalf("apply answer: %v", err)
	}
	if !peer.HasRemoteDescription() {
		t.Fatal("peer must report a remote description after the answer")
	}

	// Trickle candidates both ways for the rest of the test.
	go func() {
		for {
			select {
			case c := <-viewerCands:
				_ = cameraPC.AddICECandidate(c.ToPion())
			case c := <-cameraCands:
				_ = peer.AddCandidate(signaling.CandidateFromPion(c))
			case <-done:
				return
			}
		}
	}()

	// Feed frames until the test completes; OnTrack fires on the first one
	// that makes it across.
	go func() {
		payload := make([]byte, 1200)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: payload, Duration: 20 * time.Millisecond})
			case <-done:
				return
			}
		}
	}()

	select {
	case <-trackArrived:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for the remote track")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := collector.Camera("cam-vnet"); ok && st.Packets > 0 && st.Online {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	st, _ := collector.Camera("cam-vnet")
	t.Fatalf("no media accounted for cam-vnet: %+v", st)
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeID        MessageType = "id"
	TypeWSReady   MessageType = "ws_ready"
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeError     MessageType = "error"
)

// TargetServer is the routing target for messages addressed to the media
// server rather than to another browser-style client.
const TargetServer = "webrtc-server"

// Candidate is a JSON-friendly ICE candidate payload.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the tagged union exchanged over the signaling channel. Every
// message is transient: it is routed once and discarded.
type Message struct {
	Type MessageType `json:"type"`

	// ID carries the server-assigned client identity on "id" messages.
	ID string `json:"id,omitempty"`

	// CameraID / ClientID are routing keys.
	CameraID string `json:"cameraId,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Target string `json:"target,omitempty"`

	// Text is the human-readable payload of "error" messages.
	Text string `json:"message,omitempty"`
}

// Parse decodes and validates an inbound signaling frame.
//
// Unknown fields are tolerated: the server side of this protocol has grown
// fields over time and the client must not reject frames for carrying extras.
func Parse(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeID:
		if m.ID == "" {
			return fmt.Errorf("id message missing id")
		}
	case TypeWSReady:
		// No payload.
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
	case TypeError:
		if m.Text == "" {
			return fmt.Errorf("error message missing message text")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// NewOffer builds the outbound offer message for one camera session.
func NewOffer(cameraID, clientID, sdp string) Message {
	return Message{
		Type:     TypeOffer,
		SDP:      sdp,
		CameraID: cameraID,
		ClientID: clientID,
		Target:   TargetServer,
	}
}

// NewCandidate builds the outbound ICE candidate message for one camera
// session.
func NewCandidate(cameraID, clientID string, c Candidate) Message {
	return Message{
		Type:      TypeCandidate,
		Candidate: &c,
		CameraID:  cameraID,
		ClientID:  clientID,
		Target:    TargetServer,
	}
}

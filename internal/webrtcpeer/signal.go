package webrtcpeer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var ErrBadSignal = errors.New("bad signal payload")

const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"
)

// signal is the payload carried in call-user/answer-call/ice-candidate
// messages. The shapes match what browser peers built on simple-peer send:
//
//	{"type":"offer","sdp":"..."}
//	{"type":"candidate","candidate":{"candidate":"...","sdpMid":"0","sdpMLineIndex":0}}
type signal struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func decodeSignal(data json.RawMessage) (signal, error) {
	var s signal
	if err := json.Unmarshal(data, &s); err != nil {
		return signal{}, fmt.Errorf("%w: %w", ErrBadSignal, err)
	}
	switch s.Type {
	case signalOffer, signalAnswer:
		if s.SDP == "" {
			return signal{}, fmt.Errorf("%w: %s without sdp", ErrBadSignal, s.Type)
		}
	case signalCandidate:
		if s.Candidate == nil {
			return signal{}, fmt.Errorf("%w: candidate without candidate", ErrBadSignal)
		}
	case "":
		return signal{}, fmt.Errorf("%w: missing type", ErrBadSignal)
	}
	return s, nil
}

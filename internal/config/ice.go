package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// iceSources holds the raw ICE settings shared by the relay and the client.
// A JSON list wins over the STUN/TURN convenience settings.
type iceSources struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func iceSourcesFromEnv(lookup func(string) (string, bool)) iceSources {
	return iceSources{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}
}

// parse returns the validated server list. mintedTURN is set when TURN REST
// fills in credentials per request, so TURN entries may carry URLs only.
func (s iceSources) parse(mintedTURN bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.serversJSON); raw != "" {
		servers, err := s.fromJSON(raw, mintedTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return s.fromConvenience(mintedTURN)
}

// iceEntry mirrors RTCIceServer as browsers accept it: urls may be a single
// string or a list.
type iceEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if json.Unmarshal(b, &one) == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func (e iceEntry) server() webrtc.ICEServer {
	srv := webrtc.ICEServer{
		URLs:     trimmedList(e.URLs),
		Username: strings.TrimSpace(e.Username),
	}
	if cred := strings.TrimSpace(e.Credential); cred != "" {
		srv.Credential = cred
	}
	return srv
}

func (s iceSources) fromJSON(raw string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	var entries []iceEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	servers := make([]webrtc.ICEServer, len(entries))
	for i, e := range entries {
		servers[i] = e.server()
		if err := checkICEServer(servers[i], mintedTURN); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
	}
	return servers, nil
}

func (s iceSources) fromConvenience(mintedTURN bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := trimmedList(strings.Split(s.stunURLs, ",")); len(urls) > 0 {
		stun := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(stun, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, stun)
	}

	urls := trimmedList(strings.Split(s.turnURLs, ","))
	if len(urls) == 0 {
		return servers, nil
	}
	user, cred := strings.TrimSpace(s.turnUsername), strings.TrimSpace(s.turnCredential)
	if !mintedTURN && (user == "" || cred == "") {
		return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
	}
	turn := webrtc.ICEServer{URLs: urls, Username: user}
	if cred != "" {
		turn.Credential = cred
	}
	if err := checkICEServer(turn, mintedTURN); err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, turn), nil
}

// trimmedList trims every entry and drops the empty ones.
func trimmedList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func checkICEServer(srv webrtc.ICEServer, mintedTURN bool) error {
	if len(srv.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, u := range srv.URLs {
		if _, ok := iceScheme(u); !ok {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if mintedTURN || !IsTURNServer(srv) {
		return nil
	}
	if srv.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := srv.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

// iceScheme returns the lower-cased scheme of an ICE URL if it is one of
// stun, stuns, turn or turns.
func iceScheme(u string) (string, bool) {
	scheme, _, found := strings.Cut(strings.TrimSpace(u), ":")
	if !found {
		return "", false
	}
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return scheme, true
	}
	return "", false
}

// IsTURNServer reports whether any of the server's URLs use a turn/turns scheme.
func IsTURNServer(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		if scheme, ok := iceScheme(u); ok && strings.HasPrefix(scheme, "turn") {
			return true
		}
	}
	return false
}

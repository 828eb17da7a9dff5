package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	envVarClientRelayURL      = "AERO_CALL_RELAY_URL"
	envVarClientToken         = "AERO_CALL_TOKEN"
	envVarClientName          = "AERO_CALL_NAME"
	envVarClientTrickle       = "AERO_CALL_TRICKLE"
	envVarClientRingTimeout   = "AERO_CALL_RING_TIMEOUT"
	envVarClientGatherTimeout = "AERO_CALL_GATHER_TIMEOUT"
	envVarClientLogFormat     = "AERO_CALL_LOG_FORMAT"
	envVarClientLogLevel      = "AERO_CALL_LOG_LEVEL"

	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs = "WEBRTC_NAT_1TO1_IPS"

	DefaultClientRelayURL      = "ws://127.0.0.1:8080/signal"
	DefaultClientGatherTimeout = 2 * time.Second
	DefaultClientDialTimeout   = 5 * time.Second
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// ClientConfig configures a call participant.
type ClientConfig struct {
	RelayURL    string
	Token       string
	DisplayName string

	// Trickle sends ICE candidates as they are gathered instead of waiting
	// for gathering to finish and sending one complete description.
	Trickle       bool
	GatherTimeout time.Duration
	// RingTimeout abandons an unanswered call. 0 disables it.
	RingTimeout time.Duration
	DialTimeout time.Duration

	LogFormat LogFormat
	LogLevel  slog.Level

	ICEServers         []webrtc.ICEServer
	WebRTCUDPPortRange *UDPPortRange
	WebRTCNAT1To1IPs   []string
}

// ClientFlags holds raw client settings between flag binding and validation.
// Environment values become the flag defaults.
type ClientFlags struct {
	relayURL      string
	token         string
	name          string
	trickle       bool
	gatherTimeout time.Duration
	ringTimeout   time.Duration
	dialTimeout   time.Duration
	logFormat     string
	logLevel      string
	portMin       uint16
	portMax       uint16
	nat1To1IPs    string
	ice           iceSources
}

func NewClientFlags() (*ClientFlags, error) {
	return newClientFlags(os.LookupEnv)
}

func newClientFlags(lookup func(string) (string, bool)) (*ClientFlags, error) {
	trickle, err := envBoolOrDefault(lookup, envVarClientTrickle, false)
	if err != nil {
		return nil, err
	}
	gatherTimeout, err := envDurationOrDefault(lookup, envVarClientGatherTimeout, DefaultClientGatherTimeout)
	if err != nil {
		return nil, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, envVarClientRingTimeout, 0)
	if err != nil {
		return nil, err
	}
	portMin, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMin, 0)
	if err != nil {
		return nil, err
	}
	portMax, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMax, 0)
	if err != nil {
		return nil, err
	}
	if portMin < 0 || portMin > 65535 {
		return nil, fmt.Errorf("invalid %s %d: out of range", envVarWebRTCUDPPortMin, portMin)
	}
	if portMax < 0 || portMax > 65535 {
		return nil, fmt.Errorf("invalid %s %d: out of range", envVarWebRTCUDPPortMax, portMax)
	}

	return &ClientFlags{
		relayURL:      envOrDefault(lookup, envVarClientRelayURL, DefaultClientRelayURL),
		token:         envOrDefault(lookup, envVarClientToken, ""),
		name:          envOrDefault(lookup, envVarClientName, ""),
		trickle:       trickle,
		gatherTimeout: gatherTimeout,
		ringTimeout:   ringTimeout,
		dialTimeout:   DefaultClientDialTimeout,
		logFormat:     envOrDefault(lookup, envVarClientLogFormat, string(LogFormatText)),
		logLevel:      envOrDefault(lookup, envVarClientLogLevel, "info"),
		portMin:       uint16(portMin),
		portMax:       uint16(portMax),
		nat1To1IPs:    envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		ice:           iceSourcesFromEnv(lookup),
	}, nil
}

// Bind registers the client flags on fs.
func (f *ClientFlags) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.relayURL, "relay-url", f.relayURL, "Relay signaling WebSocket URL (env "+envVarClientRelayURL+")")
	fs.StringVar(&f.token, "token", f.token, "Connect token: API key or JWT (env "+envVarClientToken+")")
	fs.StringVar(&f.name, "name", f.name, "Display name shown to callees (env "+envVarClientName+")")
	fs.BoolVar(&f.trickle, "trickle", f.trickle, "Trickle ICE candidates instead of sending complete descriptions (env "+envVarClientTrickle+")")
	fs.DurationVar(&f.gatherTimeout, "gather-timeout", f.gatherTimeout, "Max time to wait for ICE gathering when not trickling (env "+envVarClientGatherTimeout+")")
	fs.DurationVar(&f.ringTimeout, "ring-timeout", f.ringTimeout, "Abandon unanswered calls after this duration (0 = never; env "+envVarClientRingTimeout+")")
	fs.DurationVar(&f.dialTimeout, "dial-timeout", f.dialTimeout, "Relay connect timeout")
	fs.StringVar(&f.logFormat, "log-format", f.logFormat, "Log format: text or json")
	fs.StringVar(&f.logLevel, "log-level", f.logLevel, "Log level: debug, info, warn, error")
	fs.Uint16Var(&f.portMin, "webrtc-udp-port-min", f.portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.Uint16Var(&f.portMax, "webrtc-udp-port-max", f.portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&f.nat1To1IPs, "webrtc-nat-1to1-ips", f.nat1To1IPs, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	bindICEFlags(fs, &f.ice)
}

// Resolve validates the bound values.
func (f *ClientFlags) Resolve() (ClientConfig, error) {
	u, err := url.Parse(strings.TrimSpace(f.relayURL))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid %s/--relay-url %q: %w", envVarClientRelayURL, f.relayURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return ClientConfig{}, fmt.Errorf("invalid %s/--relay-url %q: scheme must be ws or wss", envVarClientRelayURL, f.relayURL)
	}
	if u.Host == "" {
		return ClientConfig{}, fmt.Errorf("invalid %s/--relay-url %q: missing host", envVarClientRelayURL, f.relayURL)
	}
	if f.gatherTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--gather-timeout must be > 0", envVarClientGatherTimeout)
	}
	if f.ringTimeout < 0 {
		return ClientConfig{}, fmt.Errorf("%s/--ring-timeout must be >= 0", envVarClientRingTimeout)
	}
	if f.dialTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("--dial-timeout must be > 0")
	}

	logFormat, err := parseLogFormat(f.logFormat)
	if err != nil {
		return ClientConfig{}, err
	}
	level, err := parseLogLevel(f.logLevel)
	if err != nil {
		return ClientConfig{}, err
	}

	var portRange *UDPPortRange
	if (f.portMin == 0) != (f.portMax == 0) {
		return ClientConfig{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if f.portMin != 0 {
		if f.portMin > f.portMax {
			return ClientConfig{}, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		portRange = &UDPPortRange{Min: f.portMin, Max: f.portMax}
	}

	var natIPs []string
	if strings.TrimSpace(f.nat1To1IPs) != "" {
		natIPs, err = parseIPList(f.nat1To1IPs)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips: %w", envVarWebRTCNAT1To1IPs, err)
		}
	}

	iceServers, err := f.ice.parse(false)
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		RelayURL:           u.String(),
		Token:              strings.TrimSpace(f.token),
		DisplayName:        strings.TrimSpace(f.name),
		Trickle:            f.trickle,
		GatherTimeout:      f.gatherTimeout,
		RingTimeout:        f.ringTimeout,
		DialTimeout:        f.dialTimeout,
		LogFormat:          logFormat,
		LogLevel:           level,
		ICEServers:         iceServers,
		WebRTCUDPPortRange: portRange,
		WebRTCNAT1To1IPs:   natIPs,
	}, nil
}

func NewClientLogger(cfg ClientConfig) (*slog.Logger, error) {
	return newLogger(cfg.LogFormat, cfg.LogLevel)
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}

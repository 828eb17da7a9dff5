// Package webrtcpeer negotiates call media over pion PeerConnections.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

// Options carries the parts of an API that do not come from configuration.
type Options struct {
	Logger *slog.Logger
	// Net replaces the OS network stack (a vnet.Net in tests).
	Net transport.Net
	// RegisterCodecs populates the media engine. Nil registers pion's
	// default codecs.
	RegisterCodecs func(*webrtc.MediaEngine) error
}

func NewAPI(cfg config.ClientConfig, opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(opts.Logger)}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	me := &webrtc.MediaEngine{}
	register := opts.RegisterCodecs
	if register == nil {
		register = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := register(me); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	// NACK, RTCP reports and TWCC.
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.ClientConfig) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// Participants behind a static NAT advertise the public address as a
	// host candidate.
	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	return nil
}

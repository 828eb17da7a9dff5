package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func resolveClient(t *testing.T, env map[string]string, args []string) (ClientConfig, error) {
	t.Helper()
	flags, err := newClientFlags(lookupMap(env))
	if err != nil {
		return ClientConfig{}, err
	}
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	flags.Bind(fs)
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	return flags.Resolve()
}

func TestClientDefaults(t *testing.T) {
	cfg, err := resolveClient(t, nil, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.RelayURL != DefaultClientRelayURL {
		t.Fatalf("RelayURL=%q, want %q", cfg.RelayURL, DefaultClientRelayURL)
	}
	if cfg.Trickle {
		t.Fatalf("Trickle=true, want false")
	}
	if cfg.RingTimeout != 0 {
		t.Fatalf("RingTimeout=%v, want 0", cfg.RingTimeout)
	}
	if cfg.GatherTimeout != DefaultClientGatherTimeout {
		t.Fatalf("GatherTimeout=%v, want %v", cfg.GatherTimeout, DefaultClientGatherTimeout)
	}
	if cfg.WebRTCUDPPortRange != nil {
		t.Fatalf("expected WebRTCUDPPortRange unset, got %+v", *cfg.WebRTCUDPPortRange)
	}
}

func TestClientEnvThenFlags(t *testing.T) {
	cfg, err := resolveClient(t, map[string]string{
		envVarClientRelayURL:    "wss://relay.example.com/signal",
		envVarClientName:        "alice",
		envVarClientTrickle:     "true",
		envVarClientRingTimeout: "30s",
	}, []string{"--name", "bob"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.RelayURL != "wss://relay.example.com/signal" {
		t.Fatalf("RelayURL=%q", cfg.RelayURL)
	}
	if cfg.DisplayName != "bob" {
		t.Fatalf("DisplayName=%q, want bob", cfg.DisplayName)
	}
	if !cfg.Trickle {
		t.Fatalf("Trickle=false, want true")
	}
	if cfg.RingTimeout != 30*time.Second {
		t.Fatalf("RingTimeout=%v, want 30s", cfg.RingTimeout)
	}
}

func TestClientRejectsHTTPRelayURL(t *testing.T) {
	if _, err := resolveClient(t, nil, []string{"--relay-url", "http://example.com/signal"}); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestClientPortRange(t *testing.T) {
	if _, err := resolveClient(t, map[string]string{envVarWebRTCUDPPortMin: "40000"}, nil); err == nil {
		t.Fatalf("expected error for half-set port range, got nil")
	}

	cfg, err := resolveClient(t, map[string]string{
		envVarWebRTCUDPPortMin: "40000",
		envVarWebRTCUDPPortMax: "40199",
	}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.WebRTCUDPPortRange == nil || cfg.WebRTCUDPPortRange.Min != 40000 || cfg.WebRTCUDPPortRange.Max != 40199 {
		t.Fatalf("WebRTCUDPPortRange=%+v", cfg.WebRTCUDPPortRange)
	}
}

func TestClientNAT1To1IPs(t *testing.T) {
	cfg, err := resolveClient(t, map[string]string{envVarWebRTCNAT1To1IPs: "203.0.113.10, 203.0.113.11"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got, want := len(cfg.WebRTCNAT1To1IPs), 2; got != want {
		t.Fatalf("len(WebRTCNAT1To1IPs)=%d, want %d", got, want)
	}

	if _, err := resolveClient(t, map[string]string{envVarWebRTCNAT1To1IPs: "nope"}, nil); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

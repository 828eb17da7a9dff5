package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera capture
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone capture
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/webrtcpeer"
)

type runOptions struct {
	call       string
	autoAccept bool
}

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func runClient(ctx context.Context, cfg config.ClientConfig, opts runOptions, in io.Reader, out io.Writer) error {
	logger, err := config.NewClientLogger(cfg)
	if err != nil {
		return err
	}
	con := newConsole(out)

	selector, err := newCodecSelector()
	if err != nil {
		return err
	}
	api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.Options{
		Logger: logger,
		RegisterCodecs: func(m *webrtc.MediaEngine) error {
			selector.Populate(m)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	client, err := signaling.Dial(ctx, signaling.ClientConfig{
		URL:         cfg.RelayURL,
		Credential:  cfg.Token,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer client.Close()
	con.Printf("connected as %s\n", client.ID())

	var machine *call.Machine
	accept := autoAccepter{enabled: opts.autoAccept}
	machine, err = call.NewMachine(call.Config{
		Media: media.NewSource(selector, logger),
		Negotiators: &webrtcpeer.Factory{
			API:           api,
			ICEServers:    cfg.ICEServers,
			Trickle:       cfg.Trickle,
			GatherTimeout: cfg.GatherTimeout,
			Logger:        logger,
		},
		Signaler:    client,
		Cues:        &call.LogCues{Logger: logger},
		DisplayName: cfg.DisplayName,
		RingTimeout: cfg.RingTimeout,
		Logger:      logger,
		OnError: func(err error) {
			con.Printf("error: %v\n", err)
		},
		OnState: func(s call.Snapshot) {
			if accept.observe(s) {
				// OnState runs on the machine loop; accept asynchronously.
				go func() { _ = machine.AcceptCall() }()
			}
			con.Printf("%s\n", formatSnapshot(s))
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	machineDone := make(chan error, 1)
	go func() { machineDone <- machine.Run(ctx) }()

	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(ctx, machine) }()

	if opts.call != "" {
		if err := machine.StartCall(opts.call); err != nil {
			return err
		}
	}

	replDone := make(chan error, 1)
	go func() { replDone <- repl(ctx, in, con, machine) }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-replDone:
		runErr = err
	case err := <-clientDone:
		if err != nil {
			runErr = fmt.Errorf("relay connection: %w", err)
		} else {
			con.Printf("relay closed the connection\n")
		}
	}

	// Tear the call down while the relay connection is still usable so the
	// remote side hears end-call.
	machine.Close()
	select {
	case <-machine.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("call machine did not stop in time")
	}
	cancel()
	<-machineDone
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// autoAccepter accepts each incoming call once, on entry to the ringing
// state. It is only touched from the machine loop.
type autoAccepter struct {
	enabled bool
	last    call.State
}

func (a *autoAccepter) observe(s call.Snapshot) bool {
	entered := s.State == call.IncomingRinging && a.last != call.IncomingRinging
	a.last = s.State
	return a.enabled && entered
}

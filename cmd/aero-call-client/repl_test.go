package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	snap  call.Snapshot
	err   error
}

func (f *fakeController) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return f.err
}

func (f *fakeController) StartCall(peer string) error { return f.record("call " + peer) }
func (f *fakeController) AcceptCall() error           { return f.record("accept") }
func (f *fakeController) RejectCall() error           { return f.record("reject") }
func (f *fakeController) EndCall() error              { return f.record("end") }
func (f *fakeController) ToggleAudio() error          { return f.record("audio") }
func (f *fakeController) ToggleVideo() error          { return f.record("video") }
func (f *fakeController) ToggleScreenShare() error    { return f.record("share") }
func (f *fakeController) Current() call.Snapshot      { return f.snap }

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand("  CALL  abc-123 ")
	require.NoError(t, err)
	require.Equal(t, command{verb: "call", arg: "abc-123"}, cmd)

	cmd, err = parseCommand("hangup")
	require.NoError(t, err)
	require.Equal(t, "end", cmd.verb)

	cmd, err = parseCommand("exit")
	require.NoError(t, err)
	require.Equal(t, "quit", cmd.verb)

	cmd, err = parseCommand("   ")
	require.NoError(t, err)
	require.Equal(t, command{}, cmd)

	_, err = parseCommand("call")
	require.Error(t, err)
	_, err = parseCommand("accept now")
	require.Error(t, err)
	_, err = parseCommand("dance")
	require.ErrorContains(t, err, "unknown command")
}

func TestREPL_DispatchesUntilQuit(t *testing.T) {
	ctl := &fakeController{snap: call.Snapshot{State: call.Connected, RemoteIdentity: "bob", AudioEnabled: true}}
	var out bytes.Buffer
	in := strings.NewReader("call bob\nmute\nvideo\nshare\nstate\nbogus\nend\nquit\naccept\n")

	err := repl(context.Background(), in, newConsole(&out), ctl)
	require.NoError(t, err)

	require.Equal(t, []string{"call bob", "audio", "video", "share", "end"}, ctl.recorded())
	require.Contains(t, out.String(), "state=connected peer=bob audio=on video=off screen=off")
	require.Contains(t, out.String(), `unknown command "bogus"`)
}

func TestREPL_PrintsCommandErrors(t *testing.T) {
	ctl := &fakeController{err: call.ErrMachineClosed}
	var out bytes.Buffer

	err := repl(context.Background(), strings.NewReader("accept\n"), newConsole(&out), ctl)
	require.NoError(t, err)
	require.Contains(t, out.String(), "accept: "+call.ErrMachineClosed.Error())
}

func TestREPL_StopsOnContextCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- repl(ctx, r, newConsole(&bytes.Buffer{}), &fakeController{}) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("repl did not return after cancel")
	}
}

func TestAutoAccepter_AcceptsOncePerRing(t *testing.T) {
	a := autoAccepter{enabled: true}
	require.True(t, a.observe(call.Snapshot{State: call.IncomingRinging}))
	require.False(t, a.observe(call.Snapshot{State: call.IncomingRinging, Acquiring: true}))
	require.False(t, a.observe(call.Snapshot{State: call.Connected}))
	require.False(t, a.observe(call.Snapshot{State: call.Idle}))
	require.True(t, a.observe(call.Snapshot{State: call.IncomingRinging}))

	off := autoAccepter{}
	require.False(t, off.observe(call.Snapshot{State: call.IncomingRinging}))
}

func TestFormatSnapshot_Idle(t *testing.T) {
	require.Equal(t, "state=idle", formatSnapshot(call.Snapshot{}))
}

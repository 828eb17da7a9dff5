package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
)

var errQuit = errors.New("quit")

// controller is the part of *call.Machine the command loop drives.
type controller interface {
	StartCall(peer string) error
	AcceptCall() error
	RejectCall() error
	EndCall() error
	ToggleAudio() error
	ToggleVideo() error
	ToggleScreenShare() error
	Current() call.Snapshot
}

var _ controller = (*call.Machine)(nil)

// console serializes writes from the command loop and machine callbacks.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

type command struct {
	verb string
	arg  string
}

const helpText = `commands:
  call <id>   place a call
  accept      answer the ringing call
  reject      decline the ringing call
  end         hang up (alias: hangup)
  mute        toggle the microphone
  video       toggle the camera
  share       toggle screen sharing
  state       print the current call state
  quit        end any call and exit
`

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	verb := strings.ToLower(fields[0])
	if verb == "hangup" {
		verb = "end"
	}
	switch verb {
	case "call":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: call <id>")
		}
		return command{verb: verb, arg: fields[1]}, nil
	case "accept", "reject", "end", "mute", "video", "share", "state", "help", "quit", "exit":
		if len(fields) != 1 {
			return command{}, fmt.Errorf("%s takes no arguments", verb)
		}
		if verb == "exit" {
			verb = "quit"
		}
		return command{verb: verb}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}

func execute(cmd command, ctl controller, con *console) error {
	switch cmd.verb {
	case "":
		return nil
	case "call":
		return ctl.StartCall(cmd.arg)
	case "accept":
		return ctl.AcceptCall()
	case "reject":
		return ctl.RejectCall()
	case "end":
		return ctl.EndCall()
	case "mute":
		return ctl.ToggleAudio()
	case "video":
		return ctl.ToggleVideo()
	case "share":
		return ctl.ToggleScreenShare()
	case "state":
		con.Printf("%s\n", formatSnapshot(ctl.Current()))
	case "help":
		con.Printf("%s", helpText)
	case "quit":
		return errQuit
	}
	return nil
}

// repl runs commands from in until quit, EOF or ctx ends. Errors from
// individual commands are printed, not returned.
func repl(ctx context.Context, in io.Reader, con *console, ctl controller) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line := <-lines:
			cmd, err := parseCommand(line)
			if err != nil {
				con.Printf("%v\n", err)
				continue
			}
			if err := execute(cmd, ctl, con); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				con.Printf("%s: %v\n", cmd.verb, err)
			}
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func formatSnapshot(s call.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s", s.State)
	if s.RemoteIdentity != "" {
		fmt.Fprintf(&b, " peer=%s", s.RemoteIdentity)
		if s.RemoteDisplayName != "" {
			fmt.Fprintf(&b, " (%s)", s.RemoteDisplayName)
		}
	}
	if s.InCall() {
		fmt.Fprintf(&b, " audio=%s video=%s screen=%s", onOff(s.AudioEnabled), onOff(s.VideoEnabled), onOff(s.ScreenSharing))
	}
	if s.RemoteStream != nil {
		fmt.Fprintf(&b, " remote_tracks=%d", len(s.RemoteStream.Tracks()))
	}
	if s.Acquiring {
		b.WriteString(" acquiring")
	}
	return b.String()
}

package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

// wsSession is one participant connection. It is the relay.Peer for the
// identity it registers.
type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	req  *http.Request
	log  *slog.Logger

	limiter *rate.Limiter

	// Set once admitted; read only by the read loop and Deliver callers
	// after that.
	id         relay.Identity
	name       string
	registered bool

	out        *sendQueue
	writerDone chan struct{}
	writeMu    sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

var _ relay.Peer = (*wsSession)(nil)

func (ws *wsSession) run() {
	defer ws.shutdown(websocket.CloseNormalClosure, "")
	defer func() {
		if ws.registered {
			ws.srv.cfg.Relay.Unregister(ws.id, ws)
		}
	}()

	go ws.writeLoop()
	ws.conn.SetReadLimit(ws.srv.maxSignalingMessageBytes())

	authorized := false
	principal, err := ws.srv.cfg.Authorizer.Authorize(ws.req, nil)
	switch {
	case err == nil:
		authorized = true
		if !ws.admit(principal) {
			return
		}
	case IsAuthMissing(err):
		_ = ws.conn.SetReadDeadline(time.Now().Add(ws.srv.signalingAuthTimeout()))
	default:
		ws.srv.cfg.Metrics.Inc(metrics.AuthFailure)
		ws.fail("unauthorized", unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			switch {
			case !authorized && isTimeout(err):
				ws.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				ws.shutdown(websocket.ClosePolicyViolation, "authentication timeout")
			case isTimeout(err):
				ws.srv.cfg.Metrics.Inc(metrics.IdleTimeout)
				ws.log.Debug("signaling connection idle")
				ws.shutdown(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				ws.srv.cfg.Metrics.Inc(metrics.BadMessage)
			}
			return
		}
		// Rate limit after the read: closing with unread bytes in the receive
		// buffer can turn the close into a RST and hide the close reason.
		if !ws.limiter.Allow() {
			ws.srv.cfg.Metrics.Inc(metrics.RateLimited)
			ws.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if authorized {
			ws.extendDeadline()
		}
		if msgType != websocket.TextMessage {
			ws.srv.cfg.Metrics.Inc(metrics.BadMessage)
			ws.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			ws.srv.cfg.Metrics.Inc(metrics.BadMessage)
			ws.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authorized {
			if msg.Type != MessageTypeAuth {
				ws.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				ws.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred := msg.APIKey
			if cred == "" {
				cred = msg.Token
			}
			principal, err := ws.srv.cfg.Authorizer.Authorize(ws.req, &ClientHello{Credential: cred})
			if err != nil {
				ws.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				ws.fail("unauthorized", unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authorized = true
			if !ws.admit(principal) {
				return
			}
			continue
		}

		ws.dispatch(msg)
	}
}

// admit registers the session with the relay and announces its identity.
func (ws *wsSession) admit(p auth.Principal) bool {
	id := relay.NewIdentity()
	if p.Subject != "" {
		if parsed, err := relay.ParseIdentity(p.Subject); err == nil {
			id = parsed
		}
	}

	ws.id = id
	ws.name = p.Name
	ws.log = ws.log.With("participant_id", string(id))

	// `me` goes out first so it precedes anything the relay routes here.
	_ = ws.send(Message{Type: MessageTypeMe, ID: string(id)})
	if err := ws.srv.cfg.Relay.Register(id, ws); err != nil {
		if errors.Is(err, relay.ErrTooManyParticipants) {
			ws.fail("too_many_participants", "too many participants", websocket.CloseTryAgainLater, "too many participants")
			return false
		}
		ws.fail("internal_error", "registration failed", websocket.CloseInternalServerErr, "internal error")
		return false
	}
	ws.registered = true
	ws.log.Info("participant connected")

	ws.startKeepalive()
	return true
}

func (ws *wsSession) dispatch(msg Message) {
	r := ws.srv.cfg.Relay
	to := relay.Identity(msg.To)
	var err error
	switch msg.Type {
	case MessageTypeAuth:
		// Tolerated after authentication (e.g. credential also in the query).
		return
	case MessageTypeCallUser:
		name := msg.Name
		if name == "" {
			name = ws.name
		}
		err = r.PlaceCall(ws.id, to, name, msg.Signal)
	case MessageTypeAnswerCall:
		err = r.AnswerCall(ws.id, to, msg.Signal)
	case MessageTypeICECandidate:
		err = r.RelayCandidate(ws.id, to, msg.Candidate)
	case MessageTypeEndCall:
		err = r.EndCall(ws.id, to)
	}
	if err != nil {
		ws.log.Debug("relay dropped message", "type", string(msg.Type), "to", msg.To, "err", err)
	}
}

func (ws *wsSession) startKeepalive() {
	idle := ws.srv.idleTimeout()
	_ = ws.conn.SetReadDeadline(time.Now().Add(idle))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(idle))
	})

	interval := ws.srv.pingInterval()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ws.done:
				return
			case <-t.C:
				ws.writeMu.Lock()
				err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				ws.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
}

func (ws *wsSession) extendDeadline() {
	_ = ws.conn.SetReadDeadline(time.Now().Add(ws.srv.idleTimeout()))
}

func (ws *wsSession) writeLoop() {
	defer close(ws.writerDone)
	for {
		frame, ok := ws.out.pop()
		if !ok {
			return
		}
		ws.writeMu.Lock()
		_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := ws.conn.WriteMessage(websocket.TextMessage, frame)
		ws.writeMu.Unlock()
		if err != nil {
			ws.out.close()
			_ = ws.conn.Close()
			return
		}
	}
}

func (ws *wsSession) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.out.push(data)
}

// Deliver implements relay.Peer. A participant whose backlog exceeds the
// send queue is disconnected: dropping a single signaling message would leave
// its call in an unknown state.
func (ws *wsSession) Deliver(ev relay.Event) bool {
	err := ws.send(messageFromEvent(ev))
	if err == nil {
		return true
	}
	if errors.Is(err, errQueueFull) {
		ws.log.Warn("send queue full, disconnecting participant", "kind", string(ev.Kind))
		go ws.shutdown(websocket.CloseTryAgainLater, "send queue full")
	}
	return false
}

// Close implements relay.Peer. The relay calls it when the identity has been
// taken over by another connection.
func (ws *wsSession) Close() {
	go ws.shutdown(websocket.ClosePolicyViolation, "replaced by a newer connection")
}

func messageFromEvent(ev relay.Event) Message {
	switch ev.Kind {
	case relay.EventCallMade:
		return Message{Type: MessageTypeCallMade, From: string(ev.From), Name: ev.Name, Signal: ev.Signal}
	case relay.EventCallAnswered:
		return Message{Type: MessageTypeCallAnswered, From: string(ev.From), Signal: ev.Signal}
	case relay.EventICECandidate:
		return Message{Type: MessageTypeICECandidate, From: string(ev.From), Candidate: ev.Candidate}
	case relay.EventEndCall:
		return Message{Type: MessageTypeEndCall, From: string(ev.From)}
	case relay.EventPeerUnreachable:
		return Message{Type: MessageTypePeerUnreachable, To: string(ev.To)}
	default:
		return Message{Type: MessageTypeError, Code: "internal_error", Message: "unknown event"}
	}
}

// fail sends an error frame and closes the connection after it is flushed.
func (ws *wsSession) fail(code, message string, closeCode int, closeReason string) {
	_ = ws.send(Message{Type: MessageTypeError, Code: code, Message: message})
	ws.shutdown(closeCode, closeReason)
}

// shutdown flushes queued frames, sends a close frame and closes the
// connection. Only the first call has any effect.
func (ws *wsSession) shutdown(code int, reason string) {
	ws.closeOnce.Do(func() {
		close(ws.done)
		ws.out.close()
		select {
		case <-ws.writerDone:
		case <-time.After(2 * wsWriteWait):
		}
		ws.writeMu.Lock()
		_ = ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		ws.writeMu.Unlock()
		_ = ws.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

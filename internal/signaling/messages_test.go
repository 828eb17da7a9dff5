package signaling

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_Valid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want MessageType
	}{
		{"auth token", `{"type":"auth","token":"t"}`, MessageTypeAuth},
		{"auth matching", `{"type":"auth","token":"t","apiKey":"t"}`, MessageTypeAuth},
		{"call-user", `{"type":"call-user","to":"bob","signal":{"type":"offer","sdp":"v=0"},"name":"Alice"}`, MessageTypeCallUser},
		{"call-user without name", `{"type":"call-user","to":"bob","signal":{"type":"offer","sdp":"v=0"}}`, MessageTypeCallUser},
		{"answer-call", `{"type":"answer-call","to":"alice","signal":{"type":"answer","sdp":"v=0"}}`, MessageTypeAnswerCall},
		{"ice-candidate", `{"type":"ice-candidate","to":"alice","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0"}}`, MessageTypeICECandidate},
		{"end-call", `{"type":"end-call","to":"alice"}`, MessageTypeEndCall},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseClientMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Type != tc.want {
				t.Fatalf("type=%q, want %q", got.Type, tc.want)
			}
		})
	}
}

func TestParseClientMessage_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown field", `{"type":"end-call","to":"a","unexpected":true}`},
		{"trailing data", `{"type":"end-call","to":"a"}{}`},
		{"unknown type", `{"type":"offer","to":"a"}`},
		{"server type", `{"type":"call-made","from":"a","signal":{}}`},
		{"auth empty", `{"type":"auth"}`},
		{"auth mismatch", `{"type":"auth","token":"t1","apiKey":"t2"}`},
		{"auth extra", `{"type":"auth","token":"t","to":"bob"}`},
		{"call-user missing to", `{"type":"call-user","signal":{"type":"offer"}}`},
		{"call-user missing signal", `{"type":"call-user","to":"bob"}`},
		{"call-user null signal", `{"type":"call-user","to":"bob","signal":null}`},
		{"call-user string signal", `{"type":"call-user","to":"bob","signal":"offer"}`},
		{"call-user with from", `{"type":"call-user","to":"bob","from":"eve","signal":{}}`},
		{"answer with name", `{"type":"answer-call","to":"bob","name":"x","signal":{}}`},
		{"candidate missing candidate", `{"type":"ice-candidate","to":"bob"}`},
		{"end-call with signal", `{"type":"end-call","to":"bob","signal":{}}`},
		{"end-call missing to", `{"type":"end-call"}`},
		{"not json", `hello`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error for %s", tc.raw)
			}
		})
	}
}

func TestParseServerMessage(t *testing.T) {
	valid := []string{
		`{"type":"me","id":"abc"}`,
		`{"type":"call-made","from":"a","name":"A","signal":{"type":"offer","sdp":"v=0"}}`,
		`{"type":"call-answered","from":"b","signal":{"type":"answer","sdp":"v=0"}}`,
		`{"type":"ice-candidate","from":"b","candidate":{"candidate":"c"}}`,
		`{"type":"end-call","from":"b"}`,
		`{"type":"peer-unreachable","to":"b"}`,
		`{"type":"error","code":"bad_message","message":"nope"}`,
	}
	for _, raw := range valid {
		if _, err := ParseServerMessage([]byte(raw)); err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
	}

	invalid := []string{
		`{"type":"me"}`,
		`{"type":"end-call","to":"b"}`,
		`{"type":"call-user","to":"b","signal":{}}`,
		`{"type":"error","code":"x"}`,
		`{"type":"peer-unreachable","from":"b"}`,
	}
	for _, raw := range invalid {
		if _, err := ParseServerMessage([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestMessage_SignalIsForwardedVerbatim(t *testing.T) {
	raw := `{"type":"call-user","to":"bob","signal":{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n","extra":[1,2]}}`
	msg, err := ParseClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	out, err := json.Marshal(Message{Type: MessageTypeCallMade, From: "alice", Signal: msg.Signal})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseServerMessage(out)
	if err != nil {
		t.Fatalf("parse server: %v", err)
	}
	if string(got.Signal) != string(msg.Signal) {
		t.Fatalf("signal=%s, want %s", got.Signal, msg.Signal)
	}
}

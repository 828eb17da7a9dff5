package config

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestICESources_Parse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		src       iceSources
		allowBare bool
		want      []webrtc.ICEServer
		wantErr   string
	}{
		{
			name: "json array urls",
			src: iceSources{serversJSON: `[
				{"urls": ["stun:stun.example.com:3478"]},
				{"urls": ["turn:turn.example.com:3478?transport=udp"], "username": "user", "credential": "pass"}
			]`},
			want: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.example.com:3478"}},
				{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
			},
		},
		{
			name: "json single url string",
			src:  iceSources{serversJSON: `[{"urls": " stun:stun.example.com "}]`},
			want: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}},
		},
		{
			name: "json wins over convenience vars",
			src: iceSources{
				serversJSON: `[{"urls": "stun:a.example.com"}]`,
				stunURLs:    "stun:b.example.com",
			},
			want: []webrtc.ICEServer{{URLs: []string{"stun:a.example.com"}}},
		},
		{
			name:    "json turn without creds",
			src:     iceSources{serversJSON: `[{"urls": "turn:turn.example.com"}]`},
			wantErr: "iceServers[0]: turn urls require username",
		},
		{
			name:      "json turn without creds minted later",
			src:       iceSources{serversJSON: `[{"urls": "turn:turn.example.com"}]`},
			allowBare: true,
			want:      []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com"}}},
		},
		{
			name:    "json bad scheme",
			src:     iceSources{serversJSON: `[{"urls": "http://example.com"}]`},
			wantErr: "unsupported url scheme",
		},
		{
			name: "json scheme is case-insensitive",
			src:  iceSources{serversJSON: `[{"urls": "STUN:stun.example.com"}]`},
			want: []webrtc.ICEServer{{URLs: []string{"STUN:stun.example.com"}}},
		},
		{
			name:    "json blank urls",
			src:     iceSources{serversJSON: `[{"urls": [" ", ""]}]`},
			wantErr: "iceServers[0]: missing urls",
		},
		{
			name:    "json malformed",
			src:     iceSources{serversJSON: `{`},
			wantErr: envICEServersJSON,
		},
		{
			name: "convenience stun and turn",
			src: iceSources{
				stunURLs:       "stun:a.example.com, stun:b.example.com,",
				turnURLs:       "turns:turn.example.com:5349",
				turnUsername:   "user",
				turnCredential: "pass",
			},
			want: []webrtc.ICEServer{
				{URLs: []string{"stun:a.example.com", "stun:b.example.com"}},
				{URLs: []string{"turns:turn.example.com:5349"}, Username: "user", Credential: "pass"},
			},
		},
		{
			name:    "convenience turn missing credential",
			src:     iceSources{turnURLs: "turn:turn.example.com", turnUsername: "user"},
			wantErr: envTurnCredential,
		},
		{
			name:      "convenience turn urls only when minted",
			src:       iceSources{turnURLs: "turn:turn.example.com"},
			allowBare: true,
			want:      []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com"}}},
		},
		{
			name: "nothing configured",
			src:  iceSources{},
			want: nil,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.src.parse(tc.allowBare)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err=%v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("servers=%#v, want %#v", got, tc.want)
			}
			for i := range got {
				if strings.Join(got[i].URLs, ",") != strings.Join(tc.want[i].URLs, ",") ||
					got[i].Username != tc.want[i].Username ||
					got[i].Credential != tc.want[i].Credential {
					t.Fatalf("servers[%d]=%#v, want %#v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestIsTURNServer(t *testing.T) {
	t.Parallel()

	if !IsTURNServer(webrtc.ICEServer{URLs: []string{"stun:a", "TURNS:b"}}) {
		t.Fatalf("mixed stun/turns server not detected as TURN")
	}
	if IsTURNServer(webrtc.ICEServer{URLs: []string{"stun:a"}}) {
		t.Fatalf("stun-only server detected as TURN")
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mixdeck/core/audio"
	"mixdeck/core/loader"
	"mixdeck/core/media"
	"mixdeck/core/playback"
	"mixdeck/core/transport"
	"mixdeck/internal/testmedia"

	"github.com/gorilla/websocket"
)

const testRate = 8000

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(ctx context.Context, src string) ([]byte, error) {
	if data, ok := m[src]; ok {
		return data, nil
	}
	return nil, errors.New("not found")
}

type testServer struct {
	coord *playback.Coordinator
	hub   *Hub
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newServerWithMode(t, false)
}

func newServerWithMode(t *testing.T, strict bool) *testServer {
	t.Helper()

	f := mapFetcher{
		"https://cdn/drums.wav": testmedia.WAV(t, 2, testRate, 220),
		"https://cdn/bass.wav":  testmedia.WAV(t, 1, testRate, 110),
		"https://cdn/bass.mid": testmedia.MIDI(t,
			testmedia.Note{Start: 0.5, Duration: 0.25, Key: 40},
			testmedia.Note{Start: 1.0, Duration: 0.5, Key: 43},
		),
	}
	l := loader.New(f, nil, loader.Options{SampleRate: testRate, Timeout: time.Second})

	coord := playback.New(playback.Options{
		Loader: l,
		Elements: func(id string, buf *audio.Buffer) (media.Element, error) {
			return media.NewBufferElement(id, buf), nil
		},
		TimeSource: transport.NewManualTime(0),
		Scheduler:  transport.NewManualScheduler(),
		Strict:     strict,
	})

	hub := NewHub()
	go hub.Run()
	unsubscribe := coord.Subscribe(hub.OnEvent)

	srv := httptest.NewServer(NewRouter(NewAPIHandler(coord, hub)))
	t.Cleanup(func() {
		srv.Close()
		unsubscribe()
		hub.Stop()
		coord.Destroy()
	})
	return &testServer{coord: coord, hub: hub, srv: srv}
}

func (s *testServer) post(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(s.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *testServer) get(t *testing.T, path string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

const loadBody = `{"tracks":[
	{"id":"drums","sourceUrl":"https://cdn/drums.wav"},
	{"id":"bass","sourceUrl":"https://cdn/bass.wav","notesUrl":"https://cdn/bass.mid"},
	{"id":"keys","sourceUrl":"https://cdn/missing.wav"}
]}`

func TestLoadAndTransport(t *testing.T) {
	s := newTestServer(t)

	resp, out := s.post(t, "/api/load", loadBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load status = %d", resp.StatusCode)
	}
	if loaded := out["loaded"].([]interface{}); len(loaded) != 2 {
		t.Fatalf("loaded = %v", loaded)
	}
	if failures := out["failures"].([]interface{}); len(failures) != 1 {
		t.Fatalf("failures = %v", failures)
	}

	var tr map[string]interface{}
	s.get(t, "/api/transport", &tr)
	if tr["state"] != "ready" {
		t.Fatalf("state = %v", tr["state"])
	}
	if tr["duration"].(float64) != 2 {
		t.Fatalf("duration = %v", tr["duration"])
	}
	if tr["currentTime"].(float64) != 0.5 {
		t.Fatalf("currentTime = %v, want start offset 0.5", tr["currentTime"])
	}

	resp, out = s.post(t, "/api/transport/seek", `{"time":1.25}`)
	if resp.StatusCode != http.StatusOK || out["currentTime"].(float64) != 1.25 {
		t.Fatalf("seek: %d %v", resp.StatusCode, out)
	}

	resp, out = s.post(t, "/api/transport/play", "")
	if resp.StatusCode != http.StatusOK || out["isPlaying"] != true {
		t.Fatalf("play: %d %v", resp.StatusCode, out)
	}
	resp, out = s.post(t, "/api/transport/pause", "")
	if resp.StatusCode != http.StatusOK || out["isPlaying"] != false {
		t.Fatalf("pause: %d %v", resp.StatusCode, out)
	}

	var diags []map[string]interface{}
	s.get(t, "/api/diagnostics", &diags)
	if len(diags) != 1 || diags[0]["stage"] != "fetch" {
		t.Fatalf("diagnostics = %v", diags)
	}
}

func TestCommandErrors(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/api/load", loadBody)

	cases := []struct {
		path, body string
		want       int
	}{
		{"/api/transport/seek", `{}`, http.StatusBadRequest},
		{"/api/transport/seek", `not json`, http.StatusBadRequest},
		{"/api/tracks/nope/toggle", `{"enabled":false}`, http.StatusNotFound},
		{"/api/tracks/bass/toggle", `{}`, http.StatusBadRequest},
		{"/api/tracks/nope/volume", `{"gain":0.5}`, http.StatusNotFound},
		{"/api/load", `{"tracks":[]}`, http.StatusBadRequest},
	}
	for _, c := range cases {
		resp, _ := s.post(t, c.path, c.body)
		if resp.StatusCode != c.want {
			t.Errorf("POST %s %s = %d, want %d", c.path, c.body, resp.StatusCode, c.want)
		}
	}

	resp, _ := s.post(t, "/api/load", `{"tracks":[{"id":"x","sourceUrl":"https://cdn/missing.wav"}]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("all-failed load = %d, want 409", resp.StatusCode)
	}
}

func TestTrackEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/api/load", loadBody)

	resp, _ := s.post(t, "/api/tracks/bass/toggle", `{"enabled":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle = %d", resp.StatusCode)
	}
	var tracks []map[string]interface{}
	s.get(t, "/api/tracks", &tracks)
	for _, tr := range tracks {
		if tr["id"] == "bass" && tr["enabled"] != false {
			t.Fatalf("bass still enabled: %v", tr)
		}
	}

	var notesResp struct {
		Notes []struct {
			Pitch int `json:"pitch"`
		} `json:"notes"`
	}
	s.get(t, "/api/tracks/bass/notes?at=1.2", &notesResp)
	if len(notesResp.Notes) != 1 || notesResp.Notes[0].Pitch != 43 {
		t.Fatalf("active notes = %+v", notesResp.Notes)
	}
	s.get(t, "/api/tracks/bass/notes", &notesResp)
	if len(notesResp.Notes) != 2 {
		t.Fatalf("all notes = %+v", notesResp.Notes)
	}
	if resp := s.get(t, "/api/tracks/nope/notes", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown track notes = %d", resp.StatusCode)
	}

	var wf struct {
		RMS []float64 `json:"rms"`
	}
	s.get(t, "/api/tracks/drums/waveform?points=32", &wf)
	if len(wf.RMS) != 32 {
		t.Fatalf("waveform points = %d", len(wf.RMS))
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, s.srv.URL+"/api/load", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

// readMessages 读取一帧，按换行拆分合并发送的消息
func readMessages(t *testing.T, conn *websocket.Conn) []WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []WSMessage
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		var msg WSMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestWebSocketSyncAndEvents(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/api/load", loadBody)

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msgs := readMessages(t, conn)
	if msgs[0].Type != MsgTypeSync {
		t.Fatalf("first message = %s, want sync", msgs[0].Type)
	}

	cmd, _ := json.Marshal(WSMessage{Type: MsgTypeSeek, Data: json.RawMessage(`{"time":1.5}`)})
	if err := conn.WriteMessage(websocket.TextMessage, cmd); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range readMessages(t, conn) {
			if msg.Type != MsgTypeEvent {
				continue
			}
			var e struct {
				Type string  `json:"type"`
				Time float64 `json:"time"`
			}
			json.Unmarshal(msg.Data, &e)
			if e.Type == string(playback.EventTimeUpdate) && e.Time == 1.5 {
				return
			}
		}
	}
	t.Fatal("no time_update event for seek")
}

func TestWebSocketRejectsBadCommand(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/api/load", loadBody)

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readMessages(t, conn)

	cmd, _ := json.Marshal(WSMessage{Type: MsgTypeToggleTrack, Data: json.RawMessage(`{"trackId":"nope","enabled":true}`)})
	conn.WriteMessage(websocket.TextMessage, cmd)

	for _, msg := range readMessages(t, conn) {
		if msg.Type == MsgTypeError {
			return
		}
	}
	t.Fatal("expected error message")
}

func TestWebSocketStrictModeMisuseKeepsConnection(t *testing.T) {
	s := newServerWithMode(t, true)
	s.post(t, "/api/load", loadBody)

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readMessages(t, conn)

	cmd, _ := json.Marshal(WSMessage{Type: MsgTypeVolume, Data: json.RawMessage(`{"trackId":"nope","gain":0.5}`)})
	conn.WriteMessage(websocket.TextMessage, cmd)

	var gotError bool
	for _, msg := range readMessages(t, conn) {
		gotError = gotError || msg.Type == MsgTypeError
	}
	if !gotError {
		t.Fatal("expected error message for unknown track")
	}

	ping, _ := json.Marshal(WSMessage{Type: MsgTypePing})
	conn.WriteMessage(websocket.TextMessage, ping)
	for _, msg := range readMessages(t, conn) {
		if msg.Type == MsgTypePong {
			if s.coord.State().String() != "ready" {
				t.Fatalf("state = %s", s.coord.State())
			}
			return
		}
	}
	t.Fatal("read loop should survive a rejected command")
}

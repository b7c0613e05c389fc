package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mixdeck/core/audio"
	"mixdeck/core/loader"
	"mixdeck/core/media"
	"mixdeck/core/playback"
	"mixdeck/core/transport"
	"mixdeck/internal/testmedia"
)

func TestTrackID(t *testing.T) {
	cases := map[string]string{
		"./stems/drums.wav":                  "drums",
		"/abs/bass.line.flac":                "bass.line",
		"https://cdn.example/a/keys.mp3?x=1": "keys",
		"s3://bucket/song/vox.ogg":           "vox",
	}
	for in, want := range cases {
		if got := trackID(in); got != want {
			t.Errorf("trackID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTracks(t *testing.T) {
	tracks, err := parseTracks(
		[]string{"./stems/drums.wav", "bass=https://cdn/b.wav?sig=a=b"},
		[]string{"bass=./bass.mid"},
		[]string{"drums"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Fatalf("len = %d", len(tracks))
	}
	if tracks[0].ID != "drums" || !tracks[0].Disabled {
		t.Fatalf("drums = %+v", tracks[0])
	}
	if tracks[1].ID != "bass" || tracks[1].SourceURL != "https://cdn/b.wav?sig=a=b" || tracks[1].NotesURL != "./bass.mid" {
		t.Fatalf("bass = %+v", tracks[1])
	}

	if _, err := parseTracks([]string{"a.wav", "x/a.wav"}, nil, nil); err == nil {
		t.Fatal("expected duplicate id error")
	}
	if _, err := parseTracks([]string{"a.wav"}, []string{"b=b.mid"}, nil); err == nil {
		t.Fatal("expected unknown notes target error")
	}
	if _, err := parseTracks([]string{"a.wav"}, nil, []string{"b"}); err == nil {
		t.Fatal("expected unknown muted track error")
	}
}

func TestReadManifest(t *testing.T) {
	file := filepath.Join(t.TempDir(), "song.json")
	body := `{"tracks":[{"id":"a","sourceUrl":"a.wav","volumeGain":0.5}]}`
	if err := os.WriteFile(file, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	tracks, err := readManifest(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 1 || tracks[0].Gain() != 0.5 {
		t.Fatalf("tracks = %+v", tracks)
	}
}

func TestPitchNameAndFormatTime(t *testing.T) {
	if got := pitchName(60); got != "C4" {
		t.Fatalf("pitchName(60) = %q", got)
	}
	if got := pitchName(69); got != "A4" {
		t.Fatalf("pitchName(69) = %q", got)
	}
	if got := formatTime(75.5); got != "1:15.500" {
		t.Fatalf("formatTime = %q", got)
	}
}

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(ctx context.Context, src string) ([]byte, error) {
	if data, ok := m[src]; ok {
		return data, nil
	}
	return nil, errors.New("not found")
}

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	const rate = 8000
	f := mapFetcher{
		"a.wav": testmedia.WAV(t, 1, rate, 220),
		"b.wav": testmedia.WAV(t, 2, rate, 330),
		"b.mid": testmedia.MIDI(t, testmedia.Note{Start: 0, Duration: 1, Key: 60}),
	}
	coord := playback.New(playback.Options{
		Loader: loader.New(f, nil, loader.Options{SampleRate: rate, Timeout: time.Second}),
		Elements: func(id string, buf *audio.Buffer) (media.Element, error) {
			return media.NewBufferElement(id, buf), nil
		},
		TimeSource: transport.NewManualTime(0),
		Scheduler:  transport.NewManualScheduler(),
	})
	t.Cleanup(coord.Destroy)

	tracks, err := parseTracks([]string{"a.wav", "b.wav", "c.wav"}, []string{"b=b.mid"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	out := &bytes.Buffer{}
	return &console{coord: coord, tracks: tracks, out: out}, out
}

func TestConsoleCommands(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	if err := c.load(ctx); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "跳过") || !strings.Contains(out.String(), "已加载 2 条音轨") {
		t.Fatalf("load output = %q", out.String())
	}

	c.exec(ctx, "seek 0.5")
	if got := c.coord.CurrentTime(); got != 0.5 {
		t.Fatalf("time = %v", got)
	}
	c.exec(ctx, "off a")
	if ids := c.coord.EnabledTracks(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("enabled = %v", ids)
	}

	out.Reset()
	c.exec(ctx, "notes b")
	if !strings.Contains(out.String(), "C4") {
		t.Fatalf("notes output = %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "vol nope 0.5")
	c.exec(ctx, "seek abc")
	c.exec(ctx, "bogus")
	if n := strings.Count(out.String(), "错误"); n != 3 {
		t.Fatalf("errors = %d, output %q", n, out.String())
	}

	c.exec(ctx, "play")
	if !c.coord.IsPlaying() {
		t.Fatal("not playing")
	}
	c.exec(ctx, "toggle")
	if c.coord.IsPlaying() {
		t.Fatal("still playing")
	}

	if c.exec(ctx, "") || !c.exec(ctx, "quit") {
		t.Fatal("quit handling")
	}
}

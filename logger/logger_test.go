package logger

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNilLoggerIsSafe(t *testing.T) {
	SetLogger(nil)
	Debug("ignored")
	Info("ignored", String("k", "v"))
	Warn("ignored")
	Error("ignored", ErrorField(errors.New("boom")))
}

func TestFieldsReachCore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)

	Warn("track load failed",
		String("trackId", "bass"),
		Float64("position", 1.5),
		ErrorField(errors.New("404")))

	entries := logs.FilterMessage("track load failed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["trackId"] != "bass" {
		t.Errorf("trackId = %v", ctx["trackId"])
	}
	if ctx["error"] != "404" {
		t.Errorf("error = %v", ctx["error"])
	}
}

func TestLevelMapping(t *testing.T) {
	cases := map[LogLevel]zapcore.Level{
		DebugLevel:     zapcore.DebugLevel,
		InfoLevel:      zapcore.InfoLevel,
		WarnLevel:      zapcore.WarnLevel,
		ErrorLevel:     zapcore.ErrorLevel,
		LogLevel("??"): zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := in.zapLevel(); got != want {
			t.Errorf("%q -> %v, want %v", in, got, want)
		}
	}
}

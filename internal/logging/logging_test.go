package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

func TestOrDefaultPrefersContextLogger(t *testing.T) {
	fromCtx, ctxBuf := newBufferLogger()
	fallback, fallbackBuf := newBufferLogger()

	OrDefault(ContextWithLogger(context.Background(), fromCtx), fallback).Info("hello")
	if !strings.Contains(ctxBuf.String(), "hello") || fallbackBuf.Len() != 0 {
		t.Fatalf("expected context logger to be used, ctx=%q fallback=%q", ctxBuf.String(), fallbackBuf.String())
	}

	OrDefault(context.Background(), fallback).Info("fallback")
	if !strings.Contains(fallbackBuf.String(), "fallback") {
		t.Fatalf("expected fallback logger to be used, got %q", fallbackBuf.String())
	}

	if OrDefault(nil, nil) == nil {
		t.Fatal("expected slog.Default when nothing is configured")
	}
}

func TestWithAddsAttributes(t *testing.T) {
	logger, buf := newBufferLogger()
	ctx := With(ContextWithLogger(context.Background(), logger), "request_id", 7)
	FromContext(ctx).Info("tagged")
	if !strings.Contains(buf.String(), "request_id=7") {
		t.Fatalf("expected request_id attribute, got %q", buf.String())
	}

	bare := context.Background()
	if With(bare, "k", "v") != bare {
		t.Fatal("expected a context without logger to be returned unchanged")
	}
}

func TestScoped(t *testing.T) {
	logger, buf := newBufferLogger()
	Scoped(context.Background(), logger, "service", "SessionService", "CompleteSession", "session_id", "s1").Info("done")

	out := buf.String()
	for _, want := range []string{"service=SessionService", "operation=CompleteSession", "session_id=s1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

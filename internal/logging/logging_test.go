package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("scheduler")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("cycle complete", "queued", 3)

	out := buf.String()
	if !strings.Contains(out, `msg="cycle complete"`) {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=scheduler") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "queued=3") {
		t.Fatalf("expected queued field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("queue")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormatAndCommandFields(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithCommand(L("executor"), "cmd-7", "execute").Debug("spawned")

	out := buf.String()
	for _, want := range []string{`"commandId":"cmd-7"`, `"commandType":"execute"`, `"component":"executor"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestSwitchingFormatsKeepsPackageLoggers(t *testing.T) {
	logger := L("websocket")

	var jsonBuf, textBuf bytes.Buffer
	Init("json", "info", &jsonBuf)
	logger.Info("connected")
	Init("text", "info", &textBuf)
	logger.Info("reconnected")

	if !strings.Contains(jsonBuf.String(), `"msg":"connected"`) {
		t.Fatalf("expected json record, got: %s", jsonBuf.String())
	}
	if !strings.Contains(textBuf.String(), "msg=reconnected") {
		t.Fatalf("expected text record after switching back, got: %s", textBuf.String())
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}

	l := L("ctx")
	if got := FromContext(NewContext(context.Background(), l)); got != l {
		t.Fatal("expected logger stored in context")
	}
}

func TestNewFileWriterCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	w, err := NewFileWriter(FileOptions{Path: path, MaxSizeMB: 1}, false)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("unexpected file contents %q", data)
	}
}

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, lvl zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(lvl)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })
	return logs
}

// TestAllCategoriesLog checks that every category routes to the root logger.
func TestAllCategoriesLog(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	for _, cat := range AllCategories() {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		Get(cat).Info("Test info message for %s", cat)
	}

	entries := logs.All()
	if len(entries) != len(AllCategories()) {
		t.Fatalf("expected %d entries, got %d", len(AllCategories()), len(entries))
	}
	for i, cat := range AllCategories() {
		if entries[i].LoggerName != string(cat) {
			t.Errorf("entry %d: logger name %q, want %q", i, entries[i].LoggerName, cat)
		}
		if !strings.Contains(entries[i].Message, string(cat)) {
			t.Errorf("entry %d: message %q missing category", i, entries[i].Message)
		}
	}
}

func TestConvenienceFunctions(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	Store("stored %d", 1)
	StoreDebug("debug store")
	JIT("assembled")
	JITDebug("selected %s", "role")
	JITWarn("unknown operator %q", "like")
	Experiment("started")
	ExperimentDebug("assigned")
	ExperimentWarn("custom metric")

	if got := logs.Len(); got != 8 {
		t.Fatalf("expected 8 entries, got %d", got)
	}
	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warns) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(warns))
	}
	if warns[0].Message != `unknown operator "like"` {
		t.Errorf("unexpected message %q", warns[0].Message)
	}
}

func TestDisabledCategory(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	mu.Lock()
	categories = map[string]bool{"store": false}
	loggers = make(map[Category]*Logger)
	mu.Unlock()

	Get(CategoryStore).Info("should be dropped")
	Get(CategoryJIT).Info("should be kept")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	if logs.All()[0].LoggerName != "jit" {
		t.Errorf("unexpected logger %q", logs.All()[0].LoggerName)
	}
}

func TestNoopBeforeInitialize(t *testing.T) {
	SetLogger(nil)
	// Must not panic and must not write anywhere.
	Get(CategoryBoot).Error("nothing to see")
	StartTimer(CategoryBoot, "noop").Stop()
}

func TestInitializeWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promptsmith.log")

	if err := Initialize(Config{Level: "debug", Format: "json", File: path}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { SetLogger(nil) })

	Get(CategoryJIT).Info("hello %s", "world")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello world"`) {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), `"logger":"jit"`) {
		t.Errorf("log file missing logger name: %s", data)
	}
}

func TestInitializeRejectsBadConfig(t *testing.T) {
	if err := Initialize(Config{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := Initialize(Config{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConcurrentGet(t *testing.T) {
	observe(t, zapcore.InfoLevel)

	var wg sync.WaitGroup
	got := make([]*Logger, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = Get(CategoryExperiment)
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("Get returned different loggers for the same category")
		}
	}
}

func TestAuditEvents(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)

	AuditWithRequest("req-1").PromptAssembled([]string{"role@v1"}, 42, 3, 5)
	Audit().CompositeAssembled("onboarding", nil, true, "store unavailable")
	Audit().ExperimentTransition("exp-1", "active", "draft", false, "not allowed")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}

	first := entries[0].ContextMap()
	if first["event"] != string(AuditPromptAssembled) {
		t.Errorf("event = %v", first["event"])
	}
	if first["req"] != "req-1" {
		t.Errorf("req = %v", first["req"])
	}
	if first["chars"] != int64(42) {
		t.Errorf("chars = %#v", first["chars"])
	}

	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("degraded composite should log at warn, got %v", entries[1].Level)
	}
	if entries[1].ContextMap()["event"] != string(AuditCompositeDegraded) {
		t.Errorf("event = %v", entries[1].ContextMap()["event"])
	}
	if entries[2].ContextMap()["action"] != "active->draft" {
		t.Errorf("action = %v", entries[2].ContextMap()["action"])
	}
}

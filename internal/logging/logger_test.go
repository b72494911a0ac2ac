package logging

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, lvl zapcore.Level, opts Options) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(lvl)
	UseLogger(zap.New(core), opts)
	t.Cleanup(func() { UseLogger(zap.NewNop(), Options{}) })
	return logs
}

func TestCategoriesCarryField(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel, Options{})

	Writer("draft %d ready", 3)
	GuardDebug("anchor ok")
	Get(CategoryStore).Error("insert failed: %v", errors.New("locked"))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "draft 3 ready", entries[0].Message)
	assert.Equal(t, "writer", entries[0].ContextMap()["category"])
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, "guard", entries[1].ContextMap()["category"])
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestDisabledCategoryIsSilent(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel, Options{Categories: map[string]bool{"store": false}})

	Store("hidden")
	Review("visible")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "visible", logs.All()[0].Message)
	assert.False(t, IsCategoryEnabled(CategoryStore))
	assert.True(t, IsCategoryEnabled(CategoryReview))
}

func TestLevelFiltering(t *testing.T) {
	logs := observe(t, zapcore.WarnLevel, Options{})

	Orchestrator("info dropped")
	Get(CategoryOrchestrator).Warn("kept")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		err  bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestInitializeWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	require.NoError(t, Initialize(Options{Level: "debug", Format: "json", File: path}))
	t.Cleanup(func() { UseLogger(zap.NewNop(), Options{}) })

	Boot("hello")
	Sync()
	assert.FileExists(t, path)
}

func TestTimerThreshold(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel, Options{})

	timer := StartTimer(CategoryAPI, "generate")
	timer.start = time.Now().Add(-2 * time.Second)
	timer.StopWithThreshold(time.Second)

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, e.Level)
	assert.Equal(t, "performance", e.ContextMap()["category"])
}

func TestAuditFields(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel, Options{})

	AuditFor("novel-1", 4).StateChange("DRAFTING", "HARD_VALIDATING", 1)

	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "state_change", ctx["event"])
	assert.Equal(t, "novel-1", ctx["novel_id"])
	assert.Equal(t, int64(4), ctx["episode_no"])
	assert.Equal(t, "HARD_VALIDATING", ctx["to"])
}

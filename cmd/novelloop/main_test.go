package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novelloop/internal/config"
	"novelloop/internal/embedding"
	"novelloop/internal/llm"
	"novelloop/internal/llm/llmtest"
	"novelloop/internal/orchestrator"
	"novelloop/internal/types"
)

const testDraft = "새벽 첫차가 역에 들어왔다. 민수는 젖은 코트를 여미고 승강장으로 내려섰다."

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

type env struct {
	dir string
	db  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	return &env{dir: dir, db: filepath.Join(dir, "novelloop.db")}
}

func (e *env) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"-c", filepath.Join(e.dir, "missing.yaml"), "--db", e.db, "--quiet"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) addNovel(t *testing.T, title, bible string) types.Novel {
	t.Helper()
	path := filepath.Join(e.dir, "bible.md")
	require.NoError(t, os.WriteFile(path, []byte(bible), 0o600))
	out, err := e.execute(t, "novel", "add", "--title", title, "--bible-file", path)
	require.NoError(t, err)
	var n types.Novel
	require.NoError(t, json.Unmarshal([]byte(out), &n))
	return n
}

func scriptBackends(t *testing.T, replies ...llmtest.Reply) *llmtest.Provider {
	t.Helper()
	provider := llmtest.NewProvider(replies...)
	orig := newBackends
	newBackends = func(ctx context.Context, cfg *config.Config) (llm.Provider, embedding.EmbeddingEngine, error) {
		return provider, &llmtest.Embedder{}, nil
	}
	t.Cleanup(func() { newBackends = orig })
	return provider
}

func TestNovelAddAndList(t *testing.T) {
	e := newEnv(t)
	n := e.addNovel(t, "밤의 역", "서울, 1999년 겨울. 회당 20~200자.")
	assert.NotEmpty(t, n.ID)
	assert.True(t, n.Active)
	assert.Contains(t, n.StoryBible, "20~200자")

	out, err := e.execute(t, "novel", "list")
	require.NoError(t, err)
	var rows []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Active      bool   `json:"active"`
		LastEpisode int    `json:"last_episode_no"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, n.ID, rows[0].ID)
	assert.Zero(t, rows[0].LastEpisode)

	_, err = e.execute(t, "novel", "deactivate", n.ID)
	require.NoError(t, err)
	out, err = e.execute(t, "novel", "list", "--active")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestRun_DryRun(t *testing.T) {
	e := newEnv(t)
	n := e.addNovel(t, "밤의 역", "서울, 1999년 겨울. 회당 20~200자.")
	provider := scriptBackends(t,
		llmtest.JSON(map[string]any{"episode_content": testDraft, "resolved_plot_seed_ids": []string{}}),
		llmtest.JSON(map[string]any{"facts": []string{"민수는 새벽 첫차를 탔다"}}),
		llmtest.JSON(map[string]any{"passed": true, "issues": []any{}}),
	)

	out, err := e.execute(t, "run", "--novel", n.ID, "--dry-run", "--disable-writer-tools",
		"--start-story-time", "1999-12-24T22:00:00+09:00")
	require.NoError(t, err)

	var report orchestrator.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.OK)
	require.Len(t, report.Results, 1)
	assert.Equal(t, orchestrator.StatusDryRun, report.Results[0].Status)
	assert.Equal(t, 1, report.Results[0].EpisodeNo)
	assert.Equal(t, 3, provider.Calls())
	assert.Empty(t, provider.Requests()[0].Tools)
}

func TestRun_FailureExitsNonZero(t *testing.T) {
	e := newEnv(t)
	scriptBackends(t)

	out, err := e.execute(t, "run", "--novel", "missing")
	require.ErrorIs(t, err, errRunFailed)

	var report orchestrator.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.OK)
	require.Len(t, report.Results, 1)
	assert.Equal(t, orchestrator.StatusError, report.Results[0].Status)
}

// requireErrorReport checks the JSON written when a run stops early.
func requireErrorReport(t *testing.T, out string, err error) orchestrator.Report {
	t.Helper()
	require.Error(t, err)
	assert.NotErrorIs(t, err, errRunFailed)
	want, merr := json.Marshal(map[string]any{"ok": false, "results": []any{}, "error": err.Error()})
	require.NoError(t, merr)
	assert.JSONEq(t, string(want), out)

	var report orchestrator.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	return report
}

func TestRun_RequiresSelection(t *testing.T) {
	e := newEnv(t)
	out, err := e.execute(t, "run")
	report := requireErrorReport(t, out, err)
	assert.Contains(t, report.Error, "--novel or --all")
}

func TestRun_RejectsBadStartTime(t *testing.T) {
	e := newEnv(t)
	out, err := e.execute(t, "run", "--all", "--start-story-time", "yesterday")
	report := requireErrorReport(t, out, err)
	assert.Contains(t, report.Error, "start_story_time")
}

func TestRun_BackendFailureWritesReport(t *testing.T) {
	e := newEnv(t)
	orig := newBackends
	newBackends = func(ctx context.Context, cfg *config.Config) (llm.Provider, embedding.EmbeddingEngine, error) {
		return nil, nil, errors.New("no api key")
	}
	t.Cleanup(func() { newBackends = orig })

	out, err := e.execute(t, "run", "--all")
	report := requireErrorReport(t, out, err)
	assert.Contains(t, report.Error, "no api key")
	assert.False(t, report.OK)
}

func TestRun_StoreFailureWritesReport(t *testing.T) {
	e := newEnv(t)
	scriptBackends(t)
	blocker := filepath.Join(e.dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	e.db = filepath.Join(blocker, "novelloop.db")

	out, err := e.execute(t, "run", "--all")
	requireErrorReport(t, out, err)
}

func TestApplyRunFlags(t *testing.T) {
	e := newEnv(t)
	scriptBackends(t)

	_, err := e.execute(t, "run", "--all", "--dry-run", "--max-tiktaka", "0", "--story-time-step-minutes", "15")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Pipeline.ReviewAttempts())
	assert.Equal(t, 15, cfg.Pipeline.StoryTimeStepMinutes)
	assert.False(t, cfg.Pipeline.DisableWriterTools)
}

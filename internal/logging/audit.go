package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names a pipeline event. Audit entries are emitted as
// structured zap records with event="<type>" so a run can be replayed from
// the log alone.
type AuditEventType string

const (
	AuditRunStart      AuditEventType = "run_start"
	AuditRunEnd        AuditEventType = "run_end"
	AuditStateChange   AuditEventType = "state_change"
	AuditLLMCall       AuditEventType = "llm_call"
	AuditLLMRetry      AuditEventType = "llm_retry"
	AuditLLMRepair     AuditEventType = "llm_repair"
	AuditToolCall      AuditEventType = "tool_call"
	AuditGuardReject   AuditEventType = "guard_reject"
	AuditReviewVerdict AuditEventType = "review_verdict"
	AuditEpisodeCommit AuditEventType = "episode_commit"
	AuditLifecycleWarn AuditEventType = "lifecycle_warning"
)

// AuditLogger writes audit events correlated by novel and episode.
type AuditLogger struct {
	novelID   string
	episodeNo int
}

// Audit returns an audit logger without correlation fields.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditFor returns an audit logger bound to one episode attempt.
func AuditFor(novelID string, episodeNo int) *AuditLogger {
	return &AuditLogger{novelID: novelID, episodeNo: episodeNo}
}

// Log writes one audit event.
func (a *AuditLogger) Log(event AuditEventType, msg string, fields ...zap.Field) {
	base := []zap.Field{zap.String("event", string(event))}
	if a.novelID != "" {
		base = append(base, zap.String("novel_id", a.novelID), zap.Int("episode_no", a.episodeNo))
	}
	Get(CategoryOrchestrator).Zap().Info(msg, append(base, fields...)...)
}

// StateChange records a state machine transition.
func (a *AuditLogger) StateChange(from, to string, attempt int) {
	a.Log(AuditStateChange, "state change",
		zap.String("from", from), zap.String("to", to), zap.Int("attempt", attempt))
}

// LLMCall records one model call.
func (a *AuditLogger) LLMCall(provider, model, purpose string, dur time.Duration, err error) {
	fields := []zap.Field{
		zap.String("provider", provider),
		zap.String("model", model),
		zap.String("purpose", purpose),
		zap.Duration("duration", dur),
		zap.Bool("success", err == nil),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	a.Log(AuditLLMCall, "llm call", fields...)
}

// ToolCall records a writer tool invocation.
func (a *AuditLogger) ToolCall(name string, args map[string]any, err error) {
	fields := []zap.Field{zap.String("tool", name), zap.Any("args", args), zap.Bool("success", err == nil)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	a.Log(AuditToolCall, "writer tool call", fields...)
}

// GuardReject records a hard-constraint failure.
func (a *AuditLogger) GuardReject(writerAttempt, length int, reasons []string) {
	a.Log(AuditGuardReject, "draft rejected by guard",
		zap.Int("writer_attempt", writerAttempt), zap.Int("length", length), zap.Strings("reasons", reasons))
}

// ReviewVerdict records a reviewer outcome.
func (a *AuditLogger) ReviewVerdict(reviewer string, passed bool, issues int) {
	a.Log(AuditReviewVerdict, "review verdict",
		zap.String("reviewer", reviewer), zap.Bool("passed", passed), zap.Int("issues", issues))
}

// EpisodeCommit records the accepted episode.
func (a *AuditLogger) EpisodeCommit(episodeID string, length int, warnings int) {
	a.Log(AuditEpisodeCommit, "episode committed",
		zap.String("episode_id", episodeID), zap.Int("length", length), zap.Int("warnings", warnings))
}

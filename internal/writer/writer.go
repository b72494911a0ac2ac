// Package writer drafts episodes with the writer model, optionally letting
// it consult and stage narrative state through tool calls.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"novelloop/internal/config"
	"novelloop/internal/errs"
	"novelloop/internal/guard"
	"novelloop/internal/llm"
	"novelloop/internal/logging"
	"novelloop/internal/prompt"
	"novelloop/internal/storycontext"
	"novelloop/internal/types"
)

// Model is the part of the LLM adapter the writer uses.
type Model interface {
	Generate(ctx context.Context, purpose string, req llm.Request) (*llm.Response, error)
	DecodeStructured(ctx context.Context, purpose string, req llm.Request, resp *llm.Response, out any) error
}

// Store backs the read-only tools.
type Store interface {
	GetCharacter(ctx context.Context, novelID, name string) (types.Character, bool, error)
	GetLocation(ctx context.Context, novelID, name string) (types.Location, bool, error)
	ListOpenPlotSeeds(ctx context.Context, novelID string) ([]types.PlotSeed, error)
}

// DraftRequest is one writer invocation.
type DraftRequest struct {
	Context         *storycontext.StoryContext
	StoryTime       time.Time
	Anchor          string // empty for a first episode
	Revision        string // instruction carried from a failed check, if any
	MaxOutputTokens int
}

// Draft is the writer's output for one invocation.
type Draft struct {
	Content             string
	ResolvedPlotSeedIDs []string
	ToolCalls           []ToolCallRecord
	StagedSeeds         []types.PlotSeed
	StagedCharacters    []types.Character
	StagedLocations     []types.Location

	// MetaHits are meta references still present after the correction
	// retries. The guard rejects such a draft.
	MetaHits     []string
	MetaAttempts int
}

// ToolCallRecord is the log entry of one tool invocation.
type ToolCallRecord struct {
	Name  string         `json:"name"`
	Args  map[string]any `json:"args,omitempty"`
	Error string         `json:"error,omitempty"`
}

type writerReply struct {
	EpisodeContent      string   `json:"episode_content"`
	ResolvedPlotSeedIDs []string `json:"resolved_plot_seed_ids"`
}

var replySchema = llm.Object("The installment.", map[string]*jsonschema.Schema{
	"episode_content":        llm.String("The full text of the new installment."),
	"resolved_plot_seed_ids": llm.Array("IDs of open plot seeds this installment resolves.", llm.String("plot seed id"), 0),
})

// Writer produces drafts.
type Writer struct {
	model  Model
	store  Store
	corpus *prompt.EmbeddedCorpus
	cfg    config.PipelineConfig
	meta   *guard.MetaScanner
}

// New creates a writer.
func New(model Model, store Store, corpus *prompt.EmbeddedCorpus, cfg config.PipelineConfig) *Writer {
	return &Writer{model: model, store: store, corpus: corpus, cfg: cfg, meta: guard.NewMetaScanner()}
}

// ToolsEnabled reports whether drafts may use tool calls.
func (w *Writer) ToolsEnabled() bool {
	return !w.cfg.DisableWriterTools && w.cfg.MaxToolCalls > 0 && w.store != nil
}

// Draft writes one candidate episode. A meta reference triggers a
// correction request, up to MaxMetaRetries attempts in total.
func (w *Writer) Draft(ctx context.Context, req DraftRequest) (*Draft, error) {
	const op = "writer.Draft"
	if req.Context == nil {
		return nil, errs.Unexpected(op, fmt.Errorf("draft request without story context"))
	}
	timer := logging.StartTimer(logging.CategoryWriter, "Draft")
	defer timer.Stop()

	data := w.promptData(req)
	system, err := w.corpus.Assemble(prompt.CategoryWriter, data)
	if err != nil {
		return nil, errs.Unexpected(op, err)
	}
	task, err := w.corpus.Assemble(prompt.CategoryWriterTask, data)
	if err != nil {
		return nil, errs.Unexpected(op, err)
	}

	session := &toolSession{writer: w, novelID: req.Context.Novel.ID, audit: logging.AuditFor(req.Context.Novel.ID, req.Context.NextEpisodeNo())}
	llmReq := llm.Request{
		System:          system,
		Messages:        []llm.Message{llm.UserText(task)},
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if w.ToolsEnabled() {
		llmReq.Tools = toolDecls()
	}

	reply, llmReq, err := w.runToolRounds(ctx, session, llmReq)
	if err != nil {
		return nil, err
	}

	draft := &Draft{MetaAttempts: 1}
	maxMeta := w.cfg.MaxMetaRetries
	if maxMeta < 1 {
		maxMeta = 1
	}
	hits := w.meta.Scan(reply.EpisodeContent)
	for len(hits) > 0 && draft.MetaAttempts < maxMeta {
		draft.MetaAttempts++
		logging.Get(logging.CategoryWriter).Warn("draft contains meta references %v, correction %d/%d", hits, draft.MetaAttempts, maxMeta)

		correction, err := w.corpus.Render(prompt.AtomWriterMetaCorrection, prompt.MetaCorrectionData{Hits: hits})
		if err != nil {
			return nil, errs.Unexpected(op, err)
		}
		prev, _ := json.Marshal(reply)
		llmReq.Tools = nil
		llmReq.Schema = replySchema
		llmReq.SchemaName = "episode"
		llmReq.Messages = append(llmReq.Messages,
			llm.Message{Role: llm.RoleAssistant, Text: string(prev)},
			llm.UserText(correction))

		resp, err := w.model.Generate(ctx, "writer.meta_correction", llmReq)
		if err != nil {
			return nil, err
		}
		var next writerReply
		if err := w.model.DecodeStructured(ctx, "writer.meta_correction", llmReq, resp, &next); err != nil {
			return nil, err
		}
		reply = next
		hits = w.meta.Scan(reply.EpisodeContent)
	}

	draft.Content = strings.TrimSpace(reply.EpisodeContent)
	draft.MetaHits = hits
	draft.ResolvedPlotSeedIDs = w.filterResolved(req.Context, reply.ResolvedPlotSeedIDs)
	draft.ToolCalls = session.records
	draft.StagedSeeds = session.seeds
	draft.StagedCharacters = session.characters
	draft.StagedLocations = session.locations

	logging.Writer("draft ready: novel=%s episode=%d length=%d tool_calls=%d staged=%d/%d/%d resolved=%d meta_hits=%d",
		req.Context.Novel.ID, req.Context.NextEpisodeNo(), guard.Length(draft.Content), len(draft.ToolCalls),
		len(draft.StagedSeeds), len(draft.StagedCharacters), len(draft.StagedLocations),
		len(draft.ResolvedPlotSeedIDs), len(draft.MetaHits))
	return draft, nil
}

// runToolRounds drives the conversation until the model answers with the
// episode. Once the tool budget is spent the request switches to JSON mode.
func (w *Writer) runToolRounds(ctx context.Context, session *toolSession, req llm.Request) (writerReply, llm.Request, error) {
	var reply writerReply
	for {
		if len(req.Tools) == 0 || session.used >= w.cfg.MaxToolCalls {
			req.Tools = nil
			req.Schema = replySchema
			req.SchemaName = "episode"
		}

		resp, err := w.model.Generate(ctx, "writer", req)
		if err != nil {
			return reply, req, err
		}
		if len(resp.ToolCalls) == 0 || len(req.Tools) == 0 {
			decodeReq := req
			decodeReq.Schema = replySchema
			decodeReq.SchemaName = "episode"
			if err := w.model.DecodeStructured(ctx, "writer", decodeReq, resp, &reply); err != nil {
				return reply, req, err
			}
			return reply, decodeReq, nil
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, session.execute(ctx, call, w.cfg.MaxToolCalls))
		}
		req.Messages = append(req.Messages, resp.AssistantMessage(), llm.Message{Role: llm.RoleTool, ToolResults: results})
	}
}

// filterResolved keeps only IDs of seeds that were open before this
// episode. Seeds staged in the same attempt cannot be resolved by it.
func (w *Writer) filterResolved(sc *storycontext.StoryContext, ids []string) []string {
	open := make(map[string]bool, len(sc.OpenSeeds))
	for _, s := range sc.OpenSeeds {
		open[s.ID] = true
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if !open[id] {
			logging.Get(logging.CategoryWriter).Warn("ignoring resolved seed %q: not an open seed of novel %s", id, sc.Novel.ID)
			continue
		}
		out = append(out, id)
	}
	return out
}

func (w *Writer) promptData(req DraftRequest) prompt.WriterData {
	sc := req.Context
	tools := w.ToolsEnabled()
	data := prompt.WriterData{
		MinChars:     sc.LengthBand.Min,
		MaxChars:     sc.LengthBand.Max,
		TargetChars:  sc.LengthBand.Midpoint(),
		HasPrevious:  sc.HasPrevious,
		Anchor:       req.Anchor,
		PreviousTail: sc.PreviousTail,
		Bible:        sc.TruncatedBible,
		StoryTime:    req.StoryTime.Format("2006-01-02 15:04 MST"),
		Revision:     req.Revision,
		ToolsEnabled: tools,
		MaxToolCalls: w.cfg.MaxToolCalls,
	}
	for _, c := range sc.Characters {
		if tools {
			data.Characters = append(data.Characters, c.Name)
		} else {
			data.Characters = append(data.Characters, c.Describe())
		}
	}
	for _, l := range sc.Locations {
		if tools {
			data.Locations = append(data.Locations, l.Name)
		} else {
			data.Locations = append(data.Locations, l.Describe())
		}
	}
	for _, s := range sc.OpenSeeds {
		line := s.ID + ": " + s.Title
		if s.Detail != "" {
			line += " - " + s.Detail
		}
		data.OpenSeeds = append(data.OpenSeeds, line)
	}
	return data
}

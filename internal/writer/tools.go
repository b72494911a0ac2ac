package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"novelloop/internal/errs"
	"novelloop/internal/llm"
	"novelloop/internal/logging"
	"novelloop/internal/types"
)

// Tool names offered to the writer model.
const (
	ToolGetCharacter      = "get_character"
	ToolGetLocation       = "get_location"
	ToolListOpenPlotSeeds = "list_open_plot_seeds"
	ToolStagePlotSeed     = "stage_plot_seed"
	ToolStageCharacter    = "stage_character"
	ToolStageLocation     = "stage_location"
)

var attributeList = llm.Array("Attributes as key/value pairs.",
	llm.Object("One attribute.", map[string]*jsonschema.Schema{
		"key":   llm.String("Attribute name, e.g. age, role, appearance."),
		"value": llm.String("Attribute value."),
	}), 0)

func toolDecls() []llm.ToolDecl {
	return []llm.ToolDecl{
		{
			Name:        ToolGetCharacter,
			Description: "Look up an established character by exact name.",
			Parameters:  llm.Object("", map[string]*jsonschema.Schema{"name": llm.String("Character name.")}),
		},
		{
			Name:        ToolGetLocation,
			Description: "Look up an established location by exact name.",
			Parameters:  llm.Object("", map[string]*jsonschema.Schema{"name": llm.String("Location name.")}),
		},
		{
			Name:        ToolListOpenPlotSeeds,
			Description: "List unresolved plot seeds with their ids.",
			Parameters:  llm.Object("", map[string]*jsonschema.Schema{}),
		},
		{
			Name:        ToolStagePlotSeed,
			Description: "Record a new plot seed this installment introduces. Applied only if the installment is accepted.",
			Parameters: llm.ObjectOptional("", map[string]*jsonschema.Schema{
				"title":           llm.String("Short title of the hook."),
				"detail":          llm.String("What was set up and what remains open."),
				"character_names": llm.Array("Characters involved.", llm.String("name"), 0),
				"location_names":  llm.Array("Locations involved.", llm.String("name"), 0),
			}, "title"),
		},
		{
			Name:        ToolStageCharacter,
			Description: "Record a new character or new facts about one. Attributes merge with existing ones.",
			Parameters: llm.ObjectOptional("", map[string]*jsonschema.Schema{
				"name":       llm.String("Character name."),
				"attributes": attributeList,
			}, "name"),
		},
		{
			Name:        ToolStageLocation,
			Description: "Record a new location or new facts about one. Attributes merge with existing ones.",
			Parameters: llm.ObjectOptional("", map[string]*jsonschema.Schema{
				"name":       llm.String("Location name."),
				"attributes": attributeList,
			}, "name"),
		},
	}
}

// toolSession executes the tool calls of one Draft invocation and collects
// what the model staged.
type toolSession struct {
	writer  *Writer
	novelID string
	audit   *logging.AuditLogger
	used    int

	records    []ToolCallRecord
	seeds      []types.PlotSeed
	characters []types.Character
	locations  []types.Location
}

func (s *toolSession) execute(ctx context.Context, call llm.ToolCall, budget int) llm.ToolResult {
	result := llm.ToolResult{CallID: call.ID, Name: call.Name}
	if s.used >= budget {
		result.Result = map[string]any{"error": fmt.Sprintf("tool call limit of %d reached; write the installment now", budget)}
		s.record(call, fmt.Errorf("tool call limit reached"))
		return result
	}
	s.used++

	out, err := s.dispatch(ctx, call)
	if err != nil {
		result.Result = map[string]any{"error": err.Error()}
	} else {
		result.Result = out
	}
	s.record(call, err)
	return result
}

func (s *toolSession) record(call llm.ToolCall, err error) {
	rec := ToolCallRecord{Name: call.Name, Args: call.Args}
	if err != nil {
		rec.Error = err.Error()
	}
	s.records = append(s.records, rec)
	s.audit.ToolCall(call.Name, call.Args, err)
	logging.Writer("tool call %d: %s args=%v err=%v", len(s.records), call.Name, call.Args, err)
}

func (s *toolSession) dispatch(ctx context.Context, call llm.ToolCall) (map[string]any, error) {
	store := s.writer.store
	switch call.Name {
	case ToolGetCharacter:
		name := argString(call.Args, "name")
		if name == "" {
			return nil, errs.Validation("writer.tool", "name is required")
		}
		for _, c := range s.characters {
			if c.Name == name {
				return entityResult(true, c.Name, c.Attributes), nil
			}
		}
		c, ok, err := store.GetCharacter(ctx, s.novelID, name)
		if err != nil {
			return nil, err
		}
		return entityResult(ok, name, c.Attributes), nil

	case ToolGetLocation:
		name := argString(call.Args, "name")
		if name == "" {
			return nil, errs.Validation("writer.tool", "name is required")
		}
		for _, l := range s.locations {
			if l.Name == name {
				return entityResult(true, l.Name, l.Attributes), nil
			}
		}
		l, ok, err := store.GetLocation(ctx, s.novelID, name)
		if err != nil {
			return nil, err
		}
		return entityResult(ok, name, l.Attributes), nil

	case ToolListOpenPlotSeeds:
		seeds, err := store.ListOpenPlotSeeds(ctx, s.novelID)
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, len(seeds))
		for _, seed := range seeds {
			list = append(list, map[string]any{"id": seed.ID, "title": seed.Title, "detail": seed.Detail})
		}
		return map[string]any{"seeds": list}, nil

	case ToolStagePlotSeed:
		title := argString(call.Args, "title")
		if title == "" {
			return nil, errs.Validation("writer.tool", "title is required")
		}
		seed := types.PlotSeed{
			ID:             uuid.NewString(),
			NovelID:        s.novelID,
			Title:          title,
			Detail:         argString(call.Args, "detail"),
			Status:         types.SeedOpen,
			CharacterNames: argStrings(call.Args, "character_names"),
			LocationNames:  argStrings(call.Args, "location_names"),
		}
		s.seeds = append(s.seeds, seed)
		return map[string]any{"staged": true, "seed_id": seed.ID}, nil

	case ToolStageCharacter:
		name := argString(call.Args, "name")
		if name == "" {
			return nil, errs.Validation("writer.tool", "name is required")
		}
		s.characters = stageEntity(s.characters, types.Character{NovelID: s.novelID, Name: name, Attributes: argAttributes(call.Args)},
			func(c *types.Character) (string, map[string]string) { return c.Name, c.Attributes },
			func(c *types.Character, attrs map[string]string) { c.Attributes = attrs })
		return map[string]any{"staged": true, "name": name}, nil

	case ToolStageLocation:
		name := argString(call.Args, "name")
		if name == "" {
			return nil, errs.Validation("writer.tool", "name is required")
		}
		s.locations = stageEntity(s.locations, types.Location{NovelID: s.novelID, Name: name, Attributes: argAttributes(call.Args)},
			func(l *types.Location) (string, map[string]string) { return l.Name, l.Attributes },
			func(l *types.Location, attrs map[string]string) { l.Attributes = attrs })
		return map[string]any{"staged": true, "name": name}, nil
	}
	return nil, errs.Upstream("writer.tool", errs.ReasonToolFailure, fmt.Errorf("unknown tool %q", call.Name))
}

// stageEntity merges a staged entity into the list, combining attributes
// when the same name is staged twice.
func stageEntity[T any](list []T, item T, get func(*T) (string, map[string]string), set func(*T, map[string]string)) []T {
	name, attrs := get(&item)
	for i := range list {
		existingName, existing := get(&list[i])
		if existingName != name {
			continue
		}
		merged := make(map[string]string, len(existing)+len(attrs))
		for k, v := range existing {
			merged[k] = v
		}
		for k, v := range attrs {
			merged[k] = v
		}
		set(&list[i], merged)
		return list
	}
	return append(list, item)
}

func entityResult(found bool, name string, attrs map[string]string) map[string]any {
	if !found {
		return map[string]any{"found": false, "name": name}
	}
	a := make(map[string]any, len(attrs))
	for k, v := range attrs {
		a[k] = v
	}
	return map[string]any{"found": true, "name": name, "attributes": a}
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func argStrings(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// argAttributes accepts the declared [{key, value}] list and, leniently,
// a plain object.
func argAttributes(args map[string]any) map[string]string {
	out := map[string]string{}
	switch raw := args["attributes"].(type) {
	case []any:
		for _, item := range raw {
			pair, ok := item.(map[string]any)
			if !ok {
				continue
			}
			k, _ := pair["key"].(string)
			v, _ := pair["value"].(string)
			if k = strings.TrimSpace(k); k != "" {
				out[k] = strings.TrimSpace(v)
			}
		}
	case map[string]any:
		for k, v := range raw {
			if s, ok := v.(string); ok && strings.TrimSpace(k) != "" {
				out[strings.TrimSpace(k)] = strings.TrimSpace(s)
			}
		}
	}
	return out
}

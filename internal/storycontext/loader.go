// Package storycontext assembles the read-only view of a novel that the
// writer and reviewers work from.
package storycontext

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"novelloop/internal/config"
	"novelloop/internal/errs"
	"novelloop/internal/logging"
	"novelloop/internal/types"
)

// Store is the subset of the persistence layer the loader reads.
type Store interface {
	GetNovel(ctx context.Context, id string) (*types.Novel, error)
	LatestEpisodes(ctx context.Context, novelID string, n int) ([]types.Episode, error)
	ListCharacters(ctx context.Context, novelID string) ([]types.Character, error)
	ListLocations(ctx context.Context, novelID string) ([]types.Location, error)
	ListOpenPlotSeeds(ctx context.Context, novelID string) ([]types.PlotSeed, error)
}

// StoryContext is everything known about a novel before its next episode.
type StoryContext struct {
	Novel types.Novel

	// MaxEpisodeNo is the last committed episode, 0 for a new novel.
	MaxEpisodeNo int
	HasPrevious  bool

	PreviousTail        string
	PreviousStoryTime   time.Time
	PreviousButOneTail  string
	PreviousEpisodeID   string
	TruncatedBible      string
	LengthBand          types.LengthBand
	LengthBandFromBible bool
	Characters          []types.Character
	Locations           []types.Location
	OpenSeeds           []types.PlotSeed
}

// NextEpisodeNo is the number the episode being written will receive.
func (c *StoryContext) NextEpisodeNo() int { return c.MaxEpisodeNo + 1 }

// PreviousTails returns the available tails, oldest first.
func (c *StoryContext) PreviousTails() []string {
	var out []string
	if c.PreviousButOneTail != "" {
		out = append(out, c.PreviousButOneTail)
	}
	if c.PreviousTail != "" {
		out = append(out, c.PreviousTail)
	}
	return out
}

// Loader reads story context from the store.
type Loader struct {
	store Store
	cfg   config.PipelineConfig
}

// NewLoader creates a loader.
func NewLoader(store Store, cfg config.PipelineConfig) *Loader {
	return &Loader{store: store, cfg: cfg}
}

// Load gathers the context for the next episode of novelID.
func (l *Loader) Load(ctx context.Context, novelID string) (*StoryContext, error) {
	timer := logging.StartTimer(logging.CategoryContext, "Load")
	defer timer.Stop()

	novel, err := l.store.GetNovel(ctx, novelID)
	if err != nil {
		return nil, err
	}

	sc := &StoryContext{Novel: *novel}

	latest, err := l.store.LatestEpisodes(ctx, novelID, 2)
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		prev := latest[0]
		sc.HasPrevious = true
		sc.MaxEpisodeNo = prev.EpisodeNo
		sc.PreviousEpisodeID = prev.ID
		sc.PreviousStoryTime = prev.StoryTime
		sc.PreviousTail = Tail(prev.Content, l.cfg.TailChars)
	}
	if len(latest) > 1 {
		sc.PreviousButOneTail = Tail(latest[1].Content, l.cfg.TailChars)
	}

	sc.TruncatedBible = Head(novel.StoryBible, l.cfg.BibleMaxChars)
	defaultBand := types.LengthBand{Min: l.cfg.DefaultMinChars, Max: l.cfg.DefaultMaxChars}
	sc.LengthBand, sc.LengthBandFromBible = ParseLengthBand(novel.StoryBible, defaultBand)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chars, err := l.store.ListCharacters(gctx, novelID)
		sc.Characters = chars
		return err
	})
	g.Go(func() error {
		locs, err := l.store.ListLocations(gctx, novelID)
		sc.Locations = locs
		return err
	})
	g.Go(func() error {
		seeds, err := l.store.ListOpenPlotSeeds(gctx, novelID)
		sc.OpenSeeds = seeds
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errs.Classify("storycontext.Load", err)
	}

	logging.ContextDebug("loaded novel=%s max_episode=%d band=[%d,%d] from_bible=%v characters=%d locations=%d open_seeds=%d",
		novelID, sc.MaxEpisodeNo, sc.LengthBand.Min, sc.LengthBand.Max, sc.LengthBandFromBible,
		len(sc.Characters), len(sc.Locations), len(sc.OpenSeeds))
	return sc, nil
}

// lengthDirective matches "500~700자", "500-700 글자" or "1,500 – 2,000 characters".
var lengthDirective = regexp.MustCompile(`(\d[\d,]*)\s*[~\-–]\s*(\d[\d,]*)\s*(?:자|글자|characters|chars)`)

// ParseLengthBand extracts a length directive from the bible. ok is false
// and def is returned when the directive is absent or unusable.
func ParseLengthBand(bible string, def types.LengthBand) (band types.LengthBand, ok bool) {
	m := lengthDirective.FindStringSubmatch(bible)
	if m == nil {
		return def, false
	}
	lo, err1 := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	hi, err2 := strconv.Atoi(strings.ReplaceAll(m[2], ",", ""))
	if err1 != nil || err2 != nil {
		return def, false
	}
	band = types.LengthBand{Min: lo, Max: hi}
	if !band.Valid() {
		logging.Get(logging.CategoryContext).Warn("ignoring invalid length directive %q", m[0])
		return def, false
	}
	return band, true
}

// Tail returns the last n runes of s.
func Tail(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// Head returns the first n runes of s.
func Head(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}

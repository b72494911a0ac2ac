package prompt

// Atom IDs rendered individually.
const (
	AtomWriterMetaCorrection = "writer/meta_correction"
)

// WriterData feeds the writer and writer_task categories.
type WriterData struct {
	MinChars     int
	MaxChars     int
	TargetChars  int
	HasPrevious  bool
	Anchor       string
	PreviousTail string
	Bible        string
	StoryTime    string
	Characters   []string
	Locations    []string
	OpenSeeds    []string
	Revision     string
	ToolsEnabled bool
	MaxToolCalls int
}

// MetaCorrectionData feeds writer/meta_correction.
type MetaCorrectionData struct {
	Hits []string
}

// ContinuityData feeds the continuity categories.
type ContinuityData struct {
	PreviousTails []string
	Draft         string
}

// FactsData feeds the facts categories.
type FactsData struct {
	MaxFacts int
	Draft    string
}

// EvidenceLine is one grounding hit as shown to the consistency reviewer.
type EvidenceLine struct {
	Kind       string
	EpisodeNo  int
	Similarity float64
	Content    string
}

// ConsistencyData feeds the consistency categories.
type ConsistencyData struct {
	Bible         string
	PreviousTails []string
	Hits          []EvidenceLine
	Facts         []string
	Draft         string
}

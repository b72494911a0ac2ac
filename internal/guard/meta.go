package guard

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

// metaPhrases refer to the serial's structure rather than the story.
var metaPhrases = []string{
	"이전 화", "이전화", "지난 화", "지난화", "지난 회", "지난회", "다음 화", "다음화",
	"이전 에피소드", "지난 에피소드", "다음 에피소드", "지난 이야기에서",
	"previous episode", "last episode", "next episode", "previous chapter", "last chapter",
}

var metaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`제\s*\d+\s*(?:화|회|편)`),
	regexp.MustCompile(`\d+\s*회차`),
	regexp.MustCompile(`(?i)\bepisode\s*#?\s*\d+`),
	regexp.MustCompile(`(?i)\bep\.?\s*\d+\b`),
	regexp.MustCompile(`(?i)\bchapter\s*\d+`),
}

// numberedEpisode matches "N화". The rune after 화 is checked separately:
// 화면, 화재 and 화요일 follow numbers in ordinary prose.
var numberedEpisode = regexp.MustCompile(`\d+\s*화(.?)`)

var nonLabelSuffix = map[string]map[string]bool{
	"화": {"면": true, "재": true, "요": true, "장": true, "학": true, "분": true, "씨": true, "살": true, "폐": true},
	"회": {"의": true, "사": true, "장": true, "복": true, "색": true, "전": true},
}

// MetaScanner finds references to episode numbers and previous episodes.
type MetaScanner struct {
	ac ahocorasick.AhoCorasick
}

// NewMetaScanner builds the phrase automaton.
func NewMetaScanner() *MetaScanner {
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	return &MetaScanner{ac: builder.Build(metaPhrases)}
}

// Scan returns the distinct offending substrings in order of appearance.
func (m *MetaScanner) Scan(text string) []string {
	type hit struct {
		at   int
		text string
	}
	var hits []hit

	lowered := strings.ToLower(text)
	for _, match := range m.ac.FindAll(lowered) {
		phrase := lowered[match.Start():match.End()]
		last, _ := utf8.DecodeLastRuneInString(phrase)
		if hasNonLabelSuffix(string(last), lowered[match.End():]) {
			continue
		}
		hits = append(hits, hit{at: match.Start(), text: phrase})
	}
	for _, re := range metaPatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			hits = append(hits, hit{at: loc[0], text: text[loc[0]:loc[1]]})
		}
	}
	for _, loc := range numberedEpisode.FindAllStringSubmatchIndex(text, -1) {
		if hasNonLabelSuffix("화", text[loc[2]:]) {
			continue
		}
		hits = append(hits, hit{at: loc[0], text: text[loc[0]:loc[2]]})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
	seen := make(map[string]bool, len(hits))
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if seen[h.text] {
			continue
		}
		seen[h.text] = true
		out = append(out, h.text)
	}
	return out
}

// hasNonLabelSuffix reports whether rest starts with a rune that turns the
// preceding syllable into an ordinary word (화면, 화요일, 회의).
func hasNonLabelSuffix(syllable, rest string) bool {
	r, size := utf8.DecodeRuneInString(rest)
	if size == 0 {
		return false
	}
	return nonLabelSuffix[syllable][string(r)]
}

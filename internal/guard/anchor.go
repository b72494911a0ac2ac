package guard

import (
	"strings"
	"unicode"
)

// NormalizeWhitespace collapses every whitespace run to one space and trims.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true, '。': true, '…': true,
}

var closingQuotes = map[rune]bool{
	'"': true, '\'': true, '”': true, '’': true, '」': true, '』': true, ')': true,
}

// splitSentences splits normalized text after terminal punctuation (plus any
// closing quotes) that is followed by a space or the end of the text.
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !sentenceEnders[runes[i]] {
			continue
		}
		end := i + 1
		for end < len(runes) && (sentenceEnders[runes[end]] || closingQuotes[runes[end]]) {
			end++
		}
		if end < len(runes) && !unicode.IsSpace(runes[end]) {
			i = end - 1
			continue
		}
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
		i = end - 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

// Anchor derives the passage a continuation must repeat near its start: the
// last two sentences of the previous tail, or its last fallback runes when
// the tail has fewer sentences or the pair would not fit in the window.
func Anchor(prevTail string, window, fallback int) string {
	text := NormalizeWhitespace(prevTail)
	if text == "" {
		return ""
	}
	sentences := splitSentences(text)
	if len(sentences) >= 2 {
		anchor := sentences[len(sentences)-2] + " " + sentences[len(sentences)-1]
		if len([]rune(anchor)) <= window {
			return anchor
		}
	}
	return lastRunes(text, fallback)
}

// anchorPresent reports whether anchor occurs within the first window runes
// of the normalized draft.
func anchorPresent(draft, anchor string, window int) bool {
	head := firstRunes(NormalizeWhitespace(draft), window)
	return strings.Contains(head, anchor)
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[len(r)-n:]))
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}

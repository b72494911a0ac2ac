package guard

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"novelloop/internal/types"
)

// Direction tells the writer which way a draft must move to fit the band.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionCompress
	DirectionExpand
)

func (d Direction) String() string {
	switch d {
	case DirectionCompress:
		return "compress"
	case DirectionExpand:
		return "expand"
	}
	return "none"
}

// targetSlack is how far from the midpoint a rewrite may land.
const targetSlack = 50

// Length counts the runes of the trimmed draft.
func Length(content string) int {
	return utf8.RuneCountInString(strings.TrimSpace(content))
}

func lengthDirection(n int, band types.LengthBand) Direction {
	switch {
	case n > band.Max:
		return DirectionCompress
	case n < band.Min:
		return DirectionExpand
	}
	return DirectionNone
}

func lengthInstruction(n int, band types.LengthBand, dir Direction) string {
	target := band.Midpoint()
	lo, hi := target-targetSlack, target+targetSlack
	if lo < band.Min {
		lo = band.Min
	}
	if hi > band.Max {
		hi = band.Max
	}
	switch dir {
	case DirectionCompress:
		return fmt.Sprintf(
			"The draft is %d characters, above the maximum of %d. Rewrite it to about %d characters (%d-%d). "+
				"Compress: cut exposition and description, keep the events and the dialogue.",
			n, band.Max, target, lo, hi)
	case DirectionExpand:
		return fmt.Sprintf(
			"The draft is %d characters, below the minimum of %d. Rewrite it to about %d characters (%d-%d). "+
				"Expand: add one action beat, two lines of dialogue and one sensory detail.",
			n, band.Min, target, lo, hi)
	}
	return ""
}

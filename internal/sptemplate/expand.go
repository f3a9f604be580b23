// Package sptemplate expands the inline placeholders that announcement
// content may carry. Expansion happens on every read, so the same stored
// content can render differently each time.
package sptemplate

import (
	"math"
	"regexp"
	"strconv"

	"github.com/brandur/signpost/internal/util/randutil"
)

// Matches a random-range placeholder like `<!r1-6>`.
var randomRangeRE = regexp.MustCompile(`<!r(\d+)-(\d+)>`)

type Expander struct {
	// Returns a uniformly random integer in [0, max).
	randIntn func(max int64) int64
}

// NewExpander returns an expander drawing from crypto/rand.
func NewExpander() *Expander {
	return NewExpanderWithSource(randutil.Intn)
}

// NewExpanderWithSource returns an expander drawing from randIntn, which
// must return a uniformly random integer in [0, max).
func NewExpanderWithSource(randIntn func(max int64) int64) *Expander {
	return &Expander{randIntn: randIntn}
}

// Expand replaces every `<!rX-Y>` placeholder in text with an independently
// drawn integer in [X, Y]. Placeholders with X > Y, or with bounds too large
// for an int64, are left as they are.
func (e *Expander) Expand(text string) string {
	return randomRangeRE.ReplaceAllStringFunc(text, func(placeholder string) string {
		match := randomRangeRE.FindStringSubmatch(placeholder)

		lower, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return placeholder
		}

		upper, err := strconv.ParseInt(match[2], 10, 64)
		if err != nil {
			return placeholder
		}

		// Bounds are non-negative, so the span only overflows at the very top.
		if lower > upper || upper-lower == math.MaxInt64 {
			return placeholder
		}

		return strconv.FormatInt(lower+e.randIntn(upper-lower+1), 10)
	})
}

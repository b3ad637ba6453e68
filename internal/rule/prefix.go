// Package rule holds the record transforms the backfill jobs plug into the
// pipeline.
package rule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/timmy/emomo-backfill/internal/pipeline"
)

// ErrInvalidRule is returned for a rule whose rewrite could loop or reintroduce
// its own trigger.
var ErrInvalidRule = errors.New("invalid rule")

// PrefixRule rewrites a leading marker in a description to a shorter canonical
// prefix and leaves the rest of the text untouched. Repeated markers collapse
// into a single replacement.
type PrefixRule struct {
	marker      string
	replacement string
}

// NewPrefixRule creates a rule that replaces marker with replacement.
// Parameters:
//   - marker: leading text that triggers the rewrite; must not be empty.
//   - replacement: canonical prefix; must be shorter than marker.
// Returns:
//   - *PrefixRule: the rule.
//   - error: ErrInvalidRule when the pair would not converge.
func NewPrefixRule(marker, replacement string) (*PrefixRule, error) {
	if marker == "" {
		return nil, fmt.Errorf("%w: marker must not be empty", ErrInvalidRule)
	}
	if len(replacement) >= len(marker) {
		return nil, fmt.Errorf("%w: replacement %q is not shorter than marker %q", ErrInvalidRule, replacement, marker)
	}
	return &PrefixRule{marker: marker, replacement: replacement}, nil
}

// Classify implements pipeline.Rule.
func (r *PrefixRule) Classify(rec pipeline.Record) pipeline.Decision {
	if !strings.HasPrefix(rec.Content, r.marker) {
		return pipeline.Skip()
	}
	return pipeline.Modify(pipeline.Patch{Content: r.Rewrite(rec.Content)})
}

// Rewrite returns content with every leading marker collapsed into one
// replacement. The result never starts with the marker, and every step
// shortens the text, so the loop ends.
func (r *PrefixRule) Rewrite(content string) string {
	for strings.HasPrefix(content, r.marker) {
		rest := strings.TrimPrefix(content, r.marker)
		for strings.HasPrefix(rest, r.marker) {
			rest = strings.TrimPrefix(rest, r.marker)
		}
		content = r.replacement + rest
	}
	return content
}

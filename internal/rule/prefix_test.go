package rule

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/emomo-backfill/internal/pipeline"
)

const (
	marker      = "这是一张表情包图片，"
	replacement = "表情包："
)

func TestNewPrefixRuleValidation(t *testing.T) {
	testCases := []struct {
		name        string
		marker      string
		replacement string
		valid       bool
	}{
		{name: "default pair", marker: marker, replacement: replacement, valid: true},
		{name: "empty replacement", marker: "OLD:", replacement: "", valid: true},
		{name: "empty marker", marker: "", replacement: "x"},
		{name: "replacement as long as marker", marker: "OLD:", replacement: "NEW:"},
		{name: "replacement longer than marker", marker: "A", replacement: "AA"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewPrefixRule(tc.marker, tc.replacement)
			if tc.valid {
				require.NoError(t, err)
				assert.NotNil(t, r)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestPrefixRuleClassify(t *testing.T) {
	r, err := NewPrefixRule(marker, replacement)
	require.NoError(t, err)

	testCases := []struct {
		name    string
		content string
		want    string
		modify  bool
	}{
		{name: "marker", content: marker + "一只猫在笑", want: replacement + "一只猫在笑", modify: true},
		{name: "repeated marker", content: marker + marker + "狗", want: replacement + "狗", modify: true},
		{name: "marker only", content: marker, want: replacement, modify: true},
		{name: "already canonical", content: replacement + "一只猫"},
		{name: "marker not leading", content: "前缀" + marker},
		{name: "empty", content: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := r.Classify(pipeline.Record{ID: 1, Content: tc.content})
			patch, ok := d.Patch()
			assert.Equal(t, tc.modify, ok)
			assert.Equal(t, !tc.modify, d.IsSkip())
			if tc.modify {
				assert.Equal(t, tc.want, patch.Content)
			}
		})
	}
}

// A replacement that is a prefix of the marker can rebuild the marker with the
// following text; the rewrite must keep going until it no longer matches.
func TestPrefixRuleOverlappingReplacement(t *testing.T) {
	r, err := NewPrefixRule("abc", "a")
	require.NoError(t, err)

	assert.Equal(t, "ax", r.Rewrite("abcbcx"))
	assert.Equal(t, "a", r.Rewrite("abcbc"))
	assert.True(t, r.Classify(pipeline.Record{Content: r.Rewrite("abcbcbcz")}).IsSkip())
}

func TestPrefixRuleIsIdempotent(t *testing.T) {
	pairs := [][2]string{{marker, replacement}, {"abc", "a"}, {"abab", "ab"}, {"xyz", ""}}
	alphabet := []string{"a", "b", "c", "ab", "abc", "x", "y", "z", "表情包", "：", marker}
	rng := rand.New(rand.NewSource(42))

	for _, pair := range pairs {
		r, err := NewPrefixRule(pair[0], pair[1])
		require.NoError(t, err)

		for i := 0; i < 500; i++ {
			var b strings.Builder
			if rng.Intn(2) == 0 {
				b.WriteString(pair[0])
			}
			for n := rng.Intn(8); n > 0; n-- {
				b.WriteString(alphabet[rng.Intn(len(alphabet))])
			}
			content := b.String()

			d := r.Classify(pipeline.Record{ID: int64(i), Content: content})
			patch, ok := d.Patch()
			if !ok {
				continue
			}
			again := r.Classify(pipeline.Record{ID: int64(i), Content: patch.Content})
			assert.True(t, again.IsSkip(), "marker %q: %q rewrote to %q which still matches", pair[0], content, patch.Content)
		}
	}
}

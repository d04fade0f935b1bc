package suggest

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/earpiece/pkg/types"
)

// normalize lowercases s and collapses runs of whitespace so that formatting
// differences between two model outputs do not defeat the similarity check.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarity returns the Jaro-Winkler similarity of a and b after
// normalisation, in [0, 1].
func similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	return matchr.JaroWinkler(na, nb, false)
}

// isDuplicate reports whether text is at least threshold-similar to any of
// existing.
func isDuplicate(text string, existing []*types.Suggestion, threshold float64) bool {
	for _, s := range existing {
		if similarity(text, s.Text) >= threshold {
			return true
		}
	}
	return false
}

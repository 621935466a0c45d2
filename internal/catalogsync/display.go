package catalogsync

import (
	"strings"
	"unicode"
)

// DisplayName derives the Superset database name of a catalog. Underscores
// become spaces, every word is title-cased and the catalog name is appended
// in parentheses: "google_ads" becomes "Google Ads (google_ads)".
//
// A letter starts a word when it follows anything that is not a letter, so
// "q2_2024sales" becomes "Q2 2024Sales (q2_2024sales)".
func DisplayName(catalog string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range strings.ReplaceAll(catalog, "_", " ") {
		switch {
		case !unicode.IsLetter(r):
			prevLetter = false
		case prevLetter:
			r = unicode.ToLower(r)
		default:
			r = unicode.ToTitle(r)
			prevLetter = true
		}
		b.WriteRune(r)
	}
	return b.String() + " (" + catalog + ")"
}

package manifest

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CleanText normalises source metadata strings to NFC and collapses runs of
// whitespace so equal titles from different mirrors compare equal.
func CleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

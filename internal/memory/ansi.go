package memory

import "regexp"

// ansiEscapeRe matches CSI/OSC terminal escape sequences so transcripts
// persist plain text rather than raw control codes.
var ansiEscapeRe = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07]*\x07|[()][A-Z0-9])`)

// StripANSI removes terminal escape sequences from b.
func StripANSI(b []byte) []byte {
	return ansiEscapeRe.ReplaceAll(b, nil)
}

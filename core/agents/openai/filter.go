package openai

import (
	"regexp"
	"strings"
)

var (
	// emphasisPattern matches *stage directions* and **emphasis** spans,
	// which read fine but should not be spoken.
	emphasisPattern = regexp.MustCompile(`\*+[^*]*\*+`)

	// specialCharPattern strips leftover markup characters that trip up
	// synthesis.
	specialCharPattern = regexp.MustCompile("[*_~`#|\\\\]")

	whitespacePattern = regexp.MustCompile(`\s+`)
)

// FilterForSpeech strips text of content that should be displayed but not
// synthesized: emphasis spans, bracketed stage directions and emotion tags,
// and stray markup characters.
func FilterForSpeech(text string) string {
	text = emphasisPattern.ReplaceAllString(text, "")
	text = stripBracketed(text)
	text = specialCharPattern.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// stripBracketed removes (…), […] and <…> spans, including nested ones.
func stripBracketed(text string) string {
	var out strings.Builder
	out.Grow(len(text))

	depth := 0
	for _, r := range text {
		switch r {
		case '(', '[', '<':
			depth++
		case ')', ']', '>':
			if depth > 0 {
				depth--
				continue
			}
		default:
			if depth == 0 {
				out.WriteRune(r)
			}
			continue
		}
	}
	return out.String()
}

package openai

import "strings"

var sentenceTerminators = []string{". ", "! ", "? ", "\n"}

// fallbackSeparators are tried, in order, when a pending sentence exceeds the
// length cap without ever hitting a terminator.
var fallbackSeparators = []string{", ", "; ", " "}

// sentenceSplitter accumulates streamed token deltas and emits complete
// sentences. Sentences that grow past maxChars without a terminator are cut
// at the best available separator so synthesis can start without waiting for
// the full response.
type sentenceSplitter struct {
	pending  strings.Builder
	maxChars int
}

func newSentenceSplitter(maxChars int) *sentenceSplitter {
	return &sentenceSplitter{maxChars: maxChars}
}

// Push appends a delta and returns any sentences completed by it.
func (s *sentenceSplitter) Push(delta string) []string {
	s.pending.WriteString(delta)

	var sentences []string
	for {
		text := s.pending.String()

		cut := -1
		cutLen := 0
		for _, term := range sentenceTerminators {
			if idx := strings.Index(text, term); idx >= 0 && (cut == -1 || idx < cut) {
				cut, cutLen = idx, len(term)
			}
		}

		if cut == -1 {
			if len(text) <= s.maxChars {
				return sentences
			}
			cut, cutLen = s.forcedCut(text)
			if cut == -1 {
				return sentences
			}
		}

		sentences = append(sentences, strings.TrimSpace(text[:cut+cutLen]))
		s.pending.Reset()
		s.pending.WriteString(text[cut+cutLen:])
	}
}

// Flush returns whatever is still pending. Call once, at stream end.
func (s *sentenceSplitter) Flush() string {
	text := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	return text
}

// forcedCut picks a separator for an overlong sentence. Cuts in the first
// third are rejected so we do not emit uselessly short fragments.
func (s *sentenceSplitter) forcedCut(text string) (int, int) {
	for _, sep := range fallbackSeparators {
		if idx := strings.LastIndex(text[:s.maxChars], sep); idx > s.maxChars/3 {
			return idx, len(sep)
		}
	}
	return -1, 0
}

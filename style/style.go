// Package style maintains per-connection writing style aggregates from
// outgoing messages. The aggregate is derived state: it can always be
// rebuilt by replaying sent messages.
package style

import (
	"strings"
	"unicode"

	"github.com/Chandorkar-Technologies/Zero-sub000/models"
)

// Feature dimensions, in vector order.
const (
	FeatCharCount = iota
	FeatWordCount
	FeatSentenceCount
	FeatAvgWordLen
	FeatAvgSentenceWords
	FeatPunctuationRatio
	FeatUppercaseRatio
	FeatGreeting
	FeatSignoff

	NumFeatures
)

// Sample is one message's feature vector.
type Sample [NumFeatures]float64

var greetings = []string{"hi", "hello", "hey", "dear", "good morning", "good afternoon", "good evening"}

var signoffs = []string{"regards", "best", "thanks", "thank you", "cheers", "sincerely", "br,"}

// Extract computes the structural and lexical feature vector of one body.
func Extract(body string) Sample {
	var s Sample

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return s
	}

	var chars, letters, uppers, punct int
	for _, r := range trimmed {
		chars++
		switch {
		case unicode.IsLetter(r):
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		case unicode.IsPunct(r):
			punct++
		}
	}

	words := strings.Fields(trimmed)
	wordChars := 0
	for _, w := range words {
		wordChars += len([]rune(w))
	}

	sentences := 0
	for _, r := range trimmed {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}

	s[FeatCharCount] = float64(chars)
	s[FeatWordCount] = float64(len(words))
	s[FeatSentenceCount] = float64(sentences)
	if len(words) > 0 {
		s[FeatAvgWordLen] = float64(wordChars) / float64(len(words))
	}
	s[FeatAvgSentenceWords] = float64(len(words)) / float64(sentences)
	if chars > 0 {
		s[FeatPunctuationRatio] = float64(punct) / float64(chars)
	}
	if letters > 0 {
		s[FeatUppercaseRatio] = float64(uppers) / float64(letters)
	}

	lower := strings.ToLower(trimmed)
	firstLine := lower
	if idx := strings.IndexByte(lower, '\n'); idx >= 0 {
		firstLine = lower[:idx]
	}
	for _, g := range greetings {
		if strings.HasPrefix(firstLine, g) {
			s[FeatGreeting] = 1
			break
		}
	}

	tail := lower
	if len(tail) > 200 {
		tail = tail[len(tail)-200:]
	}
	for _, so := range signoffs {
		if strings.Contains(tail, so) {
			s[FeatSignoff] = 1
			break
		}
	}

	return s
}

// ensureDims widens an aggregate loaded from an older schema to the current
// feature count. New dimensions start at zero.
func ensureDims(state *models.StyleState) {
	for len(state.Mean) < NumFeatures {
		state.Mean = append(state.Mean, 0)
	}
	for len(state.M2) < NumFeatures {
		state.M2 = append(state.M2, 0)
	}
}

// Merge folds one sample into the aggregate using Welford's online update
// per dimension. Initializing from the zero state is valid; the result does
// not depend on merge order beyond floating point tolerance.
func Merge(state models.StyleState, count int64, sample Sample) (models.StyleState, int64) {
	ensureDims(&state)

	n := count + 1
	for i := 0; i < NumFeatures; i++ {
		delta := sample[i] - state.Mean[i]
		state.Mean[i] += delta / float64(n)
		delta2 := sample[i] - state.Mean[i]
		state.M2[i] += delta * delta2
	}
	return state, n
}

// MergeStates combines two aggregates with Chan's parallel variance
// formula. Used when aggregates built independently are unified.
func MergeStates(a models.StyleState, na int64, b models.StyleState, nb int64) (models.StyleState, int64) {
	ensureDims(&a)
	ensureDims(&b)

	if na == 0 {
		return b, nb
	}
	if nb == 0 {
		return a, na
	}

	n := na + nb
	out := models.StyleState{
		Version: a.Version,
		Mean:    make([]float64, NumFeatures),
		M2:      make([]float64, NumFeatures),
	}
	for i := 0; i < NumFeatures; i++ {
		delta := b.Mean[i] - a.Mean[i]
		out.Mean[i] = a.Mean[i] + delta*float64(nb)/float64(n)
		out.M2[i] = a.M2[i] + b.M2[i] + delta*delta*float64(na)*float64(nb)/float64(n)
	}
	return out, n
}

// Variance reports the per-dimension sample variance of the aggregate.
func Variance(state models.StyleState, count int64) []float64 {
	ensureDims(&state)
	out := make([]float64, NumFeatures)
	if count < 2 {
		return out
	}
	for i := 0; i < NumFeatures; i++ {
		out[i] = state.M2[i] / float64(count-1)
	}
	return out
}

package analysis

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Stats summarizes a manuscript: raw counts, automated readability index
// grade, and the two style counters writers actually look at.
type Stats struct {
	Words            int     `json:"words"`
	Sentences        int     `json:"sentences"`
	Characters       int     `json:"characters"`
	ReadabilityGrade float64 `json:"readabilityGrade"`
	Adverbs          int     `json:"adverbs"`
	PassiveVoice     int     `json:"passiveVoice"`
}

var (
	adverbRegex  = regexp.MustCompile(`(?i)\b(\w+ly)\b`)
	passiveRegex = regexp.MustCompile(`(?i)\b(am|are|is|was|were|be|been|being)\b\s+(\w+ed)\b`)
)

func buildStats(text string, sentences []string) Stats {
	words := strings.Fields(text)
	chars := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			chars++
		}
	}

	stats := Stats{
		Words:        len(words),
		Sentences:    len(sentences),
		Characters:   chars,
		Adverbs:      len(adverbRegex.FindAllString(text, -1)),
		PassiveVoice: len(passiveRegex.FindAllString(text, -1)),
	}
	if stats.Words > 0 && stats.Sentences > 0 {
		ari := 4.71*(float64(chars)/float64(stats.Words)) + 0.5*(float64(stats.Words)/float64(stats.Sentences)) - 21.43
		stats.ReadabilityGrade = math.Round(ari*10) / 10
		if stats.ReadabilityGrade < 0 {
			stats.ReadabilityGrade = 0
		}
	}
	return stats
}

// splitSentences breaks text on terminal punctuation. Good enough for
// counting and for bounding the name scan; not a linguistic segmenter.
func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	sentences := make([]string, 0, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) == "" {
			continue
		}
		sentences = append(sentences, strings.TrimSpace(s))
	}
	return sentences
}

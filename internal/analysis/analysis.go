// Package analysis extracts likely character names from manuscript text
// and computes prose statistics. It is rule-based: capitalized-sequence
// scanning plus honorific, dialogue-attribution and repetition signals.
// No NLP model, no network.
package analysis

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/balor48/storyguard-sub004/internal/entity"
)

type Options struct {
	MinMentions int // candidates below this are dropped unless an honorific vouches for them; default 2
	MaxBytes    int // manuscript truncation limit; 0 means no limit
}

// Candidate is one probable character name found in the text.
type Candidate struct {
	Name       string   `json:"name"`
	Aliases    []string `json:"aliases,omitempty"`
	Mentions   int      `json:"mentions"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals,omitempty"`
	Known      bool     `json:"known"`
}

type Report struct {
	Stats      Stats       `json:"stats"`
	Candidates []Candidate `json:"candidates"`
	Truncated  bool        `json:"truncated,omitempty"`
}

var honorifics = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "miss": true, "dr": true,
	"lady": true, "lord": true, "sir": true, "dame": true,
	"professor": true, "captain": true, "sergeant": true, "general": true,
	"king": true, "queen": true, "prince": true, "princess": true,
	"aunt": true, "uncle": true, "master": true, "madam": true,
	"father": true, "mother": true, "brother": true, "sister": true,
}

var dialogueVerbs = map[string]bool{
	"said": true, "asked": true, "replied": true, "whispered": true,
	"shouted": true, "muttered": true, "answered": true, "cried": true,
	"murmured": true, "exclaimed": true, "snapped": true, "sighed": true,
	"called": true, "demanded": true, "added": true, "continued": true,
	"agreed": true, "insisted": true, "wondered": true, "laughed": true,
	"yelled": true, "growled": true, "hissed": true, "stammered": true,
}

// stopwords are capitalized tokens that are never names: sentence
// starters, pronouns, time words, and manuscript scaffolding.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "but": true,
	"or": true, "nor": true, "so": true, "yet": true, "then": true,
	"when": true, "while": true, "after": true, "before": true,
	"if": true, "as": true, "at": true, "in": true, "on": true,
	"of": true, "for": true, "to": true, "from": true, "with": true,
	"by": true, "it": true, "he": true, "she": true, "they": true,
	"we": true, "i": true, "you": true, "his": true, "her": true,
	"hers": true, "him": true, "them": true, "their": true, "theirs": true,
	"my": true, "mine": true, "our": true, "ours": true, "your": true,
	"yours": true, "its": true, "this": true, "that": true, "these": true,
	"those": true, "there": true, "here": true, "now": true, "not": true,
	"no": true, "yes": true, "what": true, "who": true, "whose": true,
	"where": true, "why": true, "how": true, "which": true,
	"oh": true, "well": true, "maybe": true, "perhaps": true,
	"suddenly": true, "finally": true, "meanwhile": true, "once": true,
	"inside": true, "outside": true, "everyone": true, "someone": true,
	"nothing": true, "something": true, "everything": true, "anyone": true,
	"nobody": true, "all": true, "both": true, "each": true,
	"another": true, "every": true, "later": true, "soon": true,
	"tonight": true, "today": true, "tomorrow": true, "yesterday": true,
	"chapter": true, "prologue": true, "epilogue": true, "part": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"january": true, "february": true, "march": true, "april": true,
	"may": true, "june": true, "july": true, "august": true,
	"september": true, "october": true, "november": true, "december": true,
	"god": true, "lo": true, "ok": true, "okay": true,
}

// Abbreviated honorifics would otherwise read as sentence breaks.
var honorificAbbrev = regexp.MustCompile(`\b(Mr|Mrs|Ms|Dr|Prof|Sgt|Capt|St)\.`)

const (
	signalHonorific   = "honorific"
	signalDialogue    = "dialogue"
	signalMidSentence = "mid_sentence"
	signalFullName    = "full_name"
)

// Analyze scans manuscript text for probable character names and
// computes prose statistics. known is matched case-insensitively against
// candidate names so the caller can tell new discoveries from characters
// the database already has.
func Analyze(text string, known []entity.Character, opts Options) Report {
	if opts.MinMentions <= 0 {
		opts.MinMentions = 2
	}
	truncated := false
	if opts.MaxBytes > 0 && len(text) > opts.MaxBytes {
		text = truncateAtRune(text, opts.MaxBytes)
		truncated = true
	}

	sentences := splitSentences(honorificAbbrev.ReplaceAllString(text, "$1"))
	report := Report{
		Stats:     buildStats(text, sentences),
		Truncated: truncated,
	}

	mentions := map[string]*mention{}
	for _, sentence := range sentences {
		scanSentence(sentence, mentions)
	}
	groupFirstNames(mentions)

	knownIndex := buildKnownIndex(known)
	for _, m := range mentions {
		if m.count < opts.MinMentions && !m.signals[signalHonorific] {
			continue
		}
		report.Candidates = append(report.Candidates, m.toCandidate(knownIndex))
	}
	sort.Slice(report.Candidates, func(i, j int) bool {
		a, b := report.Candidates[i], report.Candidates[j]
		if a.Mentions != b.Mentions {
			return a.Mentions > b.Mentions
		}
		return a.Name < b.Name
	})
	return report
}

type mention struct {
	name    string
	count   int
	signals map[string]bool
	aliases []string
}

func (m *mention) toCandidate(knownIndex map[string]bool) Candidate {
	c := Candidate{
		Name:     m.name,
		Aliases:  m.aliases,
		Mentions: m.count,
		Known:    isKnown(m, knownIndex),
	}
	for _, s := range []string{signalHonorific, signalDialogue, signalMidSentence, signalFullName} {
		if m.signals[s] {
			c.Signals = append(c.Signals, s)
		}
	}
	c.Confidence = confidence(m)
	return c
}

// confidence combines signal weights into [0,1]. Mentions alone cap at
// 0.4 so a name repeated fifty times without corroboration never reads
// as certain.
func confidence(m *mention) float64 {
	score := math.Min(float64(m.count)/10, 0.4)
	if m.signals[signalHonorific] {
		score += 0.25
	}
	if m.signals[signalDialogue] {
		score += 0.2
	}
	if m.signals[signalMidSentence] {
		score += 0.15
	}
	if m.signals[signalFullName] {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*100) / 100
}

type token struct {
	word        string // stripped of surrounding punctuation
	capitalized bool
	possessive  bool
}

func scanSentence(sentence string, mentions map[string]*mention) {
	tokens := tokenize(sentence)
	i := 0
	for i < len(tokens) {
		honorific := ""
		if honorifics[strings.ToLower(tokens[i].word)] && i+1 < len(tokens) && tokens[i+1].capitalized {
			honorific = tokens[i].word
			i++
		}

		if !tokens[i].capitalized || stopwords[strings.ToLower(tokens[i].word)] {
			i++
			continue
		}

		start := i
		end := i
		for end+1 < len(tokens) && tokens[end+1].capitalized &&
			!stopwords[strings.ToLower(tokens[end+1].word)] && !tokens[end].possessive {
			end++
		}

		parts := make([]string, 0, end-start+1)
		for j := start; j <= end; j++ {
			parts = append(parts, tokens[j].word)
		}
		name := strings.Join(parts, " ")

		m := mentions[strings.ToLower(name)]
		if m == nil {
			m = &mention{name: name, signals: map[string]bool{}}
			mentions[strings.ToLower(name)] = m
		}
		m.count++
		if start > 0 || honorific != "" {
			m.signals[signalMidSentence] = true
		}
		if honorific != "" {
			m.signals[signalHonorific] = true
		}
		if len(parts) > 1 {
			m.signals[signalFullName] = true
		}
		if (start > 0 && dialogueVerbs[strings.ToLower(tokens[start-1].word)]) ||
			(end+1 < len(tokens) && dialogueVerbs[strings.ToLower(tokens[end+1].word)]) {
			m.signals[signalDialogue] = true
		}
		i = end + 1
	}
}

// groupFirstNames folds lone first-name mentions into their multi-word
// full name ("Mira" into "Mira Voss") when exactly one full name claims
// that first name. Ambiguous first names stay separate.
func groupFirstNames(mentions map[string]*mention) {
	owners := map[string][]*mention{}
	for _, m := range mentions {
		parts := strings.Fields(m.name)
		if len(parts) > 1 {
			first := strings.ToLower(parts[0])
			owners[first] = append(owners[first], m)
		}
	}
	for first, full := range owners {
		if len(full) != 1 {
			continue
		}
		short, ok := mentions[first]
		if !ok || short == full[0] || len(strings.Fields(short.name)) > 1 {
			continue
		}
		full[0].count += short.count
		for s := range short.signals {
			full[0].signals[s] = true
		}
		full[0].aliases = append(full[0].aliases, short.name)
		delete(mentions, first)
	}
}

func buildKnownIndex(known []entity.Character) map[string]bool {
	index := map[string]bool{}
	for _, ch := range known {
		name := strings.ToLower(strings.TrimSpace(ch.Name))
		if name == "" {
			continue
		}
		index[name] = true
		if parts := strings.Fields(name); len(parts) > 1 {
			index[parts[0]] = true
		}
		for _, alias := range ch.Aliases {
			if a := strings.ToLower(strings.TrimSpace(alias)); a != "" {
				index[a] = true
			}
		}
	}
	return index
}

func isKnown(m *mention, index map[string]bool) bool {
	if index[strings.ToLower(m.name)] {
		return true
	}
	for _, alias := range m.aliases {
		if index[strings.ToLower(alias)] {
			return true
		}
	}
	return false
}

func tokenize(sentence string) []token {
	fields := strings.Fields(sentence)
	tokens := make([]token, 0, len(fields))
	for _, f := range fields {
		possessive := false
		for _, suffix := range []string{"'s", "’s"} {
			if strings.HasSuffix(f, suffix) {
				possessive = true
				f = strings.TrimSuffix(f, suffix)
				break
			}
		}
		word := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
		})
		if word == "" {
			continue
		}
		first, _ := utf8.DecodeRuneInString(word)
		tokens = append(tokens, token{
			word:        word,
			capitalized: unicode.IsUpper(first),
			possessive:  possessive,
		})
	}
	return tokens
}

// truncateAtRune cuts at the byte limit without splitting a rune.
func truncateAtRune(s string, limit int) string {
	if limit >= len(s) {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

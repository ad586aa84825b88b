package extract

import (
	"regexp"
	"strings"
	"unicode"

	"mnemo/internal/types"
)

// Lexical feature extraction: the degraded path used when the language
// backend is unavailable or over budget, and the only path for the
// lexical_only backend. Surface regexes and keyword lists, no model calls.

var (
	mentionRe = regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_]{1,30})`)
	// Capitalized word not at sentence start, a cheap proper-noun signal.
	properNounRe = regexp.MustCompile(`(?:[a-z0-9,;] )([A-Z][a-z]{2,20})\b`)

	// Commitment phrasings. Group 1 (when present) is the counterparty.
	youOweRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bI(?:'ll| will| need to| have to| promised to| should)\s+\w+\s+([A-Z][a-z]+)\b`),
		regexp.MustCompile(`(?i)\bI owe ([A-Z][a-z]+)\b`),
		regexp.MustCompile(`(?i)\bremind me to\b`),
	}
	theyOweRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b([A-Z][a-z]+) (?:owes me|will send me|promised to|said (?:she|he|they)(?:'d| would))\b`),
	}
	dueHintRe = regexp.MustCompile(`(?i)\bby\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday|tomorrow|tonight|today|end of (?:day|week|month)|\d{1,2}(?:st|nd|rd|th)?)\b`)

	completionRe = regexp.MustCompile(`(?i)\b(?:sent|paid|done|finished|delivered|returned|gave)\b`)
)

// Small emotion lexicons; hits boost arousal and set the valence sign.
var positiveWords = map[string]float64{
	"love": 0.9, "great": 0.6, "happy": 0.8, "excited": 0.8, "wonderful": 0.8,
	"thrilled": 0.9, "proud": 0.7, "promoted": 0.7, "engaged": 0.8, "married": 0.8,
	"won": 0.7, "celebrated": 0.7, "relieved": 0.5, "grateful": 0.7, "thanks": 0.4,
}

var negativeWords = map[string]float64{
	"hate": -0.8, "angry": -0.8, "furious": -0.9, "sad": -0.7, "worried": -0.6,
	"scared": -0.7, "anxious": -0.6, "died": -1.0, "passed": -0.9, "funeral": -0.9,
	"hospital": -0.7, "sick": -0.6, "cancer": -0.9, "fired": -0.8, "divorce": -0.8,
	"crying": -0.8, "fight": -0.6, "argument": -0.6, "broke": -0.5, "lost": -0.5,
	"emergency": -0.8, "accident": -0.8, "away": -0.3,
}

// sensitiveTopics are appended to relationship sensitivities when touched.
var sensitiveTopics = map[string]string{
	"died": "death", "passed": "death", "funeral": "death",
	"divorce": "divorce", "cancer": "illness", "hospital": "illness",
	"fired": "job_loss", "laid": "job_loss", "miscarriage": "pregnancy_loss",
	"debt": "money", "bankrupt": "money",
}

var consequentialWords = map[string]bool{
	"deadline": true, "due": true, "pay": true, "paid": true, "owe": true,
	"contract": true, "invoice": true, "rent": true, "mortgage": true,
	"appointment": true, "flight": true, "interview": true, "exam": true,
}

// stopwords excluded from topics and novelty.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "is": true, "was": true, "are": true, "be": true, "been": true,
	"i": true, "me": true, "my": true, "we": true, "you": true, "it": true,
	"this": true, "that": true, "he": true, "she": true, "they": true,
	"will": true, "would": true, "have": true, "has": true, "had": true,
	"not": true, "so": true, "by": true, "from": true, "as": true,
}

// LexicalExtract produces Features from surface signals only. knownVocab is
// the user's previously seen token set; tokens outside it form the novelty
// signal.
func LexicalExtract(text string, knownVocab map[string]bool) types.Features {
	f := types.Features{Category: types.CategoryOther}
	tokens := tokenizeWords(text)

	// People: @-mentions plus non-initial capitalized words.
	seen := map[string]bool{}
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			f.People = append(f.People, types.Mention{Surface: m[1]})
		}
	}
	for _, m := range properNounRe.FindAllStringSubmatch(" "+text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			f.People = append(f.People, types.Mention{Surface: m[1]})
		}
	}
	// Possessives ("Sarah's father") appear before the regex word boundary.
	for _, m := range regexp.MustCompile(`\b([A-Z][a-z]{2,20})'s\b`).FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			f.People = append(f.People, types.Mention{Surface: m[1]})
		}
	}

	// Valence, arousal, sensitivities, consequential signals.
	var valence, hits float64
	consequential := false
	for _, tok := range tokens {
		if v, ok := positiveWords[tok]; ok {
			valence += v
			hits++
		}
		if v, ok := negativeWords[tok]; ok {
			valence += v
			hits++
		}
		if topic, ok := sensitiveTopics[tok]; ok {
			f.Sensitive = appendUnique(f.Sensitive, topic)
		}
		if consequentialWords[tok] {
			consequential = true
		}
	}
	if hits > 0 {
		f.Valence = clamp(valence/hits, -1, 1)
		f.Arousal = clamp(hits/3, 0, 1)
	}

	// Commitments.
	for _, re := range youOweRes {
		if m := re.FindStringSubmatch(text); m != nil {
			c := types.ProposedCommitment{Polarity: types.PolarityYouOwe, Description: types.NormalizeText(text)}
			if len(m) > 1 {
				c.Counterparty = m[1]
			}
			if due := dueHintRe.FindStringSubmatch(text); due != nil {
				c.DueHint = strings.ToLower(due[1])
			}
			f.Commitments = append(f.Commitments, c)
			break
		}
	}
	for _, re := range theyOweRes {
		if m := re.FindStringSubmatch(text); m != nil {
			f.Commitments = append(f.Commitments, types.ProposedCommitment{
				Polarity:     types.PolarityTheyOwe,
				Counterparty: m[1],
				Description:  types.NormalizeText(text),
			})
			break
		}
	}

	// Completions: "Sent Sarah the budget." closes a loop against Sarah.
	if completionRe.MatchString(text) {
		for _, p := range f.People {
			f.Completions = append(f.Completions, p.Surface)
		}
	}

	// Category.
	switch {
	case len(f.Commitments) > 0:
		f.Category = types.CategoryCommitment
	case strings.HasSuffix(strings.TrimSpace(text), "?"):
		f.Category = types.CategoryQuestion
	case regexp.MustCompile(`(?i)\b(decided|we'll go with|choosing|settled on)\b`).MatchString(text):
		f.Category = types.CategoryDecision
	case consequential:
		f.Category = types.CategoryObservation
	default:
		f.Category = types.CategoryOther
	}

	// Topics: non-stopword tokens of length >= 4, deduped, capped.
	topicSeen := map[string]bool{}
	for _, tok := range tokens {
		if len(tok) >= 4 && !stopwords[tok] && !topicSeen[tok] {
			topicSeen[tok] = true
			f.Topics = append(f.Topics, tok)
			if len(f.Topics) >= 8 {
				break
			}
		}
	}

	// Novelty: tokens never seen for this user.
	for _, tok := range tokens {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		if knownVocab != nil && knownVocab[tok] {
			continue
		}
		f.Novelty = appendUnique(f.Novelty, tok)
	}

	return f
}

func tokenizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Package entities implements the opaque NER contract (C3): mapping text
// to typed entity spans. The reference model is external; this package
// supplies the interface and a deterministic regex/gazetteer fallback used
// whenever no model is wired.
package entities

import (
	"context"
	"regexp"
	"strings"
)

// Type enumerates the entity categories the knowledge graph recognizes.
type Type string

const (
	TypePerson  Type = "PERSON"
	TypeOrg     Type = "ORG"
	TypeGPE     Type = "GPE"
	TypeDate    Type = "DATE"
	TypeTime    Type = "TIME"
	TypeMoney   Type = "MONEY"
	TypeProduct Type = "PRODUCT"
	TypeEvent   Type = "EVENT"
	TypeLaw     Type = "LAW"
	TypeNorp    Type = "NORP"
	TypeFac     Type = "FAC"
	TypeLoc     Type = "LOC"
	TypeConcept Type = "CONCEPT"
)

// Span is a single recognized entity occurrence.
type Span struct {
	Text       string
	Type       Type
	Start      int
	End        int
	Confidence float64
}

// Extractor maps text to typed entity spans.
type Extractor interface {
	Extract(ctx context.Context, text string, wantTypes []Type) ([]Span, error)
}

// RegexExtractor is the opaque-model fallback: a set of conservative
// pattern classes per entity type. It never errors and never panics on
// malformed input — worst case it returns no spans.
type RegexExtractor struct{}

var (
	moneyRe = regexp.MustCompile(`\$\s?\d[\d,]*(\.\d+)?|\d[\d,]*(\.\d+)?\s?(USD|dollars)`)
	dateRe  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b(19|20)\d{2}\b|\b(January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2}(,\s*\d{4})?\b`)
	timeRe  = regexp.MustCompile(`\b\d{1,2}:\d{2}(:\d{2})?\s?(AM|PM|am|pm)?\b`)
	// capitalizedRe matches runs of Title-Case words, the fallback proxy
	// for PERSON/ORG/GPE/CONCEPT spans when no gazetteer entry matches.
	capitalizedRe = regexp.MustCompile(`\b([A-Z][a-zA-Z]+(\s+[A-Z][a-zA-Z]+)*)\b`)
)

// orgSuffixes and gpeHints are small gazetteers used to disambiguate
// capitalized runs without a real NER model.
var orgSuffixes = []string{"Inc", "Inc.", "Corp", "Corp.", "LLC", "Ltd", "Foundation", "University", "Institute"}
var gpeHints = map[string]bool{
	"California": true, "Texas": true, "London": true, "Paris": true,
	"Germany": true, "France": true, "China": true, "Japan": true,
	"America": true, "Europe": true,
}

func (RegexExtractor) Extract(ctx context.Context, text string, wantTypes []Type) ([]Span, error) {
	want := typeSet(wantTypes)
	var spans []Span

	if want == nil || want[TypeMoney] {
		spans = append(spans, matchAll(text, moneyRe, TypeMoney, 0.8)...)
	}
	if want == nil || want[TypeDate] {
		spans = append(spans, matchAll(text, dateRe, TypeDate, 0.75)...)
	}
	if want == nil || want[TypeTime] {
		spans = append(spans, matchAll(text, timeRe, TypeTime, 0.7)...)
	}

	needCap := want == nil || want[TypePerson] || want[TypeOrg] || want[TypeGPE] || want[TypeProduct]
	if needCap {
		for _, m := range capitalizedRe.FindAllStringIndex(text, -1) {
			word := text[m[0]:m[1]]
			if isStopCapital(word) {
				continue
			}
			typ := classifyCapitalized(word)
			if want != nil && !want[typ] {
				continue
			}
			spans = append(spans, Span{Text: word, Type: typ, Start: m[0], End: m[1], Confidence: 0.5})
		}
	}
	return spans, nil
}

func typeSet(types []Type) map[Type]bool {
	if len(types) == 0 {
		return nil
	}
	m := make(map[Type]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

func matchAll(text string, re *regexp.Regexp, typ Type, conf float64) []Span {
	var out []Span
	for _, m := range re.FindAllStringIndex(text, -1) {
		out = append(out, Span{Text: text[m[0]:m[1]], Type: typ, Start: m[0], End: m[1], Confidence: conf})
	}
	return out
}

var sentenceStarters = map[string]bool{
	"The": true, "A": true, "An": true, "This": true, "That": true,
	"It": true, "They": true, "He": true, "She": true, "We": true,
}

func isStopCapital(word string) bool {
	return sentenceStarters[word]
}

func classifyCapitalized(word string) Type {
	for _, suf := range orgSuffixes {
		if strings.HasSuffix(word, suf) {
			return TypeOrg
		}
	}
	if gpeHints[word] {
		return TypeGPE
	}
	if strings.Count(word, " ") >= 1 {
		return TypePerson
	}
	return TypeConcept
}

// Normalize canonicalizes an entity string into its graph node ID form:
// lowercase, spaces to underscores, dots removed.
func Normalize(entityText string) string {
	s := strings.ToLower(strings.TrimSpace(entityText))
	s = strings.ReplaceAll(s, ".", "")
	s = strings.Join(strings.Fields(s), "_")
	return s
}

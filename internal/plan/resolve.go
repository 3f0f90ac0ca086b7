package plan

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/storyloom/storyloom-core/internal/document"
)

// Target-section resolution for the write-content planner family. The
// strategies run in a fixed order and the first hit wins:
//
//  1. explicit numeric/ordinal reference ("chapter 3", "act II", "part two")
//  2. fuzzy name match against the outline
//  3. an entity extracted by the intent classifier
//  4. the currently active section

var sectionRefPattern = regexp.MustCompile(
	`(?i)\b(chapter|section|scene|act|part|episode)\s+(\d+|[ivx]+|one|two|three|four|five|six|seven|eight|nine|ten|first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth)\b`)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

var romanValues = map[rune]int{'i': 1, 'v': 5, 'x': 10}

// parseSectionNumber turns a captured reference into an ordinal. Roman
// numerals are supported up to X.
func parseSectionNumber(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n, true
	}
	if n, ok := numberWords[s]; ok {
		return n, true
	}
	total, prev := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		v, ok := romanValues[rune(s[i])]
		if !ok {
			return 0, false
		}
		if v < prev {
			total -= v
		} else {
			total += v
			prev = v
		}
	}
	if total < 1 || total > 10 {
		return 0, false
	}
	return total, true
}

var leadingNumeral = regexp.MustCompile(`^\s*\d+[\.\):\-]?\s*`)
var nonAlnum = regexp.MustCompile(`[^a-z0-9 ]+`)
var multiSpace = regexp.MustCompile(`\s+`)

// normalizeTitle lowercases, expands ampersands, strips punctuation and a
// leading numeral prefix ("3. The Storm" matches "the storm").
func normalizeTitle(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = leadingNumeral.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&", " and ")
	s = nonAlnum.ReplaceAllString(s, " ")
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}

// ResolveTarget picks the section a write-family message is about. The
// returned strategy name ("numeric", "fuzzy", "entity", "active") feeds the
// planner's reasoning trail; both returns are nil/"" when nothing matched.
func ResolveTarget(message string, forest *document.Forest, entities map[string]string, active *document.Section) (*document.Section, string) {
	if forest != nil {
		if sec := resolveNumeric(message, forest); sec != nil {
			return sec, "numeric"
		}
		if sec := resolveFuzzy(message, forest); sec != nil {
			return sec, "fuzzy"
		}
		if sec := resolveEntity(entities, forest); sec != nil {
			return sec, "entity"
		}
	}
	if active != nil {
		cp := *active
		return &cp, "active"
	}
	return nil, ""
}

func resolveNumeric(message string, forest *document.Forest) *document.Section {
	m := sectionRefPattern.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	n, ok := parseSectionNumber(m[2])
	if !ok {
		return nil
	}
	// A literal name match ("Chapter 3") beats positional lookup. Both the
	// display title and the structural name are checked, since a chapter
	// named "Chapter 3" may carry a prose title.
	unit := strings.ToLower(m[1])
	want := normalizeTitle(m[1] + " " + strconv.Itoa(n))
	for _, sec := range forest.All() {
		if strings.Contains(normalizeTitle(sec.DisplayName()), want) ||
			strings.Contains(normalizeTitle(sec.Name), want) {
			return &sec
		}
	}
	// Positional: the nth section whose name starts with the unit word
	// ("act II" finds the root named "Act ..." with order 2).
	for _, sec := range forest.All() {
		if strings.HasPrefix(normalizeTitle(sec.Name), unit) && sec.Order == n {
			return &sec
		}
	}
	for _, sec := range forest.Roots() {
		if sec.Order == n {
			return &sec
		}
	}
	return nil
}

func resolveFuzzy(message string, forest *document.Forest) *document.Section {
	msg := normalizeTitle(message)
	if msg == "" {
		return nil
	}
	var best *document.Section
	bestLen := 0
	for _, sec := range forest.All() {
		name := normalizeTitle(sec.DisplayName())
		// Require at least 3 chars so stopword-like names cannot match.
		if len(name) < 3 || !strings.Contains(msg, name) {
			continue
		}
		if len(name) > bestLen {
			cp := sec
			best, bestLen = &cp, len(name)
		}
	}
	return best
}

func resolveEntity(entities map[string]string, forest *document.Forest) *document.Section {
	for _, key := range []string{"section", "section_name", "target"} {
		raw := strings.TrimSpace(entities[key])
		if raw == "" {
			continue
		}
		if sec, ok := forest.Get(raw); ok {
			return &sec
		}
		want := normalizeTitle(raw)
		if want == "" {
			continue
		}
		for _, sec := range forest.All() {
			name := normalizeTitle(sec.DisplayName())
			if name == want || strings.Contains(name, want) || strings.Contains(want, name) {
				return &sec
			}
		}
	}
	return nil
}

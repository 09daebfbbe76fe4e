package rumor

import (
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Strategy names how a variant's content was produced. It is recorded in the
// variant metadata under "strategy".
type Strategy string

const (
	StrategyExplicit        Strategy = "explicit"
	StrategyRewriter        Strategy = "rewriter"
	StrategyQualifierSuffix Strategy = "qualifier_suffix"
	StrategyExaggerate      Strategy = "exaggerate"
	StrategyMinimize        Strategy = "minimize"
	StrategyConfuseDetails  Strategy = "confuse_details"
	StrategyAddQualifier    Strategy = "add_qualifier"
	StrategyChangeSubject   Strategy = "change_subject"
	StrategyAddDetail       Strategy = "add_detail"
)

const (
	shortSuffix = " (allegedly)"
	// maxNumberDigits bounds the numbers confuseDetails will perturb so the
	// delta arithmetic cannot overflow.
	maxNumberDigits = 9
)

var (
	structural = []Strategy{
		StrategyExaggerate, StrategyMinimize, StrategyConfuseDetails,
		StrategyAddQualifier, StrategyChangeSubject, StrategyAddDetail,
	}

	intensifiers = []string{"extremely", "definitely", "absolutely", "severely", "massively"}
	reducers     = []string{"slightly", "somewhat", "barely", "hardly", "possibly"}
	genericNames = []string{"someone", "the person", "that individual", "they"}
	qualifiers   = []string{"I think", "They say", "I heard", "Supposedly", "Rumor has it", "Allegedly", "Apparently"}
	subjects     = []string{"he", "she", "they", "someone", "the person", "that individual"}
	pronouns     = []string{"he", "she", "they", "him", "her"}
	details      = []string{
		"last week", "in secret", "discreetly", "when no one was looking",
		"at night", "reluctantly", "eagerly", "without telling anyone",
	}
)

// Mutator garbles rumor text locally when no rewriter is available or the
// rewriter fails. It is not safe for concurrent use.
type Mutator struct {
	rng *rand.Rand
}

// NewMutator draws its choices from rng.
func NewMutator(rng *rand.Rand) *Mutator {
	return &Mutator{rng: rng}
}

// Mutate returns a changed copy of content and the strategy applied. Content
// of fewer than four words only gets a qualifier suffix.
func (m *Mutator) Mutate(content string) (string, Strategy) {
	words := strings.Fields(content)
	if len(words) < 4 {
		return strings.TrimSpace(content) + shortSuffix, StrategyQualifierSuffix
	}

	strategy := structural[m.rng.IntN(len(structural))]
	switch strategy {
	case StrategyExaggerate:
		words = m.insertNearStart(words, intensifiers)
	case StrategyMinimize:
		words = m.insertNearStart(words, reducers)
	case StrategyConfuseDetails:
		if !m.confuseDetails(words) {
			words, strategy = m.addQualifier(words), StrategyAddQualifier
		}
	case StrategyChangeSubject:
		if !m.changeSubject(words) {
			words, strategy = m.addQualifier(words), StrategyAddQualifier
		}
	case StrategyAddQualifier:
		words = m.addQualifier(words)
	case StrategyAddDetail:
		pos := min(len(words)-1, len(words)/2+m.rng.IntN(len(words)-len(words)/2+1))
		words = slices.Insert(words, pos, m.pick(details))
	}
	return strings.Join(words, " "), strategy
}

func (m *Mutator) pick(from []string) string {
	return from[m.rng.IntN(len(from))]
}

// insertNearStart inserts a word at a position in [1, min(5, len-1)].
func (m *Mutator) insertNearStart(words, from []string) []string {
	pos := 1 + m.rng.IntN(min(5, len(words)-1))
	return slices.Insert(words, pos, m.pick(from))
}

func (m *Mutator) addQualifier(words []string) []string {
	return slices.Insert(words, 0, m.pick(qualifiers))
}

// confuseDetails perturbs the first number of at most nine digits or replaces
// the first capitalized word after the opening one. It reports whether
// anything changed.
func (m *Mutator) confuseDetails(words []string) bool {
	for i, w := range words {
		core, suffix := splitTrailingPunct(w)
		if n, err := strconv.Atoi(core); err == nil && n >= 0 && len(core) <= maxNumberDigits {
			words[i] = strconv.Itoa(n+m.numberDelta(n)) + suffix
			return true
		}
		if i > 0 && startsUpper(core) {
			words[i] = m.pick(genericNames) + suffix
			return true
		}
	}
	return false
}

// numberDelta returns a non-zero delta in [-max(n/2,1), max(n,1)].
func (m *Mutator) numberDelta(n int) int {
	lo, hi := -max(n/2, 1), max(n, 1)
	d := lo + m.rng.IntN(hi-lo)
	if d >= 0 {
		d++
	}
	return d
}

// changeSubject swaps the first pronoun for a different subject.
func (m *Mutator) changeSubject(words []string) bool {
	for i, w := range words {
		core, suffix := splitTrailingPunct(w)
		lower := strings.ToLower(core)
		if !slices.Contains(pronouns, lower) {
			continue
		}
		choices := slices.DeleteFunc(slices.Clone(subjects), func(s string) bool { return s == lower })
		repl := m.pick(choices)
		if startsUpper(core) {
			r, size := utf8.DecodeRuneInString(repl)
			repl = string(unicode.ToUpper(r)) + repl[size:]
		}
		words[i] = repl + suffix
		return true
	}
	return false
}

func splitTrailingPunct(w string) (core, suffix string) {
	core = strings.TrimRightFunc(w, unicode.IsPunct)
	return core, w[len(core):]
}

func startsUpper(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r != utf8.RuneError && unicode.IsUpper(r)
}

// Package questions loads the question bank and picks a round's question
// deterministically, so every client that computes the next question for a
// round agrees on it.
package questions

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/store"
	"gopkg.in/yaml.v3"
)

//go:embed questions.yaml
var defaultBank []byte

type bankFile struct {
	Questions []models.Question `yaml:"questions"`
}

// Bank is an immutable set of questions ordered by id.
type Bank struct {
	questions []models.Question
}

// Default returns the built-in bank.
func Default() *Bank {
	b, err := Parse(defaultBank)
	if err != nil {
		panic(fmt.Sprintf("built-in question bank: %v", err))
	}
	return b
}

// Load reads a YAML bank from path.
func Load(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read question bank: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML bank and validates it.
func Parse(data []byte) (*Bank, error) {
	var f bankFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse question bank: %w", err)
	}
	return New(f.Questions)
}

// New builds a bank from qs. Ids must be unique and usable as field path
// segments since usedQuestions is keyed by them.
func New(qs []models.Question) (*Bank, error) {
	if len(qs) == 0 {
		return nil, fmt.Errorf("question bank is empty")
	}
	seen := make(map[string]bool, len(qs))
	out := make([]models.Question, 0, len(qs))
	for i, q := range qs {
		switch {
		case q.ID == "":
			return nil, fmt.Errorf("question %d has no id", i)
		case !store.ValidSegment(q.ID):
			return nil, fmt.Errorf("question id %q must not contain %q", q.ID, store.PathSeparator)
		case seen[q.ID]:
			return nil, fmt.Errorf("duplicate question id %q", q.ID)
		case len(q.Options) < 2:
			return nil, fmt.Errorf("question %q needs at least two options", q.ID)
		}
		seen[q.ID] = true
		out = append(out, q)
	}
	slices.SortFunc(out, func(a, b models.Question) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return &Bank{questions: out}, nil
}

// Len returns the number of questions.
func (b *Bank) Len() int {
	return len(b.questions)
}

// Get looks up a question by id.
func (b *Bank) Get(id string) (models.Question, bool) {
	for _, q := range b.questions {
		if q.ID == id {
			return q, true
		}
	}
	return models.Question{}, false
}

// Pick returns the question for nextRoundID: the candidates matching
// categories (all questions when none match), minus used, indexed by
// nextRoundID modulo their count. When every candidate was used the full
// candidate list is used instead and wrapped is true, telling the caller to
// reset usedQuestions.
func (b *Bank) Pick(used models.Set[string], nextRoundID int, categories []string) (q models.Question, wrapped bool) {
	candidates := b.inCategories(categories)
	unused := make([]models.Question, 0, len(candidates))
	for _, c := range candidates {
		if !used.Has(c.ID) {
			unused = append(unused, c)
		}
	}
	if len(unused) == 0 {
		unused = candidates
		wrapped = true
	}
	idx := nextRoundID % len(unused)
	if idx < 0 {
		idx += len(unused)
	}
	return unused[idx], wrapped
}

func (b *Bank) inCategories(categories []string) []models.Question {
	if len(categories) == 0 {
		return b.questions
	}
	var out []models.Question
	for _, q := range b.questions {
		if slices.Contains(categories, q.Category) {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return b.questions
	}
	return out
}

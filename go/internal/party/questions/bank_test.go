package questions

import (
	"strings"
	"testing"

	"github.com/mcdev12/hotseat/go/internal/models"
)

func testBank(t *testing.T) *Bank {
	t.Helper()
	b, err := Parse([]byte(`
questions:
  - {id: c, category: x, text: C, options: [a, b]}
  - {id: a, category: x, text: A, options: [a, b]}
  - {id: b, category: y, text: B, options: [a, b]}
`))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDefaultBankLoads(t *testing.T) {
	b := Default()
	if b.Len() == 0 {
		t.Fatal("default bank is empty")
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "questions: []", "empty"},
		{"missing id", "questions: [{text: q, options: [a, b]}]", "no id"},
		{"dotted id", "questions: [{id: a.b, text: q, options: [a, b]}]", "must not contain"},
		{"duplicate", "questions: [{id: a, options: [a, b]}, {id: a, options: [a, b]}]", "duplicate"},
		{"one option", "questions: [{id: a, options: [a]}]", "two options"},
		{"bad yaml", "questions: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestPick(t *testing.T) {
	b := testBank(t)
	tests := []struct {
		name        string
		used        models.Set[string]
		round       int
		categories  []string
		wantID      string
		wantWrapped bool
	}{
		{"first round no history", nil, 1, nil, "b", false},
		{"index modulo unused", models.Set[string]{"a": true}, 1, nil, "c", false},
		{"round zero", nil, 0, nil, "a", false},
		{"category filter", nil, 1, []string{"x"}, "c", false},
		{"unknown category falls back", nil, 1, []string{"zzz"}, "b", false},
		{"exhausted wraps", models.Set[string]{"a": true, "b": true, "c": true}, 4, nil, "b", true},
		{"category exhausted wraps", models.Set[string]{"a": true, "c": true}, 2, []string{"x"}, "a", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, wrapped := b.Pick(tt.used, tt.round, tt.categories)
			if q.ID != tt.wantID || wrapped != tt.wantWrapped {
				t.Fatalf("Pick = %s wrapped=%v, want %s wrapped=%v", q.ID, wrapped, tt.wantID, tt.wantWrapped)
			}
		})
	}
}

func TestPickNeverRepeatsUntilExhausted(t *testing.T) {
	b := Default()
	used := models.Set[string]{}
	for round := 1; round <= b.Len(); round++ {
		q, wrapped := b.Pick(used, round, nil)
		if wrapped {
			t.Fatalf("wrapped at round %d with %d used", round, len(used))
		}
		if used.Has(q.ID) {
			t.Fatalf("question %s repeated at round %d", q.ID, round)
		}
		used[q.ID] = true
	}
	if _, wrapped := b.Pick(used, b.Len()+1, nil); !wrapped {
		t.Fatal("expected wrap after every question was used")
	}
}

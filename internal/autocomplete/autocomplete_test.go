package autocomplete

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuggest(t *testing.T) {
	vocab := []string{"python", "pytorch", "java", "py", "employees", "employee_id"}

	tests := []struct {
		name  string
		input string
		vocab []string
		limit int
		want  []string
	}{
		{name: "prefix in vocabulary order", input: "Show me all pyth", vocab: []string{"python", "pytorch", "java"}, want: []string{"python"}},
		{name: "shared prefix", input: "Show me all py", vocab: vocab, want: []string{"python", "pytorch"}},
		{name: "trailing whitespace", input: "Show me all ", vocab: vocab, want: []string{}},
		{name: "trailing punctuation", input: "count employees,", vocab: vocab, want: []string{}},
		{name: "empty input", input: "", vocab: vocab, want: []string{}},
		{name: "case insensitive input", input: "list EMPLOY", vocab: vocab, want: []string{"employees", "employee_id"}},
		{name: "exact match excluded", input: "java", vocab: vocab, want: []string{}},
		{name: "limit", input: "e", vocab: vocab, limit: 1, want: []string{"employees"}},
		{name: "punctuation splits tokens", input: "salary>emp", vocab: vocab, want: []string{"employees", "employee_id"}},
		{name: "nil vocabulary", input: "py", vocab: nil, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Suggest(tt.input, tt.vocab, tt.limit))
		})
	}
}

func TestSuggest_KeepsVocabularyOrder(t *testing.T) {
	vocab := []string{"python", "pytorch", "java"}
	assert.Equal(t, []string{"python", "pytorch"}, Suggest("Show me all pyt", vocab, 5))
	assert.Equal(t, []string{}, Suggest("Show me all ", vocab, 5))
}

func TestSuggest_DefaultLimit(t *testing.T) {
	vocab := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7"}
	assert.Len(t, Suggest("a", vocab, 0), DefaultLimit)
	assert.Len(t, Suggest("a", vocab, -3), DefaultLimit)
	assert.Len(t, Suggest("a", vocab, 10), 7)
}

func TestLastToken(t *testing.T) {
	assert.Equal(t, "pyth", LastToken("Show me all Pyth"))
	assert.Equal(t, "", LastToken("Show me all "))
	assert.Equal(t, "", LastToken(""))
	assert.Equal(t, "id", LastToken("employee_id"))
}

package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips llc with comma", "Acme Burgers, LLC", "Acme Burgers"},
		{"strips llc without comma", "Acme Burgers LLC", "Acme Burgers"},
		{"strips inc", "Subway Restaurants Inc.", "Subway Restaurants"},
		{"strips stacked suffixes", "Smoothie King Co. Inc", "Smoothie King"},
		{"collapses whitespace", "  Jersey   Mike's  ", "Jersey Mike S"},
		{"title cases", "dunkin donuts", "Dunkin Donuts"},
		{"keeps single suffix-only word", "LLC", "Llc"},
		{"folds ampersand", "H&R Block Corp", "H R Block"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestNormalizeNameIdentical(t *testing.T) {
	// Boundary scenario: the two spellings must collide exactly.
	assert.Equal(t, NormalizeName("Acme Burgers, LLC"), NormalizeName("Acme Burgers LLC"))
}

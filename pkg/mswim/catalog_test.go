package mswim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalogSeverity(t *testing.T) {
	tests := []struct {
		id   string
		want int
	}{
		{"F096", 90},
		{"F097", 90},
		{"F112", 85},
		{"F036", 70},
		{"F053", 60},
		{"F161", 55},
		{"F177", 55},
		{"F236", 45},
		{"F247", 45},
		{"F160", UnknownSeverity},
		{"F178", UnknownSeverity},
		{"F999", UnknownSeverity},
		{"bogus", UnknownSeverity},
	}
	catalog := NewCatalog(nil)
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, catalog.Severity(tt.id))
		})
	}
}

func TestCatalogOverrides(t *testing.T) {
	catalog := NewCatalog(map[string]int{"F096": 70, "F300": 95})
	assert.Equal(t, 70, catalog.Severity("F096"))
	assert.Equal(t, 95, catalog.Severity("F300"))
	assert.Equal(t, 85, catalog.Severity("F112"))
}

func TestMaxSeverity(t *testing.T) {
	catalog := NewCatalog(nil)
	assert.Zero(t, maxSeverity(catalog, nil))
	assert.Equal(t, 90, maxSeverity(catalog, []string{"F053", "F096", "F161"}))
}

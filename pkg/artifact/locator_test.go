package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	locTestPathA = "/a/b/report.xlsx"
	locTestPathB = "/home/u/cow/2025-06-01/CostMinimizer.xlsx"
)

func newDefaultLocator(t *testing.T) *Locator {
	t.Helper()
	l, err := NewLocator("", nil)
	require.NoError(t, err)
	return l
}

func TestLocator_Locate(t *testing.T) {
	l := newDefaultLocator(t)

	tests := []struct {
		name  string
		lines []string
		want  string
		found bool
	}{
		{
			name:  "single match",
			lines: []string{"...", "Excel Report Output saved into: " + locTestPathA, "..."},
			want:  locTestPathA,
			found: true,
		},
		{
			name: "last match wins",
			lines: []string{
				"Excel Report Output saved into: " + locTestPathA,
				"regenerating",
				"Excel Report Output saved into: " + locTestPathB,
			},
			want:  locTestPathB,
			found: true,
		},
		{
			name:  "no match",
			lines: []string{"starting", "done"},
		},
		{
			name:  "marker is case sensitive",
			lines: []string{"excel report output saved into: " + locTestPathA},
		},
		{
			name:  "wrong extension",
			lines: []string{"Excel Report Output saved into: /a/b/report.csv"},
		},
		{
			name:  "trailing text after path",
			lines: []string{"INFO Excel Report Output saved into: " + locTestPathA + " (42 KB)"},
			want:  locTestPathA,
			found: true,
		},
		{
			name:  "marker embedded mid-line",
			lines: []string{"2025-06-01 12:00:00 [co] Excel Report Output saved into:" + locTestPathA},
			want:  locTestPathA,
			found: true,
		},
		{
			name:  "extension must end the token",
			lines: []string{"Excel Report Output saved into: /a/b/report.xlsx.bak"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := l.Locate(tt.lines)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocator_CustomMarkerAndExtensions(t *testing.T) {
	l, err := NewLocator("Report written to", []string{"csv", ".xlsx"})
	require.NoError(t, err)

	got, ok := l.Match("Report written to /tmp/out.csv")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/out.csv", got)

	_, ok = l.Match("Excel Report Output saved into: " + locTestPathA)
	assert.False(t, ok)
}

func TestNewLocator_NoUsableExtensions(t *testing.T) {
	_, err := NewLocator("", []string{" ", ""})
	assert.Error(t, err)
}

func TestTracker_Observe(t *testing.T) {
	tr := newDefaultLocator(t).Track()
	assert.Empty(t, tr.Path())

	tr.Observe("Excel Report Output saved into: " + locTestPathA)
	tr.Observe("unrelated line")
	assert.Equal(t, locTestPathA, tr.Path())

	tr.Observe("Excel Report Output saved into: " + locTestPathB)
	assert.Equal(t, locTestPathB, tr.Path())
}

package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuarterNext(t *testing.T) {
	assert.Equal(t, Q2, Q1.Next())
	assert.Equal(t, Q3, Q2.Next())
	assert.Equal(t, Q4, Q3.Next())
	assert.Equal(t, Q1, Q4.Next())
}

func TestQuarterPathTo(t *testing.T) {
	tests := []struct {
		name   string
		from   Quarter
		target Quarter
		want   []Quarter
	}{
		{"same quarter is empty", Q2, Q2, nil},
		{"single step", Q1, Q2, []Quarter{Q2}},
		{"multi step", Q1, Q4, []Quarter{Q2, Q3, Q4}},
		{"wrap single", Q4, Q1, []Quarter{Q1}},
		{"wrap across year", Q4, Q2, []Quarter{Q1, Q2}},
		{"backward target wraps", Q3, Q1, []Quarter{Q4, Q1}},
		{"full cycle from Q2", Q2, Q1, []Quarter{Q3, Q4, Q1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.PathTo(tt.target))
		})
	}
}

func TestQuarterOf(t *testing.T) {
	assert.Equal(t, Q1, QuarterOf(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, Q1, QuarterOf(time.Date(2026, time.March, 31, 23, 59, 59, 0, time.UTC)))
	assert.Equal(t, Q2, QuarterOf(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, Q3, QuarterOf(time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, Q4, QuarterOf(time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC)))
}

func TestParseQuarter(t *testing.T) {
	q, err := ParseQuarter("Q3")
	require.NoError(t, err)
	assert.Equal(t, Q3, q)

	_, err = ParseQuarter("Q5")
	assert.Error(t, err)
	_, err = ParseQuarter("")
	assert.Error(t, err)
}

func TestQuarterValid(t *testing.T) {
	assert.True(t, Q1.Valid())
	assert.True(t, Q4.Valid())
	assert.False(t, Quarter(0).Valid())
	assert.False(t, Quarter(5).Valid())
}

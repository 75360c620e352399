package main

import (
	"testing"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(t *testing.T, v string) time.Time {
	t.Helper()
	d, err := analytics.ParseDate(v)
	require.NoError(t, err)
	return d
}

func TestMonthChunks(t *testing.T) {
	chunks := monthChunks(analytics.PeriodBounds{Start: day(t, "2024-01-20"), End: day(t, "2024-03-04")})
	require.Len(t, chunks, 3)
	assert.Equal(t, "2024-01-20..2024-01-31", chunks[0].String())
	assert.Equal(t, "2024-02-01..2024-02-29", chunks[1].String())
	assert.Equal(t, "2024-03-01..2024-03-04", chunks[2].String())

	single := monthChunks(analytics.PeriodBounds{Start: day(t, "2024-03-04"), End: day(t, "2024-03-04")})
	assert.Len(t, single, 1)
}

func TestParseRange(t *testing.T) {
	now := time.Date(2024, 3, 17, 15, 0, 0, 0, time.UTC)

	b, err := parseRange("", "", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01..2024-03-17", b.String())

	b, err = parseRange("2024-02-10", "2024-02-12", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-10..2024-02-12", b.String())

	_, err = parseRange("2024-02-12", "2024-02-10", now)
	assert.Error(t, err)
	_, err = parseRange("02/10/2024", "", now)
	assert.Error(t, err)
}

package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScoreMatrix_MonthTotalsAndDelta(t *testing.T) {
	current := []BrigadeDailyScore{
		dailyScore("b2", date(2024, 3, 2), "50"),
		dailyScore("b1", date(2024, 3, 1), "80"),
		dailyScore("b1", date(2024, 3, 3), "90"),
		dailyScore("b1", date(2024, 4, 1), "10"),
	}
	previous := []BrigadeDailyScore{
		dailyScore("b1", date(2024, 2, 10), "70"),
		dailyScore("b1", date(2024, 2, 11), "80"),
	}

	m := BuildScoreMatrix(date(2024, 3, 31), current, previous)
	assert.Equal(t, date(2024, 3, 1), m.Month)
	assert.Len(t, m.Days, 31)
	require.Len(t, m.Rows, 2)

	b1 := m.Rows[0]
	assert.Equal(t, "b1", b1.BrigadeID)
	require.NotNil(t, b1.Daily[0])
	assert.Equal(t, "80.00", b1.Daily[0].StringFixed(2))
	assert.Nil(t, b1.Daily[1])
	assert.Equal(t, "85.00", b1.MonthAvg.StringFixed(2))
	assert.Equal(t, "75.00", b1.PrevMonthAvg.StringFixed(2))
	assert.Equal(t, "10.00", b1.Delta.StringFixed(2))

	b2 := m.Rows[1]
	assert.Nil(t, b2.PrevMonthAvg)
	assert.Nil(t, b2.Delta, "no previous month means no delta")

	avg := m.DayAverages()
	assert.Equal(t, "80.00", avg[0].StringFixed(2))
	assert.Equal(t, "50.00", avg[1].StringFixed(2))
	assert.Nil(t, avg[3])
}

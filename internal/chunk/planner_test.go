package chunk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestPlan_EvenSplit(t *testing.T) {
	ranges, err := Plan(day("2021-01-01"), day("2021-01-20"), 10)
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	assert.Equal(t, day("2021-01-01"), ranges[0].Start)
	assert.Equal(t, day("2021-01-10"), ranges[0].End)
	assert.Equal(t, day("2021-01-11"), ranges[1].Start)
	assert.Equal(t, day("2021-01-20"), ranges[1].End)
	assert.Equal(t, 0, ranges[0].Seq)
	assert.Equal(t, 1, ranges[1].Seq)
}

func TestPlan_ShortFinalWindow(t *testing.T) {
	ranges, err := Plan(day("2021-01-01"), day("2021-01-25"), 10)
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	assert.Equal(t, day("2021-01-21"), ranges[2].Start)
	assert.Equal(t, day("2021-01-25"), ranges[2].End)
}

func TestPlan_SingleDay(t *testing.T) {
	ranges, err := Plan(day("2021-06-15"), day("2021-06-15"), 30)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, ranges[0].Start, ranges[0].End)
}

func TestPlan_Contiguous(t *testing.T) {
	ranges, err := Plan(day("2020-01-01"), day("2020-12-31"), 30)
	require.NoError(t, err)
	for i := 1; i < len(ranges); i++ {
		assert.Equal(t, ranges[i-1].End.AddDate(0, 0, 1), ranges[i].Start,
			"gap between chunk %d and %d", i-1, i)
	}
	assert.Equal(t, day("2020-12-31"), ranges[len(ranges)-1].End)
}

func TestPlan_EndBeforeStart(t *testing.T) {
	_, err := Plan(day("2021-02-01"), day("2021-01-01"), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before start")
}

func TestPlan_BadWindow(t *testing.T) {
	_, err := Plan(day("2021-01-01"), day("2021-02-01"), 0)
	require.Error(t, err)
}

func TestPlan_TruncatesTimeOfDay(t *testing.T) {
	start := time.Date(2021, 3, 1, 14, 30, 0, 0, time.UTC)
	end := time.Date(2021, 3, 5, 9, 0, 0, 0, time.UTC)
	ranges, err := Plan(start, end, 10)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, day("2021-03-01"), ranges[0].Start)
	assert.Equal(t, day("2021-03-05"), ranges[0].End)
}

func TestRemaining(t *testing.T) {
	ranges, err := Plan(day("2021-01-01"), day("2021-01-30"), 10)
	require.NoError(t, err)
	require.Len(t, ranges, 3)

	rest := Remaining(ranges, day("2021-01-10"))
	require.Len(t, rest, 2)
	assert.Equal(t, day("2021-01-11"), rest[0].Start)

	assert.Len(t, Remaining(ranges, time.Time{}), 3)
	assert.Empty(t, Remaining(ranges, day("2021-01-30")))
}

func TestRangeString(t *testing.T) {
	r := Range{Start: day("2021-01-01"), End: day("2021-01-10")}
	assert.Equal(t, "2021-01-01..2021-01-10", r.String())
}

// Package chunk plans the date windows that bound a backfill run's units of
// checkpointable progress.
package chunk

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Range is one planning unit of a backfill run: an inclusive date window.
// Immutable once planned.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Seq   int       `json:"seq"`
}

// String formats the range for logs and the error log.
func (r Range) String() string {
	return fmt.Sprintf("%s..%s", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

// Plan splits [start, end] into contiguous, non-overlapping windows of at
// most windowDays days each. The final window may be shorter. Dates are
// truncated to midnight UTC; end before start is an error.
func Plan(start, end time.Time, windowDays int) ([]Range, error) {
	if windowDays <= 0 {
		return nil, eris.Errorf("chunk: window_days must be positive, got %d", windowDays)
	}

	start = truncateDay(start)
	end = truncateDay(end)
	if end.Before(start) {
		return nil, eris.Errorf("chunk: end %s before start %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	var ranges []Range
	seq := 0
	for cur := start; !cur.After(end); {
		chunkEnd := cur.AddDate(0, 0, windowDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		ranges = append(ranges, Range{Start: cur, End: chunkEnd, Seq: seq})
		seq++
		cur = chunkEnd.AddDate(0, 0, 1)
	}

	return ranges, nil
}

// Remaining filters the planned ranges to those strictly after the last
// completed chunk end, preserving order. A zero lastEnd returns all ranges.
func Remaining(ranges []Range, lastEnd time.Time) []Range {
	if lastEnd.IsZero() {
		return ranges
	}
	lastEnd = truncateDay(lastEnd)
	var rest []Range
	for _, r := range ranges {
		if r.Start.After(lastEnd) {
			rest = append(rest, r)
		}
	}
	return rest
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

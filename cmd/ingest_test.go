package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateRange(t *testing.T) {
	start, end, err := parseDateRange("2021-01-01", "2021-06-30")
	require.NoError(t, err)
	assert.Equal(t, "2021-01-01", start.Format("2006-01-02"))
	assert.Equal(t, "2021-06-30", end.Format("2006-01-02"))
}

func TestParseDateRange_DefaultEndIsToday(t *testing.T) {
	start, end, err := parseDateRange("2021-01-01", "")
	require.NoError(t, err)
	assert.Equal(t, "2021-01-01", start.Format("2006-01-02"))
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), end.Format("2006-01-02"))
}

func TestParseDateRange_MissingStart(t *testing.T) {
	_, _, err := parseDateRange("", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--start is required")
}

func TestParseDateRange_BadFormat(t *testing.T) {
	_, _, err := parseDateRange("01/02/2021", "")
	require.Error(t, err)

	_, _, err = parseDateRange("2021-01-01", "June 30")
	require.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "enrich", "backfill", "migrate", "errors", "serve", "config"} {
		assert.True(t, names[want], "command %s not registered", want)
	}
}

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/resilience"
)

func deadLetter(batch string, index int, category model.Category) resilience.DLQEntry {
	return resilience.DLQEntry{
		ID:         batch + "-x",
		BatchID:    batch,
		StageIndex: index,
		Stage:      string(category),
		Request:    model.RfqRequest{Title: "t", Category: category},
		Error:      "HTTP 503: unavailable",
		ErrorType:  resilience.ErrorTransient,
		RetryCount: 1,
		MaxRetries: 3,
	}
}

func TestGroupRetries(t *testing.T) {
	a := uuid.MustParse("7d2b8f6e-2c1a-4c55-9a55-0c2f9f0a1b11")
	b := uuid.MustParse("0f0e0d0c-0b0a-4908-8706-050403020100")

	groups := groupRetries([]resilience.DLQEntry{
		deadLetter(a.String(), 1, model.CategoryElectrical),
		deadLetter(b.String(), 0, model.CategoryRoofing),
		deadLetter("not-a-uuid", 0, model.CategoryTiling),
		deadLetter(a.String(), 3, model.CategoryPlumbing),
	})
	require.Len(t, groups, 2)

	assert.Equal(t, a, groups[0].origin)
	require.Len(t, groups[0].results, 2)
	assert.Equal(t, 1, groups[0].results[0].Index)
	assert.Equal(t, model.CategoryPlumbing, groups[0].results[1].Category)
	assert.Equal(t, model.CategoryPlumbing, groups[0].results[1].Request.Category)

	assert.Equal(t, b, groups[1].origin)
	require.Len(t, groups[1].results, 1)
}

func TestFormatDeadLetters(t *testing.T) {
	e := deadLetter("7d2b8f6e-2c1a-4c55-9a55-0c2f9f0a1b11", 1, model.CategoryElectrical)
	e.Error = "dispatch: send ELECTRICAL: HTTP 503: upstream unavailable, retry later"
	e.NextRetryAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

	var buf bytes.Buffer
	formatDeadLetters(&buf, []resilience.DLQEntry{e})
	out := buf.String()

	assert.Contains(t, out, "NEXT RETRY")
	assert.Contains(t, out, "7d2b8f6e ")
	assert.Contains(t, out, "ELECTRICAL")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "2026-03-01 12:00")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, "retry later")
}

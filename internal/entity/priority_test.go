package entity

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestNormalizePriorityExplicitNum(t *testing.T) {
	rec := Record{"priority_num": float64(8)}
	num, label := NormalizePriority(rec)
	require.Equal(t, 8, num)
	require.Equal(t, "urgent", label)
}

func TestNormalizePriorityLabelTable(t *testing.T) {
	rec := Record{"priority": "high"}
	num, label := NormalizePriority(rec)
	require.Equal(t, 25, num)
	require.Equal(t, "high", label)
}

func TestNormalizePriorityDefault(t *testing.T) {
	num, label := NormalizePriority(Record{})
	require.Equal(t, defaultPriorityNum, num)
	require.Empty(t, label)
}

// TestNormalizePriorityIdempotent verifies spec.md invariant I2: feeding a
// record's own normalized output back through NormalizePriority (as a
// priority_num) yields the same {priorityNum, priorityLabel} pair, for any
// starting priority_num in range.
func TestNormalizePriorityIdempotent(t *testing.T) {
	params := gopter.DefaultTestParameters()
	props := gopter.NewProperties(params)

	props.Property("re-normalizing a priority_num is a fixed point", prop.ForAll(
		func(raw int) bool {
			first := Record{"priority_num": float64(raw)}
			num1, label1 := NormalizePriority(first)

			second := Record{"priority_num": float64(num1)}
			num2, label2 := NormalizePriority(second)

			return num1 == num2 && label1 == label2
		},
		gen.IntRange(-50, 200),
	))

	props.TestingRun(t)
}

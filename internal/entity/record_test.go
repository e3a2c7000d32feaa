package entity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickStringAliasesAndMetadata(t *testing.T) {
	rec := Record{
		"metadata": map[string]any{"title": "from metadata"},
	}
	require.Equal(t, "from metadata", PickString(rec, titleKeys))

	rec2 := Record{"name": "  Top Level  "}
	require.Equal(t, "Top Level", PickString(rec2, titleKeys))
}

func TestPickNumberAcceptsStrings(t *testing.T) {
	rec := Record{"priority_num": "42"}
	n, ok := PickNumber(rec, priorityNumKeys)
	require.True(t, ok)
	require.Equal(t, float64(42), n)
}

func TestPickStringArrayAcceptsCommaSeparated(t *testing.T) {
	rec := Record{"dependency_ids": "a, b ,, c"}
	got := PickStringArray(rec, []string{"dependency_ids"})
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestToISOStringHandlesEpochVariants(t *testing.T) {
	iso, ok := ToISOString("1735689600")
	require.True(t, ok)
	require.Equal(t, "2025-01-01T00:00:00Z", iso)

	_, ok = ToISOString("not a date")
	require.False(t, ok)
}

func TestNormalizeDependenciesUnionsAliasesAndDedupes(t *testing.T) {
	rec := Record{
		"depends_on": []any{"t1", "t2"},
		"metadata":   map[string]any{"blockedBy": []any{"t2", "t3"}},
	}
	require.ElementsMatch(t, []string{"t1", "t2", "t3"}, NormalizeDependencies(rec))
}

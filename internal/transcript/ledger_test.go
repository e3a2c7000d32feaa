package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMissingFileYieldsZeroSummary(t *testing.T) {
	sum, err := Parse(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	require.Zero(t, sum)
}

func TestParseSumsUsageAndDetectsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	lines := `{"type":"message","message":{"usage":{"input":100,"output":50,"cost":{"total":0.01}}}}
{"type":"message","message":{"usage":{"totalTokens":9000}}}
not json at all
{"type":"message","stopReason":"error"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))

	sum, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, int64(100+50+9000), sum.Tokens)
	require.InDelta(t, 0.01, sum.CostUSD, 1e-9)
	require.True(t, sum.HadError)
}

func TestValidateSegmentRejectsTraversal(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", "a\\b", "a..b/c"} {
		require.Error(t, ValidateSegment(bad), bad)
	}
	require.NoError(t, ValidateSegment("agent-123"))
}

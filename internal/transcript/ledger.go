// Package transcript parses the agent runtime's append-only JSONL session
// transcripts (spec.md §4.6.1, §6 "Transcript path convention") into a
// Summary the auto-continue scheduler uses to update token/cost accounting.
// The parser never fails on a missing file or a malformed line; it is read
// by the scheduler after every child-process exit and must stay robust
// against partial writes.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// Summary aggregates one session transcript's token usage, cost, and error
// status (spec.md §4.6.1).
type Summary struct {
	Tokens   int64
	CostUSD  float64
	HadError bool
}

// ErrUnsafePathSegment is returned when an agent or session identifier
// contains a path-traversal or separator character; callers must treat this
// as a validation failure rather than attempting to read the file.
var ErrUnsafePathSegment = errors.New("transcript: unsafe path segment")

// ValidateSegment rejects the path segments spec.md §4.6.1 calls out as
// unsafe: those containing '/', '\\', NUL, or a "." or ".." component.
func ValidateSegment(segment string) error {
	if segment == "" || segment == "." || segment == ".." {
		return ErrUnsafePathSegment
	}
	if strings.ContainsAny(segment, "/\\\x00") {
		return ErrUnsafePathSegment
	}
	return nil
}

type usage struct {
	Input       int64 `json:"input"`
	Output      int64 `json:"output"`
	CacheRead   int64 `json:"cacheRead"`
	CacheWrite  int64 `json:"cacheWrite"`
	Total       int64 `json:"total"`
	TotalTokens int64 `json:"totalTokens"`
	Cost        struct {
		Total float64 `json:"total"`
	} `json:"cost"`
}

type message struct {
	Usage *usage `json:"usage"`
}

type event struct {
	Type         string   `json:"type"`
	Message      *message `json:"message"`
	StopReason   string   `json:"stopReason"`
	ErrorMessage string   `json:"errorMessage"`
}

// Parse reads the JSONL transcript at path and returns its Summary. A
// missing file yields a zero Summary and no error. A line that fails to
// parse as JSON is skipped silently; parsing continues with the next line.
func Parse(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Summary{}, nil
		}
		return Summary{}, err
	}
	defer f.Close()

	var sum Summary
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Type == "message" && ev.Message != nil && ev.Message.Usage != nil {
			u := ev.Message.Usage
			if u.TotalTokens > 0 {
				sum.Tokens += u.TotalTokens
			} else if u.Total > 0 {
				sum.Tokens += u.Total
			} else {
				sum.Tokens += u.Input + u.Output + u.CacheRead + u.CacheWrite
			}
			sum.CostUSD += u.Cost.Total
		}
		if ev.StopReason == "error" || ev.ErrorMessage != "" {
			sum.HadError = true
		}
	}
	// scanner.Err is deliberately ignored: a truncated trailing line from a
	// still-writing child process is not a parse failure, it is the normal
	// shape of a file read mid-append.
	return sum, nil
}

// Package dispatch implements the Dispatch Engine (spec.md §4.5): execution
// policy derivation, the spawn-guard gate, prompt construction, and the
// detached agent-runtime child process lifecycle.
package dispatch

import (
	"regexp"
	"strings"

	"github.com/useorgx/openclaw-plugin/internal/entity"
)

// ExecutionPolicy is the derived domain and required-skill pair a task
// dispatch resolves to (spec.md §4.5 step 1).
type ExecutionPolicy struct {
	Domain         string
	RequiredSkills []string
}

// domainKeywordPattern matches the fixed set of domains spec.md §4.5
// recognizes when no assigned agent carries an explicit domain.
var domainKeywordPattern = regexp.MustCompile(`(?i)\b(marketing|design|sales|operations|product|orchestration|engineering)\b`)

// ResolveExecutionPolicy derives the domain for task, preferring (in
// order): the task's first assigned agent's domain, the workstream's first
// assigned agent's domain, and finally a keyword match over the task,
// workstream, and initiative titles.
func ResolveExecutionPolicy(task, workstream, initiative *entity.Node) ExecutionPolicy {
	domain := firstAssignedDomain(task)
	if domain == "" {
		domain = firstAssignedDomain(workstream)
	}
	if domain == "" {
		domain = keywordDomain(task, workstream, initiative)
	}

	policy := ExecutionPolicy{Domain: domain}
	if domain != "" {
		policy.RequiredSkills = []string{"orgx-" + domain + "-agent"}
	}
	return policy
}

func firstAssignedDomain(n *entity.Node) string {
	if n == nil {
		return ""
	}
	for _, a := range n.AssignedAgents {
		if a.Domain != "" {
			return strings.ToLower(a.Domain)
		}
	}
	return ""
}

func keywordDomain(nodes ...*entity.Node) string {
	var sb strings.Builder
	for _, n := range nodes {
		if n == nil {
			continue
		}
		sb.WriteString(n.Title)
		sb.WriteString(" ")
	}
	m := domainKeywordPattern.FindStringSubmatch(sb.String())
	if len(m) != 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

package store

import (
	"sort"
	"sync"
	"time"
)

const (
	maxAgentContexts = 120
	maxRunContexts   = 480
)

// LaunchContext is one agent-launch-context entry (spec.md §4.5 step 4:
// "an agent-launch-context entry keyed by agentId"). internal/fallback's
// Synthesizer reads these entries to attribute transcript-derived session
// rows to an initiative/workstream and to build their orgx_context
// metadata block (§4.7 step 1).
type LaunchContext struct {
	AgentID      string `json:"agentId"`
	InitiativeID string `json:"initiativeId,omitempty"`
	WorkstreamID string `json:"workstreamId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	SessionID    string `json:"sessionId"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	UpdatedAt    string `json:"updatedAt"`
}

// RunContext is one agent-run-store entry (spec.md §4.5 step 4: "Record
// the run in the agent-run store").
type RunContext struct {
	RunID        string `json:"runId"`
	AgentID      string `json:"agentId"`
	SessionID    string `json:"sessionId"`
	PID          int    `json:"pid"`
	InitiativeID string `json:"initiativeId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	UpdatedAt    string `json:"updatedAt"`
}

// agentContextsFile is the on-disk shape of agent-contexts.json (spec.md
// §6).
type agentContextsFile struct {
	UpdatedAt string                    `json:"updatedAt"`
	Agents    map[string]LaunchContext  `json:"agents"`
	Runs      map[string]RunContext     `json:"runs"`
}

// AgentContexts is the in-memory, disk-backed agent-contexts.json store,
// LRU-capped at 120 agents / 480 runs by updatedAt (spec.md §6).
type AgentContexts struct {
	path string

	mu     sync.Mutex
	agents map[string]LaunchContext
	runs   map[string]RunContext
}

// NewAgentContexts loads path if it exists, or starts empty.
func NewAgentContexts(path string) (*AgentContexts, error) {
	var file agentContextsFile
	if err := readJSON(path, &file); err != nil {
		return nil, err
	}
	if file.Agents == nil {
		file.Agents = make(map[string]LaunchContext)
	}
	if file.Runs == nil {
		file.Runs = make(map[string]RunContext)
	}
	return &AgentContexts{path: path, agents: file.Agents, runs: file.Runs}, nil
}

// PutAgent installs or replaces one agent's launch context, evicting the
// least-recently-updated entry if the cap is exceeded.
func (c *AgentContexts) PutAgent(ctx LaunchContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[ctx.AgentID] = ctx
	evictOldest(c.agents, maxAgentContexts, func(lc LaunchContext) string { return lc.UpdatedAt })
}

// PutRun installs or replaces one run's context, evicting the
// least-recently-updated entry if the cap is exceeded.
func (c *AgentContexts) PutRun(run RunContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[run.RunID] = run
	evictOldest(c.runs, maxRunContexts, func(rc RunContext) string { return rc.UpdatedAt })
}

// Agent returns the launch context for agentID, if any.
func (c *AgentContexts) Agent(agentID string) (LaunchContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc, ok := c.agents[agentID]
	return lc, ok
}

// Run returns the run context for runID, if any.
func (c *AgentContexts) Run(runID string) (RunContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.runs[runID]
	return rc, ok
}

// Agents returns a snapshot copy of every launch context.
func (c *AgentContexts) Agents() map[string]LaunchContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]LaunchContext, len(c.agents))
	for k, v := range c.agents {
		out[k] = v
	}
	return out
}

// Runs returns a snapshot copy of every run context.
func (c *AgentContexts) Runs() map[string]RunContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]RunContext, len(c.runs))
	for k, v := range c.runs {
		out[k] = v
	}
	return out
}

// Save persists the current state to disk, atomically.
func (c *AgentContexts) Save(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeJSONAtomic(c.path, agentContextsFile{
		UpdatedAt: now.UTC().Format(time.RFC3339),
		Agents:    c.agents,
		Runs:      c.runs,
	})
}

// evictOldest drops entries from m, oldest-updatedAt-first, until len(m) is
// at most cap. Generic over the two context types sharing the same
// LRU-by-updatedAt eviction rule.
func evictOldest[K comparable, V any](m map[K]V, cap int, updatedAt func(V) string) {
	if len(m) <= cap {
		return
	}
	type entry struct {
		key K
		at  string
	}
	entries := make([]entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, entry{key: k, at: updatedAt(v)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	for _, e := range entries[:len(entries)-cap] {
		delete(m, e.key)
	}
}

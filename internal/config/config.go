// Package config assembles the control plane's immutable tunables from the
// process environment. Every clamp and default documented here mirrors the
// environment-variable contract in spec.md §6; the struct is built once at
// process start and threaded through every component so tests can construct
// their own Config instead of mutating globals.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// TokenPrice describes the blended per-million-token pricing for one model
// tier, used by the budget derivation in BuildGraph (spec.md §4.2 step 7).
type TokenPrice struct {
	InputPerMillion       float64
	CachedInputPerMillion float64
	OutputPerMillion      float64
}

// BudgetModel carries the environment-tunable constants that drive the
// token-throughput budget model. All fields are clamped to documented
// min/max ranges on load so a misconfigured environment cannot produce a
// nonsensical budget (negative cost, zero throughput, and so on).
type BudgetModel struct {
	// ShareGPT and ShareOpus sum to 1.0 and describe the assumed blend of
	// model tiers a dispatched task will use.
	ShareGPT  float64
	ShareOpus float64
	// InputShare is the fraction of billed tokens that are input tokens
	// (as opposed to output tokens).
	InputShare float64
	// CachedShare is the fraction of input tokens assumed to hit a prompt
	// cache at the cached input rate rather than the full input rate.
	CachedShare float64
	// TokensPerHour is the assumed throughput of a dispatched agent run.
	TokensPerHour float64
	// Contingency multiplies the raw duration-derived token estimate to
	// leave headroom for retries and verification passes.
	Contingency float64
	// RoundStepUsd rounds the derived USD budget up to this step.
	RoundStepUsd float64

	GPT  TokenPrice
	Opus TokenPrice
}

// Config is the process-wide set of tunables. Construct via FromEnv at
// process start, or directly in tests.
type Config struct {
	// TickInterval is the auto-continue scheduler's tick period (spec.md §4.6).
	TickInterval time.Duration
	// SSEKeepaliveInterval is the SSE hub's keepalive comment period (§4.4).
	SSEKeepaliveInterval time.Duration
	// SSEStalenessSweepInterval is the SSE hub's fingerprint re-check period (§4.4).
	SSEStalenessSweepInterval time.Duration
	// SSEIdleTimeout closes an upstream-proxy SSE stream after this much
	// inactivity (§5).
	SSEIdleTimeout time.Duration
	// RuntimeStaleHorizon ages a RuntimeInstance to "stale" once its
	// lastHeartbeatAt exceeds this horizon (§4.4's data model).
	RuntimeStaleHorizon time.Duration

	// HookRequestTimeout bounds how long a JSON request body may take to
	// arrive (§5, §6: "2 s to fully arrive").
	HookRequestTimeout time.Duration
	// MaxBodyBytes caps JSON request bodies (§5, §6: 1 MB).
	MaxBodyBytes int64

	// SpawnCommandTimeout bounds short-lived child commands like
	// `openclaw agents list` (§5: 5-10s).
	SpawnCommandTimeout time.Duration
	// StopGraceWindow is how long stopDetachedProcess waits after SIGTERM
	// before escalating to SIGKILL (§4.5: ~450ms).
	StopGraceWindow time.Duration

	// DefaultTokenBudget seeds AutoContinueRun.tokenBudget when the caller
	// does not supply one explicitly.
	DefaultTokenBudget int64
	// AutoContinueBudgetHours is read from ORGX_AUTO_CONTINUE_BUDGET_HOURS.
	// No token budget is derived from it: DefaultTokenBudget comes only from
	// ORGX_AUTO_CONTINUE_TOKEN_BUDGET.
	AutoContinueBudgetHours float64

	Budget BudgetModel

	// ActivitySummaryModel names the model used by the (out-of-scope)
	// markdown/heuristic headline summarizer; the core only threads the
	// name through, it never calls the summarizer itself.
	ActivitySummaryModel string

	// HookToken is the shared secret compared, constant-time, against the
	// X-OrgX-Hook-Token header or token query parameter (§4.4).
	HookToken string

	// HTTPAddr is the address the control plane's HTTP server binds. It
	// defaults to the loopback address 127.0.0.1:4173; ORGX_HTTP_ADDR
	// overrides it and is not restricted to loopback.
	HTTPAddr string

	// HomeDir is the resolved home directory used to build the persisted
	// state paths in §6 ($HOME/.config/useorgx/openclaw-plugin/...) and the
	// read-only transcript path convention ($HOME/.openclaw/agents/...).
	HomeDir string

	// CloudBaseURL is the base URL HTTPClient issues every cloud-plane call
	// against (§1: the cloud plane's own wire shape is out of scope, only
	// the calls the core makes onto it are specified).
	CloudBaseURL string
	// CloudRequestsPerSecond bounds HTTPClient's outbound call rate.
	CloudRequestsPerSecond float64

	// RedisAddr, when non-empty, backs the runtime registry's instance
	// table and pub/sub fan-out with Redis instead of the in-process
	// MemStore/local broadcaster, so multiple control-plane processes on
	// one host can share one SSE hub (§4.4).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AgentBinary is the coding-agent CLI this process spawns as a
	// detached child (§4.5 step 4; §5's "openclaw agents list"/"openclaw
	// models" commands share the same binary).
	AgentBinary string
}

// FromEnv constructs a Config from the process environment, applying the
// documented defaults and clamps for every tunable named in spec.md §6.
func FromEnv() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	cfg := &Config{
		TickInterval:              envDuration("ORGX_TICK_MS", 2500*time.Millisecond, 500*time.Millisecond, 30*time.Second),
		SSEKeepaliveInterval:       envDuration("ORGX_SSE_KEEPALIVE_MS", 20*time.Second, 5*time.Second, 120*time.Second),
		SSEStalenessSweepInterval:  envDuration("ORGX_SSE_STALE_SWEEP_MS", 15*time.Second, 5*time.Second, 120*time.Second),
		SSEIdleTimeout:             envDuration("ORGX_SSE_IDLE_TIMEOUT_MS", 60*time.Second, 10*time.Second, 600*time.Second),
		RuntimeStaleHorizon:        envDuration("ORGX_RUNTIME_STALE_HORIZON_MS", 90*time.Second, 10*time.Second, 900*time.Second),
		HookRequestTimeout:         envDuration("ORGX_HOOK_READ_TIMEOUT_MS", 2*time.Second, 500*time.Millisecond, 30*time.Second),
		MaxBodyBytes:               envInt64("ORGX_MAX_BODY_BYTES", 1<<20, 1<<10, 16<<20),
		SpawnCommandTimeout:        envDuration("ORGX_SPAWN_CMD_TIMEOUT_MS", 8*time.Second, 5*time.Second, 10*time.Second),
		StopGraceWindow:            envDuration("ORGX_STOP_GRACE_MS", 450*time.Millisecond, 100*time.Millisecond, 5*time.Second),
		DefaultTokenBudget:         envInt64("ORGX_AUTO_CONTINUE_TOKEN_BUDGET", 2_000_000, 10_000, 1_000_000_000),
		AutoContinueBudgetHours:    envFloat("ORGX_AUTO_CONTINUE_BUDGET_HOURS", 8.0, 0.25, 168.0),
		ActivitySummaryModel:       envString("ORGX_ACTIVITY_SUMMARY_MODEL", "claude-haiku"),
		HookToken:                  envString("ORGX_HOOK_TOKEN", ""),
		HTTPAddr:                   envString("ORGX_HTTP_ADDR", "127.0.0.1:4173"),
		HomeDir:                    home,
		CloudBaseURL:               envString("ORGX_CLOUD_BASE_URL", "http://127.0.0.1:4280"),
		CloudRequestsPerSecond:     envFloat("ORGX_CLOUD_RPS", 10, 1, 1000),
		RedisAddr:                  envString("ORGX_REDIS_ADDR", ""),
		RedisPassword:              envString("ORGX_REDIS_PASSWORD", ""),
		RedisDB:                    int(envInt64("ORGX_REDIS_DB", 0, 0, 15)),
		AgentBinary:                envString("ORGX_AGENT_BINARY", "openclaw"),
		Budget: BudgetModel{
			ShareGPT:      envFloat("ORGX_BUDGET_SHARE_GPT", 0.5, 0, 1),
			ShareOpus:     envFloat("ORGX_BUDGET_SHARE_OPUS", 0.5, 0, 1),
			InputShare:    envFloat("ORGX_BUDGET_INPUT_SHARE", 0.7, 0, 1),
			CachedShare:   envFloat("ORGX_BUDGET_CACHED_SHARE", 0.6, 0, 1),
			TokensPerHour: envFloat("ORGX_BUDGET_TOKENS_PER_HOUR", 250_000, 1_000, 10_000_000),
			Contingency:   envFloat("ORGX_BUDGET_CONTINGENCY", 1.25, 1.0, 3.0),
			RoundStepUsd:  envFloat("ORGX_BUDGET_ROUND_STEP_USD", 5.0, 0.01, 1000.0),
			GPT: TokenPrice{
				InputPerMillion:       envFloat("ORGX_BUDGET_GPT_INPUT_USD", 2.50, 0, 1000),
				CachedInputPerMillion: envFloat("ORGX_BUDGET_GPT_CACHED_INPUT_USD", 1.25, 0, 1000),
				OutputPerMillion:      envFloat("ORGX_BUDGET_GPT_OUTPUT_USD", 10.0, 0, 1000),
			},
			Opus: TokenPrice{
				InputPerMillion:       envFloat("ORGX_BUDGET_OPUS_INPUT_USD", 15.0, 0, 1000),
				CachedInputPerMillion: envFloat("ORGX_BUDGET_OPUS_CACHED_INPUT_USD", 1.50, 0, 1000),
				OutputPerMillion:      envFloat("ORGX_BUDGET_OPUS_OUTPUT_USD", 75.0, 0, 1000),
			},
		},
	}
	return cfg, nil
}

// StateDir returns the directory holding all persisted control-plane state
// (spec.md §6: "$HOME/.config/useorgx/openclaw-plugin/").
func (c *Config) StateDir() string {
	return filepath.Join(c.HomeDir, ".config", "useorgx", "openclaw-plugin")
}

// OutboxDir returns the directory holding per-initiative outbox JSONL files.
func (c *Config) OutboxDir() string {
	return filepath.Join(c.StateDir(), "outbox")
}

// TranscriptPath returns the read-only transcript path convention for a
// given agent/session pair (spec.md §6).
func (c *Config) TranscriptPath(agentID, sessionID string) string {
	return filepath.Join(c.HomeDir, ".openclaw", "agents", agentID, "sessions", sessionID+".jsonl")
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envFloat(key string, def, min, max float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return clamp(f, min, max)
}

func envInt64(key string, def, min, max int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func envDuration(key string, def, min, max time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

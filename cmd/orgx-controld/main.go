// Command orgx-controld runs the local control plane (spec.md §1): the
// HTTP surface mediating between the cloud orchestration API, the
// locally-spawned coding-agent CLI runtime, and the dashboard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/useorgx/openclaw-plugin/internal/autocontinue"
	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/config"
	"github.com/useorgx/openclaw-plugin/internal/dispatch"
	"github.com/useorgx/openclaw-plugin/internal/fallback"
	"github.com/useorgx/openclaw-plugin/internal/httpapi"
	"github.com/useorgx/openclaw-plugin/internal/runtimeregistry"
	"github.com/useorgx/openclaw-plugin/internal/store"
	"github.com/useorgx/openclaw-plugin/internal/telemetry"
	"github.com/useorgx/openclaw-plugin/internal/transcript"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("ORGX_DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("load config: %w", err))
	}

	if err := prepareStateDirs(cfg); err != nil {
		log.Fatal(ctx, fmt.Errorf("prepare state dirs: %w", err))
	}
	if _, err := store.EnsureHookTrampoline(cfg.StateDir()); err != nil {
		log.Printf(ctx, "hook trampoline unavailable: %v", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics("orgx-controld")
	tracer := telemetry.NewClueTracer("orgx-controld")

	cloud := cloudplane.NewHTTPClient(cfg.CloudBaseURL, cfg.CloudRequestsPerSecond)

	agentContextsPath := filepath.Join(cfg.StateDir(), "agent-contexts.json")
	byokPath := filepath.Join(cfg.StateDir(), "byok.json")
	pinsPath := filepath.Join(cfg.StateDir(), "next-up-pins.json")

	agentContexts, err := store.NewAgentContexts(agentContextsPath)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("load agent contexts: %w", err))
	}
	byokStore, err := store.NewBYOKStore(byokPath)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("load BYOK store: %w", err))
	}
	pinStore, err := store.NewPinStore(pinsPath)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("load pin store: %w", err))
	}

	outbox := fallback.NewOutbox(cfg.OutboxDir())
	overrides := fallback.NewOverrideStore()
	mediator := fallback.NewMediator(outbox, overrides)
	synth := fallback.NewSynthesizer(cfg.HomeDir, agentContexts)

	runtimeStore, broadcaster := runtimeStoreAndBroadcaster(ctx, cfg, logger)
	hub := runtimeregistry.NewHub(runtimeStore, broadcaster, cfg.SSEKeepaliveInterval, cfg.SSEStalenessSweepInterval, cfg.RuntimeStaleHorizon)
	hub.Metrics = metrics

	spawn := agentSpawner(cfg)
	dispatcher := dispatch.NewEngine(cloud, outbox, spawn)
	dispatcher.Tracer = tracer
	dispatcher.Metrics = metrics

	schedulers := autocontinue.NewStore()

	srv := httpapi.NewServer(cfg)
	srv.Cloud = cloud
	srv.Dispatcher = dispatcher
	srv.Schedulers = schedulers
	srv.Mediator = mediator
	srv.Synth = synth
	srv.AgentContexts = agentContexts
	srv.BYOK = byokStore
	srv.Pins = pinStore
	srv.RuntimeStore = runtimeStore
	srv.RuntimeHub = hub
	srv.Outbox = outbox
	srv.ParseTranscript = transcript.Parse
	srv.Logger = logger
	srv.Tracer = tracer
	srv.Metrics = metrics

	errc := make(chan error, 1)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			errc <- err
		}
	}()

	wg.Add(1)
	go runTickLoop(ctx, &wg, cfg, schedulers, dispatcher, cloud, transcript.Parse, agentContexts, logger, tracer, metrics)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// runTickLoop drives every initiative's auto-continue scheduler off one
// process-wide timer (spec.md §4.6). Each timer tick calls Scheduler.Tick,
// which processes the tracked runs concurrently, one goroutine per run,
// each under its own tick mutex. The Scheduler itself is stateless plumbing shared across ticks;
// all run state lives in schedulers, the Store every HTTP handler also
// reads and writes.
func runTickLoop(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg *config.Config,
	schedulers *autocontinue.Store,
	dispatcher *dispatch.Engine,
	cloud cloudplane.Client,
	parse autocontinue.TranscriptParser,
	contexts *store.AgentContexts,
	logger telemetry.Logger,
	tracer telemetry.Tracer,
	metrics telemetry.Metrics,
) {
	defer wg.Done()

	sched := &autocontinue.Scheduler{
		Cloud:           cloud,
		Dispatcher:      dispatcher,
		Budget:          cfg.Budget,
		Store:           schedulers,
		ParseTranscript: parse,
		TranscriptPath:  cfg.TranscriptPath,
		IsPidAlive:      dispatch.IsPidAlive,
		StopProcess:     dispatch.StopDetachedProcess,
		StopGrace:       cfg.StopGraceWindow,
		Contexts:        contexts,
		Tracer:          tracer,
		Metrics:         metrics,
		Clock:           time.Now,
	}

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error(ctx, "scheduler tick panicked", "recover", fmt.Sprintf("%v", r))
					}
				}()
				sched.Tick(ctx)
			}()
		}
	}
}

// runtimeStoreAndBroadcaster picks the Redis-backed runtime registry when
// ORGX_REDIS_ADDR is set, so multiple control-plane processes on one host
// can share one RuntimeInstance table and SSE fan-out (§4.4), or the
// in-process MemStore/NoopBroadcaster pair for a single-process deployment.
func runtimeStoreAndBroadcaster(ctx context.Context, cfg *config.Config, logger telemetry.Logger) (runtimeregistry.Store, runtimeregistry.Broadcaster) {
	if cfg.RedisAddr == "" {
		return runtimeregistry.NewMemStore(), runtimeregistry.NoopBroadcaster{}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn(ctx, "redis unreachable, falling back to in-process runtime store", "error", err.Error())
		return runtimeregistry.NewMemStore(), runtimeregistry.NoopBroadcaster{}
	}
	return runtimeregistry.NewRedisStore(rdb, "orgx:runtime:"), runtimeregistry.NewRedisBroadcaster(rdb)
}

// agentSpawner builds the dispatch.Spawner that launches cfg.AgentBinary
// as a detached child (spec.md §4.5 step 4). The prompt travels as a CLI
// argument rather than over stdin/stdout, since LaunchDetached attaches no
// pipes at all (the agent runtime writes its own transcript to disk).
func agentSpawner(cfg *config.Config) dispatch.Spawner {
	return func(ctx context.Context, agentID, sessionID, prompt string) (dispatch.LaunchedProcess, error) {
		if _, err := exec.LookPath(cfg.AgentBinary); err != nil {
			return dispatch.LaunchedProcess{}, fmt.Errorf("locate agent binary %q: %w", cfg.AgentBinary, err)
		}
		args := []string{"agents", "run", "--agent", agentID, "--session", sessionID, "--message", prompt}
		env := append(os.Environ(),
			"ORGX_AGENT_ID="+agentID,
			"ORGX_SESSION_ID="+sessionID,
			"ORGX_HOOK_ENDPOINT=http://"+cfg.HTTPAddr+"/orgx/api/hooks/runtime",
			"ORGX_HOOK_TOKEN="+cfg.HookToken,
		)
		if path, err := store.EnsureHookTrampoline(cfg.StateDir()); err == nil {
			env = append(env, "ORGX_HOOK_SCRIPT="+path)
		}
		return dispatch.LaunchDetached(ctx, cfg.AgentBinary, args, cfg.HomeDir, env)
	}
}

// prepareStateDirs creates the persisted-state directory tree spec.md §6
// requires, dir mode 0700.
func prepareStateDirs(cfg *config.Config) error {
	for _, dir := range []string{cfg.StateDir(), cfg.OutboxDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}

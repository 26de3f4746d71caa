// Package daemon assembles the runtime: stores, engine, channels, router,
// supervisor, vision worker, scheduler, and reflection loops, supervised as
// one group with coordinated shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/internal/channels/discord"
	"github.com/haasonsaas/nexus/internal/channels/slack"
	"github.com/haasonsaas/nexus/internal/channels/telegram"
	"github.com/haasonsaas/nexus/internal/channels/whatsapp"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/cron"
	"github.com/haasonsaas/nexus/internal/gateway"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/internal/multiagent"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/outbound"
	"github.com/haasonsaas/nexus/internal/reflection"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/skills"
	"github.com/haasonsaas/nexus/internal/tools/crontool"
	"github.com/haasonsaas/nexus/internal/tools/gif"
	"github.com/haasonsaas/nexus/internal/tools/media"
	"github.com/haasonsaas/nexus/internal/tools/memorytools"
	"github.com/haasonsaas/nexus/internal/tools/sessiontools"
	"github.com/haasonsaas/nexus/internal/tools/shell"
	subagenttools "github.com/haasonsaas/nexus/internal/tools/subagent"
	"github.com/haasonsaas/nexus/internal/tools/sysinfo"
	"github.com/haasonsaas/nexus/internal/tools/visiontool"
	"github.com/haasonsaas/nexus/internal/tools/web"
	"github.com/haasonsaas/nexus/internal/vision"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Daemon owns the assembled runtime.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *sessions.SQLStore
	memory     *memory.Store
	runtime    *agent.Runtime
	registry   *channels.Registry
	egress     *outbound.Egress
	router     *gateway.Router
	supervisor *multiagent.Supervisor
	visionWkr  *vision.Worker
	scheduler  *cron.Scheduler
	httpServer *gateway.Server
	skills     *skills.Manager
	metrics    *observability.Metrics
}

// New wires every component from the configuration. Nothing starts until
// Run is called.
func New(cfg *config.Config) (*Daemon, error) {
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	if _, err := observability.SetupTracing(context.Background(), cfg.Tracing); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.WorkDir, cfg.MemoryDir(), cfg.SkillsDir(), cfg.ScreenshotsDir(), cfg.SessionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("daemon: create %s: %w", dir, err)
		}
	}

	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	store, err := sessions.OpenSQLStore(driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}

	mem, err := memory.NewStore(cfg.MemoryDir(), logger)
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	runtime := agent.NewRuntime(provider, store)
	runtime.SetDefaultModel(cfg.LLM.Model)
	runtime.SetMaxIterations(cfg.LLM.MaxIterations)
	runtime.SetToolResultGuard(agent.ToolResultGuard{
		Enabled:         true,
		MaxChars:        agent.DefaultMaxToolResultSize,
		SanitizeSecrets: true,
	})

	registry := channels.NewRegistry()
	if err := registerAdapters(registry, cfg, logger); err != nil {
		return nil, err
	}
	egress := outbound.New(registry, logger)

	selfTag := cfg.Gateway.SelfTag
	if selfTag == "" {
		identityBlob, _ := mem.Read(memory.Identity)
		selfTag = agent.ParseIdentityMarkdown(identityBlob).SelfTag("Nexus")
	}

	pending := gateway.NewPendingQuestions()
	router := gateway.NewRouter(gateway.Config{
		SelfTag:        selfTag,
		AllowFrom:      cfg.Gateway.AllowFrom,
		ResetCommand:   cfg.Gateway.ResetCommand,
		TypingInterval: cfg.TypingInterval(),
	}, store, runtime, egress, mem, pending, logger)
	router.SetMetrics(metrics)

	supervisor := multiagent.NewSupervisor(runtime, store, egress, selfTag, logger)

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		memory:     mem,
		runtime:    runtime,
		registry:   registry,
		egress:     egress,
		router:     router,
		supervisor: supervisor,
		metrics:    metrics,
	}

	if cfg.Vision.Enabled {
		screen := vision.NewPlaywrightScreen(cfg.Vision.Width, cfg.Vision.Height)
		visionProvider := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.Vision.APIKey,
			BaseURL:      cfg.Vision.BaseURL,
			DefaultModel: cfg.Vision.Model,
		})
		d.visionWkr = vision.NewWorker(screen, visionProvider, cfg.Vision.Model, egress, pending, selfTag, cfg.ScreenshotsDir(), logger)
		supervisor.SetVisionSubmit(func(parentSessionID, goal string, isCorrection bool) error {
			platform := models.ChannelWhatsApp
			if session, err := store.Get(context.Background(), parentSessionID); err == nil && session.Channel != "" {
				platform = session.Channel
			}
			return d.visionWkr.Submit(goal, parentSessionID, platform, isCorrection)
		})
		supervisor.SetResourceReleaser(func(ctx context.Context, parentSessionID string) {
			// Best effort: the singleton screen is shared, so teardown is a
			// no-op unless the whole worker is being stopped elsewhere.
			d.logger.Info("resource release requested", "session", parentSessionID)
		})
	}

	jobStore, err := cron.NewSQLJobStore(store.DB(), driver)
	if err != nil {
		return nil, err
	}
	d.scheduler = cron.NewScheduler(jobStore, cron.TurnRunnerFunc(d.runDetachedTurn),
		cron.WithLogger(logger),
		cron.WithNotifier(cron.NotifierFunc(d.notifyJobResult)),
	)

	skillsManager, err := skills.NewManager(cfg.SkillsDir(), logger)
	if err != nil {
		return nil, err
	}
	d.skills = skillsManager

	d.registerTools()

	d.httpServer = gateway.NewServer(cfg.Server.Addr, router, store, d.scheduler, logger)
	return d, nil
}

func buildProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	switch cfg.Provider {
	case "", "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		}), nil
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		}), nil
	default:
		return nil, fmt.Errorf("daemon: unknown llm provider %q", cfg.Provider)
	}
}

func registerAdapters(registry *channels.Registry, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Channels.WhatsApp.Enabled {
		adapter, err := whatsapp.New(&cfg.Channels.WhatsApp, logger)
		if err != nil {
			return err
		}
		registry.Register(adapter)
	}
	if cfg.Channels.Telegram.Enabled {
		registry.Register(telegram.New(cfg.Channels.Telegram, logger))
	}
	if cfg.Channels.Discord.Enabled {
		registry.Register(discord.New(cfg.Channels.Discord, logger))
	}
	if cfg.Channels.Slack.Enabled {
		registry.Register(slack.New(cfg.Channels.Slack, logger))
	}
	return nil
}

// registerTools populates the engine's tool registry.
func (d *Daemon) registerTools() {
	shellTimeout := time.Duration(d.cfg.Tools.ShellTimeoutSeconds) * time.Second
	d.runtime.RegisterTool(shell.New(d.cfg.WorkDir, shellTimeout))
	var sizer sysinfo.ScreenSizer
	if d.visionWkr != nil {
		sizer = visionScreenSizer{d.cfg.Vision.Width, d.cfg.Vision.Height}
	}
	d.runtime.RegisterTool(sysinfo.New(sizer))
	for _, tool := range memorytools.All(d.memory) {
		d.runtime.RegisterTool(tool)
	}
	d.runtime.RegisterTool(sessiontools.NewCreateTool(d.store))
	d.runtime.RegisterTool(web.NewFetchTool())
	d.runtime.RegisterTool(skills.NewTool(d.skills))
	d.runtime.RegisterTool(crontool.New(d.scheduler))
	d.runtime.RegisterTool(media.New(d.egress))
	if d.cfg.Tools.GifAPIKey != "" {
		d.runtime.RegisterTool(gif.New(d.egress, d.cfg.Tools.GifAPIKey))
	}
	d.runtime.RegisterTool(subagenttools.NewDelegateTool(d.supervisor))
	d.runtime.RegisterTool(subagenttools.NewListTool(d.supervisor))
	d.runtime.RegisterTool(subagenttools.NewKillTool(d.supervisor))
	d.runtime.RegisterTool(subagenttools.NewMessageTool(d.supervisor))
	if d.visionWkr != nil {
		d.runtime.RegisterTool(visiontool.New(d.visionWkr))
	}
}

// visionScreenSizer adapts the configured viewport for the sysinfo tool.
type visionScreenSizer struct{ width, height int }

func (v visionScreenSizer) Size(ctx context.Context) (int, int, error) {
	return v.width, v.height, nil
}

// runDetachedTurn runs one engine turn under an ephemeral session id —
// used by cron fires and reflection loops.
func (d *Daemon) runDetachedTurn(ctx context.Context, sessionID, task string) (string, error) {
	start := time.Now()
	defer d.metrics.ObserveTurn("detached", start)

	session, err := d.store.Get(ctx, sessionID)
	if err != nil {
		session = &models.Session{ID: sessionID, Key: sessionID, Channel: models.ChannelAPI}
		if createErr := d.store.Create(ctx, session); createErr != nil {
			if existing, getErr := d.store.Get(ctx, sessionID); getErr == nil {
				session = existing
			} else {
				return "", createErr
			}
		}
	}
	return d.router.RunTurn(ctx, session, session.Channel, task)
}

// notifyJobResult delivers a fired job's final text to the first
// allow-listed recipient on the phone-messenger platform, if any.
func (d *Daemon) notifyJobResult(ctx context.Context, job *cron.Job, text string) {
	recipient, ok := gateway.FirstAllowedRecipient(d.cfg.Gateway.AllowFrom, models.ChannelWhatsApp)
	if !ok {
		d.logger.Info("cron result has no recipient", "job", job.Name)
		return
	}
	d.egress.SendLogged(ctx, outbound.Envelope{
		To:       recipient,
		Platform: models.ChannelWhatsApp,
		Message:  fmt.Sprintf("%s ⏰ %s: %s", d.router.SelfTag(), job.Name, text),
	})
}

// Run starts every daemon and blocks until ctx is cancelled or a fatal
// component error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if err := d.registry.StartAll(ctx); err != nil {
		return fmt.Errorf("daemon: start channels: %w", err)
	}
	inbound := d.registry.AggregateMessages(ctx)
	group.Go(func() error {
		d.router.ConsumeAdapters(ctx, inbound)
		return nil
	})

	if err := d.scheduler.Start(ctx); err != nil {
		return err
	}

	if d.visionWkr != nil {
		if err := d.visionWkr.Start(ctx); err != nil {
			return err
		}
	}

	busy := reflection.BusyCheckerFunc(func() bool {
		if d.supervisor.AnyBusy() {
			return true
		}
		return d.visionWkr != nil && d.visionWkr.Busy()
	})
	runner := reflection.TurnRunnerFunc(d.runDetachedTurn)

	heartbeat := reflection.NewHeartbeat(d.cfg.Reflection.HeartbeatFile, runner, busy, d.logger)
	group.Go(func() error { heartbeat.Run(ctx); return nil })

	subconscious := reflection.NewSubconscious(reflection.SubconsciousConfig{
		MinInterval: time.Duration(d.cfg.Reflection.SubconsciousMinMinutes) * time.Minute,
		MaxInterval: time.Duration(d.cfg.Reflection.SubconsciousMaxMinutes) * time.Minute,
	}, d.memory, runner, d.logger)
	group.Go(func() error { subconscious.Run(ctx); return nil })

	conscious := reflection.NewConscious(reflection.ConsciousConfig{
		MinInterval: time.Duration(d.cfg.Reflection.ConsciousMinMinutes) * time.Minute,
		MaxInterval: time.Duration(d.cfg.Reflection.ConsciousMaxMinutes) * time.Minute,
	}, d.memory, runner, d.logger)
	group.Go(func() error { conscious.Run(ctx); return nil })

	group.Go(func() error { return d.httpServer.Start() })
	group.Go(func() error {
		<-ctx.Done()
		d.shutdown()
		return nil
	})

	d.logger.Info("nexus runtime started", "addr", d.cfg.Server.Addr, "self_tag", d.router.SelfTag())
	return group.Wait()
}

func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = d.httpServer.Shutdown(shutdownCtx)
	_ = d.scheduler.Stop(shutdownCtx)
	if d.visionWkr != nil {
		_ = d.visionWkr.Stop(shutdownCtx)
	}
	_ = d.registry.StopAll(shutdownCtx)
	_ = d.skills.Close()
	_ = d.memory.Close()
	_ = d.store.Close()
}

// Store exposes the session store for CLI subcommands.
func (d *Daemon) Store() *sessions.SQLStore { return d.store }

// Memory exposes the memory store for CLI subcommands.
func (d *Daemon) Memory() *memory.Store { return d.memory }

// Scheduler exposes the cron scheduler for CLI subcommands.
func (d *Daemon) Scheduler() *cron.Scheduler { return d.scheduler }

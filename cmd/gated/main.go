package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/knothq/gated/internal/agent"
	"github.com/knothq/gated/internal/audit"
	"github.com/knothq/gated/internal/auth"
	"github.com/knothq/gated/internal/bridge"
	"github.com/knothq/gated/internal/bus"
	"github.com/knothq/gated/internal/channels"
	"github.com/knothq/gated/internal/config"
	"github.com/knothq/gated/internal/cron"
	"github.com/knothq/gated/internal/gateway"
	"github.com/knothq/gated/internal/health"
	otelPkg "github.com/knothq/gated/internal/otel"
	"github.com/knothq/gated/internal/persistence"
	"github.com/knothq/gated/internal/skills"
	"github.com/knothq/gated/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the daemon (gateway + node bridge)
  %s serve                    Same as above

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s hashpw <password>        Print a bcrypt hash for gateway.auth.password_hash
  %s version                  Print version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GATED_HOME              Data directory (default: ~/.gated)
  GATED_GATEWAY_PORT      Gateway WS port override
  GATED_AUTH_TOKEN        Connect token override
  TELEGRAM_TOKEN          Telegram bot token (enables the channel when
                          channels.telegram.enabled is set)
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "hashpw":
			os.Exit(runHashpwCommand(args[1:]))
		case "serve":
			// Fall through to the daemon below.
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runServe(ctx, stop)
}

func runServe(ctx context.Context, stop context.CancelFunc) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet console logs when stdout is not a terminal; a supervisor
	// collecting stdout would otherwise double up with logs/system.jsonl.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	bindHost, err := config.ResolveBindHost(cfg.Gateway.Bind)
	if err != nil {
		fatalStartup(logger, "E_BIND_RESOLVE", err)
	}
	if bindHost != "127.0.0.1" && len(cfg.Gateway.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected",
			"bind", cfg.Gateway.Bind)
	}

	if cfg.Gateway.Auth.Mode == "token" && cfg.Gateway.Auth.Token == "" {
		token, err := loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
		cfg.Gateway.Auth.Token = token
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Endpoint: cfg.Otel.Endpoint,
		Insecure: cfg.Otel.Insecure,
		Version:  Version,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "gated.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.New()
	authn := auth.New(cfg.Gateway.Auth)
	runner := agent.NewHostRunner(eventBus)

	var bridgeSrv *bridge.Server
	if cfg.Bridge.Enabled {
		bridgeHost, err := config.ResolveBindHost(cfg.Bridge.Bind)
		if err != nil {
			fatalStartup(logger, "E_BIND_RESOLVE", err)
		}
		bridgeSrv = bridge.NewServer(bridge.Config{
			Logger: logger,
			Bus:    eventBus,
			Store:  store,
			Host:   bridgeHost,
			Port:   cfg.Bridge.Port,
		})
		if err := bridgeSrv.Start(ctx); err != nil {
			fatalStartup(logger, "E_BRIDGE_LISTENER_BIND", err)
		}
		defer bridgeSrv.Stop()
		logger.Info("startup phase", "phase", "bridge_listener_bound", "port", cfg.Bridge.Port)
	}

	mgr := channels.NewManager(channels.Config{
		Logger: logger,
		Bus:    eventBus,
		Store:  store,
		Runner: runner,
	})
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			mgr.Register(channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				logger,
				eventBus,
			))
		}
	}
	if cfg.Channels.Web.Enabled {
		mgr.Register(channels.NewWebChannel(logger, eventBus))
	}
	mgr.Start(ctx)
	defer mgr.Stop()

	for _, dir := range []string{"skills", "installed"} {
		if err := os.MkdirAll(filepath.Join(cfg.HomeDir, dir), 0o755); err != nil {
			fatalStartup(logger, "E_SKILL_DIR_CREATE", err)
		}
	}
	projectSkillsDir := ""
	if cfg.Skills.Dir != "" {
		abs, err := filepath.Abs(cfg.Skills.Dir)
		if err != nil {
			logger.Warn("ignoring invalid skills.dir", "dir", cfg.Skills.Dir, "error", err)
		} else {
			projectSkillsDir = abs
		}
	}
	skillSvc := skills.NewService(skills.ServiceConfig{
		Logger:     logger,
		Store:      store,
		HomeDir:    cfg.HomeDir,
		ProjectDir: projectSkillsDir,
	})
	if err := skillSvc.Start(ctx); err != nil {
		fatalStartup(logger, "E_SKILL_WATCHER_START", err)
	}

	var sched *cron.Scheduler
	if cfg.Cron.Enabled {
		sched = cron.NewScheduler(cron.Config{
			Store:    store,
			Bus:      eventBus,
			Logger:   logger,
			Interval: time.Duration(cfg.Cron.IntervalSeconds) * time.Second,
		})
		sched.Start(ctx)
		defer sched.Stop()
		logger.Info("startup phase", "phase", "scheduler_started")
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			newFingerprint := newCfg.Fingerprint()
			if newFingerprint == fingerprint {
				continue
			}
			fingerprint = newFingerprint
			eventBus.Publish(bus.TopicConfigChanged, bus.ConfigChangedEvent{Fingerprint: newFingerprint})
			logger.Info("config.yaml reloaded; restart to apply listener changes",
				"fingerprint", newFingerprint)
		}
	}()

	probes := []health.Probe{
		health.ProbeFunc{
			ProbeName: "database",
			Fn: func(ctx context.Context) health.ProbeResult {
				start := time.Now()
				err := store.Ping(ctx)
				res := health.ProbeResult{Name: "database", OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
				if err != nil {
					res.Detail = err.Error()
				}
				return res
			},
		},
		health.ProbeFunc{
			ProbeName: "home",
			Fn: func(context.Context) health.ProbeResult {
				start := time.Now()
				probe := filepath.Join(cfg.HomeDir, ".write_test")
				err := os.WriteFile(probe, []byte("ok"), 0o600)
				os.Remove(probe)
				res := health.ProbeResult{Name: "home", OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
				if err != nil {
					res.Detail = err.Error()
				}
				return res
			},
		},
	}

	gw, err := gateway.New(gateway.Config{
		Logger:       logger,
		Bus:          eventBus,
		Store:        store,
		Auth:         authn,
		Runner:       runner,
		Bridge:       bridgeSrv,
		Scheduler:    sched,
		Channels:     mgr,
		Skills:       skillSvc,
		Cfg:          cfg,
		HealthProbes: probes,
		Metrics:      metrics,
		Version:      Version,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.Start(ctx)

	addr := net.JoinHostPort(bindHost, fmt.Sprintf("%d", cfg.Gateway.Port))
	server := &http.Server{
		Addr:    addr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_GATEWAY_LISTENER_BIND",
				fmt.Errorf("%w\n\n  %s", err, portOccupantHint(addr)))
		}
		fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", addr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	// Stop intake first so no new connections race the shutdown broadcast.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	gw.Stop()
	logger.Info("shutdown complete")
}

func runHashpwCommand(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: gated hashpw <password>")
		return 2
	}
	hash, err := auth.HashPassword(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hashpw: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"daemon","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change gateway.port in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change gateway.port in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken reads auth.token from the daemon home, generating and
// persisting one on first run.
func loadAuthToken(homeDir string) (string, error) {
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create home: %w", err)
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

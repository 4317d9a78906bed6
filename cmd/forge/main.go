package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/forge/pkg/api"
	"github.com/cuemby/forge/pkg/locks"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/ratelimit"
	"github.com/cuemby/forge/pkg/sandbox"
	"github.com/cuemby/forge/pkg/scheduler"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge - autonomous code-generation orchestrator",
	Long: `Forge supervises a fleet of sandboxed coding-agent workers against a
shared queue of code-change work items: it dispatches, rate-limits,
reaps, and reports on them through a single control-plane binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Forge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerRegisterCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API, supervisory loop, and metrics collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// workerRegisterCmd is a manual test helper: it calls POST
// /api/worker/register directly, in place of the agent inside a sandbox
// container. The call succeeds only while a spawned worker for the work
// item is still active, since Register does not create worker rows.
var workerRegisterCmd = &cobra.Command{
	Use:   "worker-register",
	Short: "Register against a work item's active worker (test helper)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		workItemID, _ := cmd.Flags().GetString("work-item")
		return registerWorker(addr, workItemID)
	},
}

func init() {
	workerRegisterCmd.Flags().String("addr", "http://localhost:8080", "Control API base address")
	workerRegisterCmd.Flags().String("work-item", "", "Work item ID to register against (required)")
	_ = workerRegisterCmd.MarkFlagRequired("work-item")
}

// config is resolved from the environment via manual os.Getenv defaults
// rather than pulling in a config framework.
type config struct {
	addr                  string
	databaseDSN           string
	redisAddr             string
	containerdSocket      string
	executionImage        string
	verificationImage     string
	orchestratorURL       string
	maxWorkers            int
	cooldownSeconds       int
	dailyBudget           int64
	staleThresholdSeconds int
	loopInterval          time.Duration
	metricsInterval       time.Duration
	cpuLimit              float64
	memoryLimitBytes      int64
	workspaceBaseDir      string
}

func loadConfig() config {
	return config{
		addr:                  getenv("FORGE_ADDR", ":8080"),
		databaseDSN:           os.Getenv("FORGE_DATABASE_DSN"),
		redisAddr:             getenv("FORGE_REDIS_ADDR", "localhost:6379"),
		containerdSocket:      os.Getenv("FORGE_CONTAINERD_SOCKET"),
		executionImage:        getenv("FORGE_EXECUTION_IMAGE", "forge/agent-execution:latest"),
		verificationImage:     getenv("FORGE_VERIFICATION_IMAGE", "forge/agent-verification:latest"),
		orchestratorURL:       getenv("FORGE_ORCHESTRATOR_URL", "http://localhost:8080"),
		maxWorkers:            getenvInt("FORGE_MAX_WORKERS", 5),
		cooldownSeconds:       getenvInt("FORGE_SPAWN_COOLDOWN_SECONDS", 10),
		dailyBudget:           int64(getenvInt("FORGE_DAILY_BUDGET", 500)),
		staleThresholdSeconds: getenvInt("FORGE_STALE_THRESHOLD_SECONDS", 120),
		loopInterval:          time.Duration(getenvInt("FORGE_LOOP_INTERVAL_SECONDS", 5)) * time.Second,
		metricsInterval:       time.Duration(getenvInt("FORGE_METRICS_INTERVAL_SECONDS", 15)) * time.Second,
		cpuLimit:              getenvFloat("FORGE_WORKER_CPU_LIMIT", 2.0),
		memoryLimitBytes:      int64(getenvInt("FORGE_WORKER_MEMORY_LIMIT_BYTES", 2<<30)),
		workspaceBaseDir:      os.Getenv("FORGE_WORKSPACE_BASE_DIR"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func runServe(ctx context.Context) error {
	cfg := loadConfig()
	if cfg.databaseDSN == "" {
		return fmt.Errorf("FORGE_DATABASE_DSN is required")
	}

	gw, err := storage.NewPostgresGateway(ctx, cfg.databaseDSN)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer gw.Close()
	metrics.RegisterComponent("postgres", true, "")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		metrics.RegisterComponent("redis", false, err.Error())
		return fmt.Errorf("connect to redis: %w", err)
	}
	metrics.RegisterComponent("redis", true, "")
	defer rdb.Close()

	runtime, err := sandbox.NewRuntime(cfg.containerdSocket)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer runtime.Close()

	queueMgr := queue.NewManager(gw)
	lockSvc := locks.NewService(gw)
	limiter := ratelimit.NewLimiter(gw, rdb, ratelimit.Config{
		MaxWorkers:      cfg.maxWorkers,
		CooldownSeconds: cfg.cooldownSeconds,
		DailyBudget:     cfg.dailyBudget,
	})
	workerMgr := worker.NewManager(gw, runtime, lockSvc, limiter, queueMgr, worker.Config{
		ExecutionImage:        cfg.executionImage,
		VerificationImage:     cfg.verificationImage,
		OrchestratorURL:       cfg.orchestratorURL,
		StaleThresholdSeconds: cfg.staleThresholdSeconds,
		CPULimit:              cfg.cpuLimit,
		MemoryLimitBytes:      cfg.memoryLimitBytes,
		WorkspaceBaseDir:      cfg.workspaceBaseDir,
	})

	loop := scheduler.NewLoop(queueMgr, workerMgr, scheduler.Config{LoopInterval: cfg.loopInterval})
	loop.Start()
	defer loop.Stop()

	agg := metrics.NewAggregator(gw, limiter, cfg.dailyBudget)
	collector := metrics.NewCollector(agg, cfg.metricsInterval)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(api.Deps{
		Queue:   queueMgr,
		Workers: workerMgr,
		Locks:   lockSvc,
		Limiter: limiter,
		Metrics: agg,
		Gateway: gw,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control API server: %w", err)
		}
	case <-sigCh:
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown control API server: %w", err)
		}
	}
	return nil
}

func registerWorker(addr, workItemID string) error {
	body, err := json.Marshal(map[string]string{"workItemId": workItemID})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(addr+"/api/worker/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server returned %s: %v", resp.Status, out)
	}
	fmt.Printf("✓ registered as worker %v for work item %s\n", out["workerId"], workItemID)
	return nil
}

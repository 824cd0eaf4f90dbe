// Command omrchain-node runs the OMR evaluation node: the HTTP surface,
// the workflow worker pool, the tamper-evident ledger and the SQLite
// entity store, wired together from environment configuration.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/redis/go-redis/v9"

	"github.com/Scrutineer-Labs/omrchain/pkg/adapters"
	"github.com/Scrutineer-Labs/omrchain/pkg/api"
	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"
	"github.com/Scrutineer-Labs/omrchain/pkg/imagestore"
	"github.com/Scrutineer-Labs/omrchain/pkg/intervention"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/observability"
	"github.com/Scrutineer-Labs/omrchain/pkg/pipeline"
	"github.com/Scrutineer-Labs/omrchain/pkg/quality"
	"github.com/Scrutineer-Labs/omrchain/pkg/reconcile"
	"github.com/Scrutineer-Labs/omrchain/pkg/resultcache"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"

	_ "github.com/lib/pq" // Postgres driver for the block archive
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the server out.
var startServer = runServer

// Run dispatches subcommands. No arguments starts the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "serve":
		startServer()
		return 0
	case "sign":
		return runSignCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stdout, "Unknown command: %s. Defaulting to serve...\n", args[1])
		startServer()
		return 0
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: omrchain-node <command> [arguments]")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  serve      Run the evaluation node (default)")
	_, _ = fmt.Fprintln(w, "  sign       Produce a detached signature with a seed-derived signer key")
	_, _ = fmt.Fprintln(w, "  validate   Check a ledger file's hash chain and exit")
	_, _ = fmt.Fprintln(w, "  help       Show this help")
}

//nolint:gocognit,gocyclo
func runServer() {
	log.Println("[omrchain] node starting")
	ctx := context.Background()

	// Entity store.
	st, err := store.Open(getenvDefault("DATABASE_PATH", "omrchain.db"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	log.Println("[omrchain] store: ready")

	// Signer registry. Finalization blocks verify against these keys.
	reg, err := crypto.LoadRegistry(getenvRequired("SIGNERS_REGISTRY_PATH"))
	if err != nil {
		log.Fatalf("Failed to load signer registry: %v", err)
	}
	log.Printf("[omrchain] signer registry: %d kinds", len(reg.Kinds()))

	// Seed-derived signer keys let the node finalize without an
	// external signature payload. They must match the registry, or
	// every finalize would fail at the signature policy.
	signers := make(map[string]crypto.Signer)
	if seed := os.Getenv("SIGNERS_MASTER_SEED"); seed != "" {
		for _, kind := range crypto.RequiredKinds {
			s, derr := crypto.DeriveSigner(seed, kind)
			if derr != nil {
				log.Fatalf("Failed to derive %s signer: %v", kind, derr)
			}
			if pk, ok := reg.PublicKey(kind); !ok || pk != s.PublicKey() {
				log.Fatalf("Derived %s key does not match the signer registry", kind)
			}
			signers[kind] = s
		}
		log.Println("[omrchain] signers: derived from master seed")
	}

	// Optional Postgres block archive.
	ledOpts := []ledger.Option{
		ledger.WithDifficulty(getenvIntDefault("LEDGER_DIFFICULTY_HEX_ZEROS", 0)),
		ledger.WithMiningBudget(uint64(getenvIntDefault("LEDGER_MINING_BUDGET", ledger.DefaultMiningBudget))),
		ledger.WithPolicy(ledger.NewFinalizePolicy(reg)),
	}
	var arch *ledger.Archive
	var archDB *sql.DB
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		archDB, err = sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to archive DB: %v", err)
		}
		if err := archDB.PingContext(ctx); err != nil {
			log.Fatalf("Archive DB ping failed: %v", err)
		}
		arch = ledger.NewArchive(archDB)
		if err := arch.Init(ctx); err != nil {
			log.Fatalf("Failed to init block archive: %v", err)
		}
		ledOpts = append(ledOpts, ledger.WithArchive(arch))
		log.Println("[omrchain] block archive: postgres")
	}

	// Ledger.
	ledgerPath := getenvRequired("LEDGER_PATH")
	led, err := ledger.Open(ledgerPath, ledOpts...)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	log.Printf("[omrchain] ledger: %d blocks at %s", led.Len(), ledgerPath)

	if err := led.Validate(); err != nil {
		log.Printf("[omrchain] ledger validation FAILED, chain is read-only: %v", err)
	} else {
		log.Println("[omrchain] ledger: validated")
	}

	if arch != nil {
		if err := arch.Backfill(ctx, led.Snapshot()); err != nil {
			log.Printf("[omrchain] archive backfill failed (mirror only): %v", err)
		}
	}

	// Image store.
	images, err := imagestore.FromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to init image store: %v", err)
	}
	log.Printf("[omrchain] image store: %s", getenvDefault("ARTIFACT_STORAGE_TYPE", "fs"))

	// Upstream adapters.
	timeout := getenvSeconds("ADAPTER_TIMEOUT_SECONDS", 30*time.Second)
	attempts := getenvIntDefault("ADAPTER_MAX_ATTEMPTS", 3)
	totalBudget := getenvSeconds("ADAPTER_TOTAL_BUDGET_SECONDS", 90*time.Second)
	adapterRate := rate.Limit(getenvFloatDefault("ADAPTER_RATE_LIMIT_PER_SECOND", 10))

	recoveryClient := adapters.NewRecoveryClient(adapters.Config{
		Name:        "recovery",
		BaseURL:     getenvRequired("RECOVERY_SERVICE_URL"),
		Timeout:     timeout,
		MaxAttempts: attempts,
		TotalBudget: totalBudget,
		RateLimit:   adapterRate,
		MinVersion:  os.Getenv("RECOVERY_SERVICE_MIN_VERSION"),
	})
	aiClient := adapters.NewAIClient(adapters.Config{
		Name:        "ai",
		BaseURL:     getenvRequired("AI_SERVICE_URL"),
		Timeout:     timeout,
		MaxAttempts: attempts,
		TotalBudget: totalBudget,
		RateLimit:   adapterRate,
		MinVersion:  os.Getenv("AI_SERVICE_MIN_VERSION"),
	})

	// A failed handshake is not fatal: the upstream may come up after
	// the node, and every call re-checks availability anyway.
	hctx, hcancel := context.WithTimeout(ctx, 5*time.Second)
	if err := recoveryClient.Handshake(hctx); err != nil {
		log.Printf("[omrchain] recovery service handshake failed: %v", err)
	}
	if err := aiClient.Handshake(hctx); err != nil {
		log.Printf("[omrchain] ai service handshake failed: %v", err)
	}
	hcancel()

	set := &adapters.Set{
		Quality:     recoveryClient,
		Reconstruct: recoveryClient,
		KeyVerify:   aiClient,
		Solve:       aiClient,
	}

	// Telemetry.
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = getenvBoolDefault("OTEL_ENABLED", false)
	obsCfg.OTLPEndpoint = getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", obsCfg.OTLPEndpoint)
	obsCfg.Insecure = getenvBoolDefault("OTEL_INSECURE", obsCfg.Insecure)
	obsCfg.SampleRate = getenvFloatDefault("OTEL_SAMPLE_RATE", obsCfg.SampleRate)
	obsCfg.Environment = getenvDefault("OMRCHAIN_ENV", obsCfg.Environment)
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}
	if obsCfg.Enabled {
		set = observability.InstrumentAdapters(obs, set)
		log.Printf("[omrchain] telemetry: otlp at %s", obsCfg.OTLPEndpoint)
	}

	// Quality gate rules. Bad CEL must not reach the first sheet.
	var qopts []quality.Option
	if expr := os.Getenv("QUALITY_REJECT_RULE"); expr != "" {
		qopts = append(qopts, quality.WithRejectRule(expr))
	}
	if expr := os.Getenv("QUALITY_REVIEW_RULE"); expr != "" {
		qopts = append(qopts, quality.WithReviewRule(expr))
	}
	if expr := os.Getenv("QUALITY_RECONSTRUCT_RULE"); expr != "" {
		qopts = append(qopts, quality.WithReconstructRule(expr))
	}
	gate, err := quality.NewPolicy(qopts...)
	if err != nil {
		log.Fatalf("Failed to compile quality rules: %v", err)
	}

	queue := intervention.New(st, led)

	solveScope := pipeline.SolveScope(getenvDefault("PIPELINE_AI_SOLVE_SCOPE", string(pipeline.SolveAll)))
	switch solveScope {
	case pipeline.SolveAll, pipeline.SolveDisputedOnly:
	default:
		log.Fatalf("PIPELINE_AI_SOLVE_SCOPE must be all or disputed_only, got %q", solveScope)
	}
	multiplePolicy := reconcile.MultiplePolicy(getenvDefault("SCORING_MULTIPLE_MARK_POLICY", string(reconcile.MultipleZero)))
	switch multiplePolicy {
	case reconcile.MultipleZero, reconcile.MultipleExclude:
	default:
		log.Fatalf("SCORING_MULTIPLE_MARK_POLICY must be zero or exclude, got %q", multiplePolicy)
	}

	workers := getenvIntDefault("ORCHESTRATOR_WORKERS", pipeline.DefaultWorkers())
	pipe, err := pipeline.New(pipeline.Deps{
		Store:    st,
		Ledger:   led,
		Queue:    queue,
		Adapters: set,
		Quality:  gate,
		Images:   images,
		Signers:  signers,
	}, pipeline.Config{
		Workers:       workers,
		SheetDeadline: getenvSeconds("ORCHESTRATOR_SHEET_DEADLINE_SECONDS", pipeline.DefaultSheetDeadline),
		AISolveScope:  solveScope,
		Reconcile: reconcile.Config{
			LowConfidenceThreshold: getenvFloatDefault("RECONCILE_LOW_CONFIDENCE_THRESHOLD", 0),
		},
		Scoring: reconcile.ScorePolicy{
			MultipleMark: multiplePolicy,
			Tolerance:    getenvFloatDefault("SCORING_MARKS_TALLY_TOLERANCE", 0),
		},
	})
	if err != nil {
		log.Fatalf("Failed to wire pipeline: %v", err)
	}

	// Journal recovery before any traffic: undo half-applied
	// transitions, confirm chain-committed ones, rebuild the pin index.
	rep, err := pipe.Recover(ctx)
	if err != nil {
		log.Fatalf("Journal recovery failed: %v", err)
	}
	log.Printf("[omrchain] recovery: %d confirmed, %d rolled back", rep.Completed, rep.RolledBack)

	// Worker pool.
	pool := pipeline.NewPool(pipe)
	poolCtx, poolCancel := context.WithCancel(ctx)
	defer poolCancel()
	if err := pool.Start(poolCtx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}
	if n, rerr := pool.Requeue(ctx); rerr != nil {
		log.Printf("[omrchain] requeue failed: %v", rerr)
	} else if n > 0 {
		log.Printf("[omrchain] requeued %d unfinished sheets", n)
	}
	log.Printf("[omrchain] workers: %d", workers)

	// Result cache.
	var cache *resultcache.Cache
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		pctx, pcancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			log.Printf("[omrchain] redis ping failed (cache degrades to store): %v", err)
		}
		pcancel()
		cache = resultcache.NewCache(rdb)
		log.Printf("[omrchain] result cache: redis at %s", addr)
	} else {
		log.Println("[omrchain] result cache: store only")
	}
	results := resultcache.NewSource(st, cache)

	// HTTP surface.
	apiOpts := []api.Option{api.WithPool(pool)}
	if obsCfg.Enabled {
		apiOpts = append(apiOpts, api.WithTelemetry(obs))
	}
	srv, err := api.NewServer(pipe, st, led, queue, results, api.Config{
		RateRPS:        getenvIntDefault("RATE_LIMIT_RPS", 0),
		RateBurst:      getenvIntDefault("RATE_LIMIT_BURST", 0),
		IdempotencyTTL: getenvSeconds("IDEMPOTENCY_TTL_SECONDS", 24*time.Hour),
		AutoAdvance:    getenvBoolDefault("PIPELINE_AUTO_ADVANCE", true),
	}, apiOpts...)
	if err != nil {
		log.Fatalf("Failed to wire HTTP server: %v", err)
	}

	addr := getenvDefault("HTTP_ADDR", ":8080")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[omrchain] listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Println("[omrchain] ready")
	log.Println("[omrchain] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[omrchain] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[omrchain] http shutdown: %v", err)
	}
	pool.Stop()
	if obsCfg.Enabled {
		_ = obs.Shutdown(shutdownCtx)
	}
	if err := led.Close(); err != nil {
		log.Printf("[omrchain] ledger close: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("[omrchain] store close: %v", err)
	}
	if archDB != nil {
		_ = archDB.Close()
	}
	log.Println("[omrchain] stopped")
}

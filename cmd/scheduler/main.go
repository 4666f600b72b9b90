// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mqc3/scheduler/internal/admission"
	"github.com/mqc3/scheduler/internal/catalog"
	"github.com/mqc3/scheduler/internal/config"
	"github.com/mqc3/scheduler/internal/execution"
	"github.com/mqc3/scheduler/internal/jobqueue"
	"github.com/mqc3/scheduler/internal/lifecycle"
	"github.com/mqc3/scheduler/internal/messagelog"
	"github.com/mqc3/scheduler/internal/obs"
	"github.com/mqc3/scheduler/internal/objectstore"
	"github.com/mqc3/scheduler/internal/paramstore"
	"github.com/mqc3/scheduler/internal/recordstore"
	"github.com/mqc3/scheduler/internal/redisclient"
	"github.com/mqc3/scheduler/internal/roles"
	"github.com/mqc3/scheduler/internal/submission"
	"github.com/mqc3/scheduler/internal/tokenresolver"
)

var version = "dev"

func main() {
	var configPath string
	var region string
	var accessKeyID string
	var secretAccessKey string
	var endpoint string
	var s3Endpoint string
	var dev bool
	var unifyBackends bool
	var submissionPort int
	var executionPort int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&region, "region", "", "AWS region (overrides config)")
	fs.StringVar(&accessKeyID, "access-key-id", "", "AWS access key id (overrides config)")
	fs.StringVar(&secretAccessKey, "secret-access-key", "", "AWS secret access key (overrides config)")
	fs.StringVar(&endpoint, "endpoint", "", "AWS endpoint override for dev/LocalStack (DynamoDB/SSM)")
	fs.StringVar(&s3Endpoint, "s3_endpoint", "", "S3 endpoint override for dev/MinIO")
	fs.BoolVar(&dev, "dev", false, "Set aws.dev in the loaded config (endpoint overrides and static credentials apply with or without it)")
	fs.BoolVar(&unifyBackends, "unify-backends", false, "Collapse every known backend alias onto one canonical queue")
	fs.IntVar(&submissionPort, "port-for-submission", 0, "Submission RPC listener port (overrides config)")
	fs.IntVar(&executionPort, "port-for-execution", 0, "Execution RPC listener port (overrides config)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, region, accessKeyID, secretAccessKey, endpoint, s3Endpoint, dev, unifyBackends, submissionPort, executionPort)

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	objects, err := objectstore.New(cfg)
	if err != nil {
		logger.Fatal("object store init failed", obs.Err(err))
	}
	records, err := recordstore.New(cfg)
	if err != nil {
		logger.Fatal("record store init failed", obs.Err(err))
	}
	params, err := paramstore.New(cfg)
	if err != nil {
		logger.Fatal("parameter store init failed", obs.Err(err))
	}

	rdb := redisclient.New(cfg.MessageLog.Redis)
	defer rdb.Close()
	msgLog := messagelog.New(cfg, rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalogRaw, err := params.GetBackendCatalog(ctx, cfg)
	if err != nil {
		logger.Fatal("backend catalog load failed", obs.Err(err))
	}
	cat, err := catalog.New(catalogRaw, cfg.Queue.UnifyBackends)
	if err != nil {
		logger.Fatal("backend catalog parse failed", obs.Err(err))
	}

	admissionC := admission.New(admission.Limits{
		MaxConcurrent: map[roles.Role]int{
			roles.Admin:     cfg.Roles.MaxConcurrentAdmin,
			roles.Developer: cfg.Roles.MaxConcurrentDeveloper,
			roles.Guest:     cfg.Roles.MaxConcurrentGuest,
		},
		MaxJobBytes: map[roles.Role]int64{
			roles.Admin:     cfg.Roles.MaxJobBytesAdmin,
			roles.Developer: cfg.Roles.MaxJobBytesDeveloper,
			roles.Guest:     cfg.Roles.MaxJobBytesGuest,
		},
	})
	queue := jobqueue.New(cfg.Queue.MaxQueueBytes)
	coord := lifecycle.New(records, msgLog, admissionC, logger)
	sweeper := lifecycle.NewSweeper(coord, records, logger, cfg.Sweeper.Schedule)

	submissionH := submission.New(admissionC, queue, cat, coord, objects, tokenresolver.New(cfg), msgLog, logger, int64(cfg.Servers.SubmissionMaxWorkers))
	executionH := execution.New(queue, coord, objects, logger, int64(cfg.Servers.ExecutionMaxWorkers))

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}

	submissionSrv := startRPCListener(cfg.Servers.SubmissionPort, submissionH.RegisterRoutes, readyCheck)
	executionSrv := startRPCListener(cfg.Servers.ExecutionPort, executionH.RegisterRoutes, readyCheck)
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)

	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("sweeper start failed", obs.Err(err))
	}
	defer sweeper.Stop()

	logger.Info("scheduler started",
		obs.Int("submission_port", cfg.Servers.SubmissionPort),
		obs.Int("execution_port", cfg.Servers.ExecutionPort),
		obs.Int("metrics_port", cfg.Observability.MetricsPort))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	go func() {
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-shutdownCtx.Done():
		}
	}()

	_ = submissionSrv.Shutdown(shutdownCtx)
	_ = executionSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	cancel()
}

// startRPCListener builds a gorilla/mux router with register mounted on it
// plus a readiness probe, and starts serving on port in the background.
// register already mounts its own /healthz (submission.Handler and
// execution.Handler both do); /readyz is added here since it depends on a
// shared check (Redis reachability) neither handler owns.
func startRPCListener(port int, register func(*mux.Router), readiness func(context.Context) error) *http.Server {
	router := mux.NewRouter()
	register(router)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readiness != nil {
			if err := readiness(r.Context()); err != nil {
				http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

func applyFlagOverrides(cfg *config.Config, region, accessKeyID, secretAccessKey, endpoint, s3Endpoint string, dev, unifyBackends bool, submissionPort, executionPort int) {
	if region != "" {
		cfg.AWS.Region = region
	}
	if accessKeyID != "" {
		cfg.AWS.AccessKeyID = accessKeyID
	}
	if secretAccessKey != "" {
		cfg.AWS.SecretAccessKey = secretAccessKey
	}
	if endpoint != "" {
		cfg.AWS.Endpoint = endpoint
	}
	if s3Endpoint != "" {
		cfg.AWS.S3Endpoint = s3Endpoint
	}
	if dev {
		cfg.AWS.Dev = true
	}
	if unifyBackends {
		cfg.Queue.UnifyBackends = true
	}
	if submissionPort != 0 {
		cfg.Servers.SubmissionPort = submissionPort
	}
	if executionPort != 0 {
		cfg.Servers.ExecutionPort = executionPort
	}
}

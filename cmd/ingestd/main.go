// Command ingestd is the ingestion daemon: it wires the process registry,
// dead letter queue, circuit breaker, graph/retrieval/extractor adapters,
// and the bridge into the pipeline orchestrator, starts its worker pool,
// and serves the Accept/Progress/Admin HTTP surface plus a Prometheus
// metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lineread/ingestd/engine/blobstore"
	"github.com/lineread/ingestd/engine/breaker"
	"github.com/lineread/ingestd/engine/bridge"
	"github.com/lineread/ingestd/engine/dlq"
	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/engine/extract"
	"github.com/lineread/ingestd/engine/graphstore"
	"github.com/lineread/ingestd/engine/orchestrator"
	"github.com/lineread/ingestd/engine/progress"
	"github.com/lineread/ingestd/engine/registry"
	"github.com/lineread/ingestd/engine/retrieval"
	"github.com/lineread/ingestd/engine/txn"
	"github.com/lineread/ingestd/httpapi"
	"github.com/lineread/ingestd/pkg/metrics"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/time/rate"
)

// Config holds every runtime option, populated by flags and optionally
// layered under a TOML file.
type Config struct {
	HTTPAddr    string `toml:"http_addr"`
	MetricsPort int    `toml:"metrics_port"`
	DataDir     string `toml:"data_dir"`
	CORSOrigin  string `toml:"cors_origin"`

	WorkerPoolSize int `toml:"worker_pool_size"`

	BreakerFailureThreshold int           `toml:"breaker_failure_threshold"`
	BreakerFailureWindow    time.Duration `toml:"breaker_failure_window"`
	BreakerCooldown         time.Duration `toml:"breaker_cooldown"`

	DLQMaxAttempts int           `toml:"dlq_max_attempts"`
	DLQBaseBackoff time.Duration `toml:"dlq_base_backoff"`
	DLQMaxBackoff  time.Duration `toml:"dlq_max_backoff"`

	TimeoutExtract   time.Duration `toml:"timeout_extract"`
	TimeoutUpload    time.Duration `toml:"timeout_upload"`
	TimeoutGraphTx   time.Duration `toml:"timeout_graph_tx"`
	DocumentDeadline time.Duration `toml:"document_deadline"`

	BridgeOtherFractionWarn float64 `toml:"bridge_other_fraction_warn"`

	Neo4jURL  string `toml:"neo4j_url"`
	Neo4jUser string `toml:"neo4j_user"`
	Neo4jPass string `toml:"neo4j_pass"`

	QdrantAddr       string `toml:"qdrant_addr"`
	QdrantCollection string `toml:"qdrant_collection"`

	ExtractorURL string `toml:"extractor_url"`

	NATSURL string `toml:"nats_url"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:                ":8080",
		MetricsPort:             9091,
		DataDir:                 "/tmp/ingestd-data",
		CORSOrigin:              "*",
		WorkerPoolSize:          4,
		BreakerFailureThreshold: 5,
		BreakerFailureWindow:    60 * time.Second,
		BreakerCooldown:         30 * time.Second,
		DLQMaxAttempts:          8,
		DLQBaseBackoff:          5 * time.Second,
		DLQMaxBackoff:           time.Hour,
		TimeoutExtract:          300 * time.Second,
		TimeoutUpload:           120 * time.Second,
		TimeoutGraphTx:          60 * time.Second,
		DocumentDeadline:        30 * time.Minute,
		BridgeOtherFractionWarn: 0.15,
		Neo4jURL:                "neo4j://localhost:7687",
		Neo4jUser:               "neo4j",
		Neo4jPass:               "password",
		QdrantAddr:              "localhost:6334",
		QdrantCollection:        "ingestd",
		ExtractorURL:            "http://localhost:8090",
		NATSURL:                 "",
	}
}

func loadConfig() Config {
	cfg := defaultConfig()

	var (
		configFile        = flag.String("config", "", "optional TOML file layered under the flags below")
		httpAddr          = flag.String("http-addr", cfg.HTTPAddr, "HTTP listen address")
		metricsPort       = flag.Int("metrics-port", cfg.MetricsPort, "Prometheus metrics port")
		dataDir           = flag.String("data-dir", cfg.DataDir, "directory for blobs, registry log, DLQ log, extract cache")
		corsOrigin        = flag.String("cors-origin", cfg.CORSOrigin, "Access-Control-Allow-Origin")
		workers           = flag.Int("worker-pool-size", cfg.WorkerPoolSize, "max concurrent documents")
		breakerThreshold  = flag.Int("breaker-failure-threshold", cfg.BreakerFailureThreshold, "failures in window to open the breaker")
		breakerWindow     = flag.Duration("breaker-failure-window", cfg.BreakerFailureWindow, "sliding window for breaker failures")
		breakerCooldown   = flag.Duration("breaker-cooldown", cfg.BreakerCooldown, "OPEN to HALF_OPEN delay")
		dlqMaxAttempts    = flag.Int("dlq-max-attempts", cfg.DLQMaxAttempts, "bounded retries for Unknown failures before permanent")
		dlqBaseBackoff    = flag.Duration("dlq-base-backoff", cfg.DLQBaseBackoff, "initial DLQ retry backoff")
		dlqMaxBackoff     = flag.Duration("dlq-max-backoff", cfg.DLQMaxBackoff, "cap on DLQ retry backoff")
		timeoutExtract    = flag.Duration("timeout-extract", cfg.TimeoutExtract, "per extract call timeout")
		timeoutUpload     = flag.Duration("timeout-upload", cfg.TimeoutUpload, "per index upload timeout")
		timeoutGraphTx    = flag.Duration("timeout-graph-tx", cfg.TimeoutGraphTx, "per graph transaction timeout")
		documentDeadline  = flag.Duration("document-deadline", cfg.DocumentDeadline, "outer per-document deadline")
		otherFractionWarn = flag.Float64("bridge-other-fraction-warn", cfg.BridgeOtherFractionWarn, "OTHER-type fraction that triggers a data-quality warning")
		neo4jURL          = flag.String("neo4j-url", cfg.Neo4jURL, "Neo4j bolt URL")
		neo4jUser         = flag.String("neo4j-user", cfg.Neo4jUser, "Neo4j username")
		neo4jPass         = flag.String("neo4j-pass", cfg.Neo4jPass, "Neo4j password")
		qdrantAddr        = flag.String("qdrant-addr", cfg.QdrantAddr, "Qdrant gRPC address")
		qdrantCollection  = flag.String("qdrant-collection", cfg.QdrantCollection, "Qdrant collection name")
		extractorURL      = flag.String("extractor-url", cfg.ExtractorURL, "external extractor base URL")
		natsURL           = flag.String("nats-url", cfg.NATSURL, "NATS server URL for progress publication (empty disables NATS, falling back to local fan-out)")
	)
	flag.Parse()

	if *configFile != "" {
		if _, err := toml.DecodeFile(*configFile, &cfg); err != nil {
			slog.Default().Error("ingestd: failed to load config file", "path", *configFile, "error", err)
			os.Exit(1)
		}
	}

	// Flags override the file only where the operator actually passed
	// them; flag.Visit only calls back for flags set on the command line.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http-addr":
			cfg.HTTPAddr = *httpAddr
		case "metrics-port":
			cfg.MetricsPort = *metricsPort
		case "data-dir":
			cfg.DataDir = *dataDir
		case "cors-origin":
			cfg.CORSOrigin = *corsOrigin
		case "worker-pool-size":
			cfg.WorkerPoolSize = *workers
		case "breaker-failure-threshold":
			cfg.BreakerFailureThreshold = *breakerThreshold
		case "breaker-failure-window":
			cfg.BreakerFailureWindow = *breakerWindow
		case "breaker-cooldown":
			cfg.BreakerCooldown = *breakerCooldown
		case "dlq-max-attempts":
			cfg.DLQMaxAttempts = *dlqMaxAttempts
		case "dlq-base-backoff":
			cfg.DLQBaseBackoff = *dlqBaseBackoff
		case "dlq-max-backoff":
			cfg.DLQMaxBackoff = *dlqMaxBackoff
		case "timeout-extract":
			cfg.TimeoutExtract = *timeoutExtract
		case "timeout-upload":
			cfg.TimeoutUpload = *timeoutUpload
		case "timeout-graph-tx":
			cfg.TimeoutGraphTx = *timeoutGraphTx
		case "document-deadline":
			cfg.DocumentDeadline = *documentDeadline
		case "bridge-other-fraction-warn":
			cfg.BridgeOtherFractionWarn = *otherFractionWarn
		case "neo4j-url":
			cfg.Neo4jURL = *neo4jURL
		case "neo4j-user":
			cfg.Neo4jUser = *neo4jUser
		case "neo4j-pass":
			cfg.Neo4jPass = *neo4jPass
		case "qdrant-addr":
			cfg.QdrantAddr = *qdrantAddr
		case "qdrant-collection":
			cfg.QdrantCollection = *qdrantCollection
		case "extractor-url":
			cfg.ExtractorURL = *extractorURL
		case "nats-url":
			cfg.NATSURL = *natsURL
		}
	})
	return cfg
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	if err := run(cfg, logger); err != nil {
		logger.Error("ingestd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	met := metrics.New()
	met.ServeAsync(cfg.MetricsPort)
	log.Info("metrics server listening", "port", cfg.MetricsPort)

	blobs, err := blobstore.Open(cfg.DataDir + "/blobs")
	if err != nil {
		return fmt.Errorf("open blobstore: %w", err)
	}

	reg, err := registry.Open(cfg.DataDir + "/registry.wal")
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	dlqQueue, err := dlq.Open(cfg.DataDir+"/dlq.wal", dlq.Opts{
		MaxAttempts: cfg.DLQMaxAttempts,
		BaseDelay:   cfg.DLQBaseBackoff,
		MaxBackoff:  cfg.DLQMaxBackoff,
	})
	if err != nil {
		return fmt.Errorf("open dlq: %w", err)
	}
	defer dlqQueue.Close()

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)
	if err := neo4jDriver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j connectivity: %w", err)
	}
	log.Info("connected to Neo4j")

	graphBreaker := breaker.New(breaker.Opts{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerFailureWindow,
		Cooldown:         cfg.BreakerCooldown,
	})
	graphStore := graphstore.New(neo4jDriver)
	txnMgr := txn.New(graphStore, graphBreaker, txn.Opts{})

	index, err := retrieval.New(retrieval.Opts{
		Addr:       cfg.QdrantAddr,
		Collection: cfg.QdrantCollection,
		RateLimit:  rate.Limit(20),
		RateBurst:  5,
	})
	if err != nil {
		return fmt.Errorf("retrieval index: %w", err)
	}
	defer index.Close()
	if err := index.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure retrieval collection: %w", err)
	}

	extractor, err := extract.Open(cfg.DataDir+"/extract-cache.wal", extract.Opts{
		BaseURL:   cfg.ExtractorURL,
		Timeout:   cfg.TimeoutExtract,
		RateLimit: rate.Limit(5),
		RateBurst: 2,
	}, log)
	if err != nil {
		return fmt.Errorf("open extractor: %w", err)
	}
	defer extractor.Close()

	br := bridge.New(log, bridge.Opts{OtherWarnFraction: cfg.BridgeOtherFractionWarn})

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		log.Info("connected to NATS for progress publication", "url", cfg.NATSURL)
	} else {
		log.Warn("no NATS URL configured; progress push falls back to local fan-out only")
	}
	progressHub := progress.New(nc)

	orch := orchestrator.New(orchestrator.Deps{
		Registry:  reg,
		DLQ:       dlqQueue,
		Progress:  progressHub,
		Extractor: extractor,
		Index:     index,
		Bridge:    br,
		Txn:       txnMgr,
		Blobs:     blobs,
		TextFunc:  plainTextFunc,
		Logger:    log,
		Metrics:   met,
	}, orchestrator.Opts{
		WorkerPoolSize:   cfg.WorkerPoolSize,
		ExtractTimeout:   cfg.TimeoutExtract,
		UploadTimeout:    cfg.TimeoutUpload,
		GraphTxTimeout:   cfg.TimeoutGraphTx,
		DocumentDeadline: cfg.DocumentDeadline,
	})
	orch.Start(ctx)
	defer orch.Stop()

	// Sampled gauges for the state that lives inside components rather than
	// on a call path: breaker state (0 closed, 1 open, 2 half-open) and DLQ
	// depth.
	breakerGauge := met.Gauge("ingestd_breaker_state", "Graph breaker state: 0 closed, 1 open, 2 half-open")
	dlqGauge := met.Gauge("ingestd_dlq_depth", "Dead letter queue entries, including permanent ones")
	go func() {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				breakerGauge.Set(int64(graphBreaker.Status().State))
				dlqGauge.Set(int64(len(dlqQueue.List())))
			}
		}
	}()

	mux := httpapi.NewMux(httpapi.Deps{
		Registry:     reg,
		Blobs:        blobs,
		Orchestrator: orch,
		Progress:     progressHub,
		DLQ:          dlqQueue,
		Breaker:      graphBreaker,
		Logger:       log,
		CORSOrigin:   cfg.CORSOrigin,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info("ingestd HTTP surface listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// plainTextFunc prepares the extractor's input. Format-specific
// extraction (PDF text layers, OCR, office-doc parsing) belongs to a
// dedicated service in front of the external extractor; this daemon passes
// the raw bytes through verbatim and lets the extractor reject what it
// cannot handle.
func plainTextFunc(blob []byte, format domain.Format) (string, error) {
	return string(blob), nil
}

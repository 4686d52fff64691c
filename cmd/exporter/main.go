package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"

	exporter "github.com/port-experimental/datalake-entities-exporter"
	"github.com/port-experimental/datalake-entities-exporter/internal"
	"github.com/port-experimental/datalake-entities-exporter/internal/catalog"
	"github.com/port-experimental/datalake-entities-exporter/internal/warehouse"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	cfg, err := loadConfig()
	if err != nil {
		sugar.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := catalog.NewClient(catalog.Config{
		ClientID:     os.Getenv("PORT_CLIENT_ID"),
		ClientSecret: os.Getenv("PORT_CLIENT_SECRET"),
		BaseURL:      getEnv("PORT_API_URL", ""),
		Timeout:      time.Duration(getEnvInt("PORT_TIMEOUT_SECONDS", 30)) * time.Second,
	})

	wh, closeWarehouse, err := createWarehouse(ctx)
	if err != nil {
		sugar.Fatalf("failed to create warehouse: %v", err)
	}
	defer closeWarehouse()

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go serveMetrics(addr)
	}

	engine, err := internal.NewExporter(client, wh, cfg)
	if err != nil {
		sugar.Fatalf("failed to create exporter: %v", err)
	}

	results, runErr := engine.Run(ctx)
	for _, r := range results {
		if r.Failed() {
			sugar.Errorw("blueprint export failed",
				"blueprint", r.Blueprint,
				"state", r.State,
				"rows_written", r.RowsWritten,
				"rows_failed", r.RowsFailed,
				"error", r.Err)
			continue
		}
		sugar.Infow("blueprint export complete",
			"blueprint", r.Blueprint,
			"rows_written", r.RowsWritten,
			"rows_failed", r.RowsFailed,
			"rows_skipped", r.RowsSkipped)
	}
	if runErr != nil {
		sugar.Errorf("export finished with failures: %v", runErr)
		os.Exit(1)
	}
}

// loadConfig assembles the engine configuration from environment variables
// and the entities file.
func loadConfig() (*exporter.Config, error) {
	cfg := exporter.DefaultConfig()

	mode, err := exporter.ParseMigrationMode(getEnv("MIGRATION_MODE", string(exporter.MigrationWeak)))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	cfg.Batch.MaxRows = getEnvInt("BATCH_SIZE", cfg.Batch.MaxRows)
	cfg.Workers = getEnvInt("WORKERS", cfg.Workers)

	blueprints, err := loadBlueprints()
	if err != nil {
		return nil, err
	}
	cfg.Blueprints = blueprints

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBlueprints reads the per-blueprint export settings from the file named
// by ENTITIES_CONFIG, or from inline ENTITIES_CONFIG_JSON. Both YAML and JSON
// documents are accepted.
func loadBlueprints() ([]exporter.BlueprintConfig, error) {
	raw := []byte(os.Getenv("ENTITIES_CONFIG_JSON"))
	if len(raw) == 0 {
		path := os.Getenv("ENTITIES_CONFIG")
		if path == "" {
			return nil, fmt.Errorf("one of ENTITIES_CONFIG or ENTITIES_CONFIG_JSON must be set")
		}
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read entities config: %w", err)
		}
	}

	var doc struct {
		Blueprints []exporter.BlueprintConfig `yaml:"blueprints"`
	}
	if err := yaml.Unmarshal(raw, &doc); err == nil && len(doc.Blueprints) > 0 {
		return doc.Blueprints, nil
	}

	// Also accept a bare top-level list of blueprints.
	var list []exporter.BlueprintConfig
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse entities config: %w", err)
	}
	return list, nil
}

func createWarehouse(ctx context.Context) (exporter.Warehouse, func(), error) {
	switch kind := getEnv("WAREHOUSE", "bigquery"); kind {
	case "bigquery":
		project := os.Getenv("BIGQUERY_PROJECT_ID")
		dataset := os.Getenv("BIGQUERY_DATASET_ID")
		if project == "" || dataset == "" {
			return nil, nil, fmt.Errorf("BIGQUERY_PROJECT_ID and BIGQUERY_DATASET_ID must be set")
		}
		var opts []option.ClientOption
		if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"); creds != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
		}
		bq, err := warehouse.NewBigQuery(ctx, project, dataset, opts...)
		if err != nil {
			return nil, nil, err
		}
		return bq, func() { bq.Close() }, nil
	case "duckdb":
		db, err := warehouse.NewDuckDB(getEnv("DUCKDB_PATH", "entities.duckdb"))
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown WAREHOUSE %q (expected bigquery or duckdb)", kind)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	zap.S().Infow("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		zap.S().Warnw("metrics server stopped", "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

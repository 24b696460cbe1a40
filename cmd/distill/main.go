package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/anatomy"
	"github.com/joelkehle/diagdistill/internal/batch"
	"github.com/joelkehle/diagdistill/internal/config"
	"github.com/joelkehle/diagdistill/internal/distill"
	"github.com/joelkehle/diagdistill/internal/logger"
	"github.com/joelkehle/diagdistill/internal/store"
	"github.com/joelkehle/diagdistill/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (defaults to ./configs/config.yaml or ./config.yaml)")
	inputDir := flag.String("input", "dataset", "Directory holding report_<i>.txt / report_<i>.json")
	outputDir := flag.String("output", "", "Output directory (defaults to diagnostic_results_<timestamp>)")
	credentials := flag.String("credentials", "", "Comma-separated credential names (defaults to all configured)")
	start := flag.Int("start", 1, "First report index")
	end := flag.Int("end", 1, "Last report index (inclusive)")
	resume := flag.Bool("resume", false, "Skip reports that already succeeded")
	runID := flag.String("run-id", "", "Run id (defaults to a random UUID)")
	ledgerPath := flag.String("ledger", "", "SQLite ledger path (overrides storage.ledger_path; \"none\" disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, zl)
	if err != nil {
		zl.Fatal("init telemetry", zap.Error(err))
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdown(sctx)
	}()

	out := *outputDir
	if out == "" {
		out = "diagnostic_results_" + time.Now().Format("20060102_150405")
	}

	var sink batch.Sink
	if cfg.Artifacts.MinioEndpoint != "" {
		ms, err := batch.NewMinioSink(ctx, cfg.Artifacts, out)
		if err != nil {
			zl.Fatal("init artifact sink", zap.Error(err))
		}
		sink = ms
	}
	schema, err := distill.NewSchemaValidator(anatomy.Default())
	if err != nil {
		zl.Fatal("compile canonical schema", zap.Error(err))
	}
	writer, err := batch.NewFileWriter(out, sink, schema)
	if err != nil {
		zl.Fatal("init output", zap.Error(err))
	}

	var ledger batch.Ledger
	path := cfg.Storage.LedgerPath
	if *ledgerPath != "" {
		path = *ledgerPath
	}
	if path != "" && path != "none" {
		l, err := store.Open(path)
		if err != nil {
			zl.Fatal("open ledger", zap.Error(err))
		}
		defer l.Close()
		ledger = l
	}

	var rdb redis.Cmdable
	if cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		pctx, pcancel := context.WithTimeout(ctx, 3*time.Second)
		if err := client.Ping(pctx).Err(); err != nil {
			zl.Warn("completion cache unavailable, continuing without it", zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
		} else {
			rdb = client
			defer client.Close()
		}
		pcancel()
	}

	workers, err := batch.NewWorkers(cfg, splitList(*credentials), anatomy.Default(), rdb, zl)
	if err != nil {
		zl.Fatal("build workers", zap.Error(err))
	}
	proc, err := batch.NewProcessor(workers, writer, ledger, zl)
	if err != nil {
		zl.Fatal("init processor", zap.Error(err))
	}

	summary, err := proc.Process(ctx, batch.Options{
		RunID:    *runID,
		InputDir: *inputDir,
		Start:    *start,
		End:      *end,
		Resume:   *resume,
		Progress: progressPrinter(*end - *start + 1),
	})
	fmt.Println()
	summary.Print(os.Stdout)
	fmt.Printf("Output: %s\n", out)
	if err != nil && !errors.Is(err, context.Canceled) {
		zl.Fatal("batch failed", zap.Error(err))
	}
}

func progressPrinter(total int) func(int, string, string) {
	var (
		mu   sync.Mutex
		done int
	)
	return func(index int, credential, status string) {
		mu.Lock()
		defer mu.Unlock()
		done++
		fmt.Printf("[%s] report_%d: %s (%d/%d, %.1f%%)\n", credential, index, status, done, total, float64(done)/float64(total)*100)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

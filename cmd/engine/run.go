package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/blockberries/statengine/pkg/config"
	"github.com/blockberries/statengine/pkg/engine"
	"github.com/blockberries/statengine/pkg/logging"
	"github.com/blockberries/statengine/pkg/metrics"
	"github.com/blockberries/statengine/pkg/store"
	"github.com/blockberries/statengine/pkg/store/badgerstore"
	"github.com/blockberries/statengine/pkg/store/leveldbstore"
	"github.com/blockberries/statengine/pkg/txcontext"
)

var (
	runHeight int64
	runInput  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive one block of transactions through the engine",
	Long: `run loads the configured storage backend, wires it to a trivial
demonstration Application, and delivers one block's worth of
transactions read from --input (or stdin), one per line, as
"set:<key>:<value>" payloads.

There is no consensus or peer layer: this command is a batch driver for
exercising the engine by hand, not a live node.

Example:
  echo "set:alice:10" | statengine run --config config.toml`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int64Var(&runHeight, "height", 1, "block height to deliver")
	runCmd.Flags().StringVar(&runInput, "input", "", "file of newline-delimited transaction payloads (default: stdin)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := createLogger(cfg.Logging)
	m := createMetrics(cfg.Metrics)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics, m, logger)
	}

	backend, closeBackend, err := openBackend(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store backend: %w", err)
	}
	defer closeBackend()

	app := &demoApplication{backend: backend, logger: logger.WithComponent("demo-app")}

	eng, err := engine.New(cfg, app, backend, logger, m)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	app.engine = eng

	payloads, err := readPayloads(runInput)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	ctx := context.Background()
	if err := eng.BeginBlock(ctx, runHeight, []byte(fmt.Sprintf("height-%d", runHeight))); err != nil {
		return fmt.Errorf("BeginBlock: %w", err)
	}

	results, err := eng.DeliverBatch(ctx, payloads)
	if err != nil {
		return fmt.Errorf("DeliverBatch: %w", err)
	}
	for i, r := range results {
		fmt.Printf("tx[%d] code=%d rescheduled=%d result=%q\n", i, r.Code, r.Rescheduled, r.Result)
	}

	if _, err := eng.EndBlock(ctx); err != nil {
		return fmt.Errorf("EndBlock: %w", err)
	}

	commitResult, err := eng.Commit(ctx)
	if err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	fmt.Printf("committed height=%d app_hash=%x\n", runHeight, commitResult.AppHash)
	return nil
}

// readPayloads reads one payload per line from path, or stdin if path
// is empty. Blank lines are skipped.
func readPayloads(path string) ([][]byte, error) {
	f := os.Stdin
	if path != "" {
		opened, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer opened.Close()
		f = opened
	}

	var payloads [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payloads = append(payloads, []byte(line))
	}
	return payloads, scanner.Err()
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(cfgFile)
}

func createLogger(cfg config.LoggingConfig) *logging.Logger {
	level := levelFromString(cfg.Level)

	w := os.Stderr
	if strings.EqualFold(cfg.Output, "stdout") {
		w = os.Stdout
	}

	if strings.EqualFold(cfg.Format, "json") {
		return logging.NewJSONLogger(w, level)
	}
	return logging.NewTextLogger(w, level)
}

func createMetrics(cfg config.MetricsConfig) metrics.Metrics {
	if !cfg.Enabled {
		return metrics.NewNop()
	}
	return metrics.NewPrometheus(cfg.Namespace)
}

func serveMetrics(cfg config.MetricsConfig, m metrics.Metrics, logger *logging.Logger) {
	prom, ok := m.(*metrics.Prometheus)
	if !ok {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{}))
	logger.Info("serving metrics", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

func openBackend(cfg config.StoreConfig) (store.Backend, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "badger":
		s, err := badgerstore.Open(cfg.Path, badgerstore.DefaultOptions())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "leveldb":
		s, err := leveldbstore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return store.NewMemoryBackend(), func() {}, nil
	}
}

// demoApplication is a trivial Application used only by the "run"
// command for manual exercising of the engine: it interprets a payload
// of "set:<key>:<value>" as a plain key/value write and rejects
// anything else, returning the stored value as its result.
type demoApplication struct {
	engine.BaseApplication
	backend store.Backend
	logger  *logging.Logger

	// engine is set once the Engine wrapping this Application exists, so
	// Query can attach a commitment proof for the queried key. Nil until
	// then (and Query simply omits Proof in that window).
	engine *engine.Engine
}

func (a *demoApplication) BeginBlock(ctx *txcontext.Context, header *engine.BlockHeader) error {
	a.logger.Info("begin block", logging.Height(int64(header.Height)))
	return nil
}

func (a *demoApplication) CheckTx(ctx *txcontext.Context, payload []byte) ([]byte, error) {
	key, value, err := parseSet(payload)
	if err != nil {
		return nil, err
	}
	if _, err := ctx.Get(key); err != nil {
		return nil, err
	}
	return value, nil
}

func (a *demoApplication) ExecuteTx(ctx *txcontext.Context, payload []byte) ([]byte, error) {
	key, value, err := parseSet(payload)
	if err != nil {
		return nil, err
	}
	if err := ctx.Put(key, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (a *demoApplication) EndBlock(ctx *txcontext.Context) (*engine.EndBlockResult, error) {
	return &engine.EndBlockResult{}, nil
}

func (a *demoApplication) Commit(ctx context.Context) (*engine.CommitResult, error) {
	return &engine.CommitResult{}, nil
}

func (a *demoApplication) Query(ctx context.Context, path string, data []byte, height int64) (*engine.QueryResult, error) {
	snap, err := a.backend.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	v, err := snap.Get([]byte(path))
	if err != nil {
		return nil, err
	}

	result := &engine.QueryResult{Code: engine.CodeOK, Value: v, Height: height}
	if a.engine != nil {
		if commitmentProof, err := a.engine.Prove([]byte(path)); err == nil {
			if proofBytes, err := commitmentProof.Marshal(); err == nil {
				result.Proof = proofBytes
			}
		}
	}
	return result, nil
}

func parseSet(payload []byte) (key, value []byte, err error) {
	parts := strings.SplitN(string(payload), ":", 3)
	if len(parts) != 3 || parts[0] != "set" {
		return nil, nil, fmt.Errorf("demo-app: malformed payload %q, want \"set:<key>:<value>\"", payload)
	}
	return []byte(parts[1]), []byte(parts[2]), nil
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

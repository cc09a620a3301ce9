// Command paperlane converts a folder of documents to HTML, routing
// digital formats through local parsers and scanned documents through
// the external OCR provider. Progress is reported as JSON lines on
// stdout; diagnostics go to stderr.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/paperlane/paperlane/credit"
	"github.com/paperlane/paperlane/events"
	"github.com/paperlane/paperlane/ocr"
	"github.com/paperlane/paperlane/pipeline"
	"github.com/paperlane/paperlane/ratelimit"
)

const defaultEndpoint = "https://api.upstage.ai/v1/document-ai/document-parse"

// fileConfig is the optional YAML config file. CLI flags win over it.
type fileConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	OutputDir      string `yaml:"output_dir"`
	Workers        int    `yaml:"workers"`
	CleanHTML      *bool  `yaml:"clean_html"`
	Markdown       *bool  `yaml:"markdown"`
	CreditDB       string `yaml:"credit_db"`
	RateLimitFile  string `yaml:"ratelimit_file"`
	UnitPrice      int64  `yaml:"unit_price"`
	InitialBalance int64  `yaml:"initial_balance"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config: %w", err)
	}
	return fc, nil
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".paperlane"
	}
	return filepath.Join(home, ".paperlane")
}

func newLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	if c.Bool("quiet") {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	app := &cli.App{
		Name:  "paperlane",
		Usage: "convert office documents and scanned PDFs to structured HTML",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML config file",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "debug logging",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "errors only",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "convert every supported file under a folder",
				ArgsUsage: "<input-folder>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "output",
						Usage: "output folder (default: <input>/Converted_HTML)",
					},
					&cli.StringFlag{
						Name:    "api-key",
						Usage:   "OCR provider API key",
						EnvVars: []string{"PAPERLANE_API_KEY"},
					},
					&cli.StringFlag{
						Name:  "endpoint",
						Usage: "OCR provider endpoint",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "local lane worker count (default: min(8, cores))",
					},
					&cli.BoolFlag{
						Name:  "no-clean",
						Usage: "skip clean_ai.html output",
					},
					&cli.BoolFlag{
						Name:  "no-markdown",
						Usage: "skip content.md output",
					},
					&cli.BoolFlag{
						Name:  "no-credit",
						Usage: "disable credit accounting",
					},
				},
				Action: runAction,
			},
			{
				Name:  "credit",
				Usage: "inspect and manage the credit ledger",
				Subcommands: []*cli.Command{
					{
						Name:   "balance",
						Usage:  "show the current balance",
						Action: creditBalanceAction,
					},
					{
						Name:      "add",
						Usage:     "add credits to the ledger",
						ArgsUsage: "<amount>",
						Action:    creditAddAction,
					},
					{
						Name:  "history",
						Usage: "show recent usage records",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Value: 20},
						},
						Action: creditHistoryAction,
					},
				},
			},
			{
				Name:   "ratelimit",
				Usage:  "show the learned provider rate limit",
				Action: ratelimitStatusAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if coder, ok := err.(cli.ExitCoder); ok {
		return coder.ExitCode()
	}
	return 1
}

func runAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("input folder required", 2)
	}
	input := c.Args().First()
	if st, err := os.Stat(input); err != nil || !st.IsDir() {
		return cli.Exit(fmt.Sprintf("not a folder: %s", input), 2)
	}

	fc, err := loadFileConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	logger := newLogger(c)

	output := firstOf(c.String("output"), fc.OutputDir, filepath.Join(input, "Converted_HTML"))
	apiKey := firstOf(c.String("api-key"), fc.APIKey)
	endpoint := firstOf(c.String("endpoint"), fc.Endpoint, defaultEndpoint)
	workers := c.Int("workers")
	if workers == 0 {
		workers = fc.Workers
	}

	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("create state dir: %v", err), 2)
	}

	// The learner persists across runs so the discovered ceiling keeps
	// paying off; cooldown state intentionally does not.
	var caller *ocr.Caller
	if apiKey != "" {
		learner, err := ratelimit.New(ratelimit.Config{
			Path:   firstOf(fc.RateLimitFile, filepath.Join(stateDir(), "ratelimit.json")),
			Logger: logger,
		})
		if err != nil {
			return cli.Exit(fmt.Sprintf("rate limit state: %v", err), 2)
		}
		caller = ocr.NewCaller(ocr.CallerConfig{
			Endpoint: endpoint,
			APIKey:   apiKey,
			Logger:   logger,
		}, learner)
	} else {
		logger.Warn("no API key configured, scanned documents will fail")
	}

	var gate *credit.Gate
	if !c.Bool("no-credit") {
		gate, err = openGate(c.Context, fc, logger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("credit ledger: %v", err), 2)
		}
		defer gate.Close()
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanHTML := !c.Bool("no-clean") && (fc.CleanHTML == nil || *fc.CleanHTML)
	markdown := !c.Bool("no-markdown") && (fc.Markdown == nil || *fc.Markdown)

	emitter := events.New(os.Stdout)
	orch := pipeline.New(pipeline.Config{
		OutputDir:    output,
		LocalWorkers: workers,
		CleanHTML:    cleanHTML,
		Markdown:     markdown,
		Logger:       logger,
	}, caller, gate, emitter)

	start := time.Now()
	stats, err := orch.Run(ctx, input)
	if err != nil {
		emitter.Emit(events.Record{Type: events.TypeError, Msg: err.Error()})
		return cli.Exit(fmt.Sprintf("run aborted: %v", err), 1)
	}
	logger.Info("run finished",
		"success", stats.Success,
		"partial", stats.Partial,
		"fail", stats.Fail,
		"elapsed", time.Since(start).Round(time.Millisecond))

	if stats.Fail > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func openGate(ctx context.Context, fc fileConfig, logger *slog.Logger) (*credit.Gate, error) {
	return credit.Open(ctx, credit.Config{
		Path:           firstOf(fc.CreditDB, filepath.Join(stateDir(), "credit.db")),
		UnitPrice:      fc.UnitPrice,
		InitialBalance: fc.InitialBalance,
		Logger:         logger,
	})
}

func creditBalanceAction(c *cli.Context) error {
	gate, err := openGateFromCLI(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer gate.Close()

	balance, err := gate.Balance(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if balance == credit.AdminBalance {
		fmt.Println("balance: unlimited")
		return nil
	}
	fmt.Printf("balance: %d (unit price %d)\n", balance, gate.UnitPrice())
	return nil
}

func creditAddAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("amount required", 2)
	}
	var amount int64
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &amount); err != nil || amount <= 0 {
		return cli.Exit("amount must be a positive integer", 2)
	}
	gate, err := openGateFromCLI(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer gate.Close()

	if err := gate.AddCredits(c.Context, amount); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	balance, err := gate.Balance(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("added %d, balance now %d\n", amount, balance)
	return nil
}

func creditHistoryAction(c *cli.Context) error {
	gate, err := openGateFromCLI(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer gate.Close()

	records, err := gate.UsageHistory(c.Context, c.Int("limit"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if len(records) == 0 {
		fmt.Println("no usage recorded")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s  %-40s  %4d pages  %6d\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.Filename, r.Units, r.Cost)
	}
	return nil
}

func openGateFromCLI(c *cli.Context) (*credit.Gate, error) {
	fc, err := loadFileConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return nil, err
	}
	return openGate(c.Context, fc, newLogger(c))
}

func ratelimitStatusAction(c *cli.Context) error {
	fc, err := loadFileConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	learner, err := ratelimit.New(ratelimit.Config{
		Path:   firstOf(fc.RateLimitFile, filepath.Join(stateDir(), "ratelimit.json")),
		Logger: newLogger(c),
	})
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	rates, limit, successes, failures := learner.Status()
	fmt.Printf("learned limit: %.1f req/min\n", limit)
	fmt.Printf("observed rates: %.1f/1min  %.1f/5min  %.1f/10min\n",
		rates.Rate1Min, rates.Rate5Min, rates.Rate10Min)
	fmt.Printf("snapshots: %d success, %d failure\n", successes, failures)
	return nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tradeGuard/config"
	"tradeGuard/internal/adapters/binanceclient"
	"tradeGuard/internal/adapters/logger"
	"tradeGuard/internal/domain"
	"tradeGuard/internal/feed"
)

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Offline tools for the trade guard engine",
	Long: `Offline tools for the trade guard engine.

Available subcommands:
  run    - Replay a kline CSV through the engine against a paper broker
  sweep  - Replay a scenario over a grid of configuration values
  fetch  - Download historical klines from Binance futures into a CSV`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay a scenario",
	Long: `Replay the klines of a scenario file through the risk gate, position
lifecycle and paper broker, then print a performance summary.

Examples:
  replay run --scenario scenarios/eurusd.yaml
  replay run --scenario scenarios/eurusd.yaml --keep-db --log-level DEBUG`,
	RunE: runReplay,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Replay a scenario over a parameter grid",
	Long: `Replay a scenario once for every combination of its sweep ranges and
rank the combinations by score.

Examples:
  replay sweep --scenario scenarios/eurusd_sweep.yaml --top 5`,
	RunE: runSweep,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download klines into a CSV file",
	Long: `Download historical futures klines for a symbol into a CSV file readable
by the replay.

Examples:
  replay fetch --symbol ETHUSDT --interval 1m --days 30
  replay fetch --symbol BTCUSDT --interval 5m --days 7 --out data/btc.csv`,
	RunE: runFetch,
}

// Run flags
var (
	scenarioPath string
	keepDB       bool
	logLevel     string
	sweepTop     int
)

// Fetch flags
var (
	fetchSymbol   string
	fetchInterval string
	fetchDays     int
	fetchOut      string
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "WARN", "Log level (DEBUG, INFO, WARN, ERROR)")

	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file")
	runCmd.Flags().BoolVar(&keepDB, "keep-db", false, "Journal trades to DB_PATH instead of a temporary database")
	_ = runCmd.MarkFlagRequired("scenario")

	sweepCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file with sweep ranges")
	sweepCmd.Flags().IntVar(&sweepTop, "top", 10, "Number of best combinations to print, 0 prints all")
	_ = sweepCmd.MarkFlagRequired("scenario")

	fetchCmd.Flags().StringVar(&fetchSymbol, "symbol", "", "Futures symbol (defaults to SYMBOL)")
	fetchCmd.Flags().StringVar(&fetchInterval, "interval", "", "Kline interval (defaults to KLINE_INTERVAL)")
	fetchCmd.Flags().IntVar(&fetchDays, "days", 30, "Number of days to download")
	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "Output CSV path (defaults to data/<symbol>_<interval>_<from>_to_<to>.csv)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	sc, err := LoadScenario(scenarioPath)
	if err != nil {
		return err
	}
	if err := sc.ApplyEnv(os.Setenv); err != nil {
		return err
	}
	cfg, err := config.LoadOfflineConfig()
	if err != nil {
		return err
	}
	appLogger := logger.NewZeroLogger(logger.ParseLevel(logLevel), cfg.LogFormat)
	for _, w := range cfg.Warnings {
		appLogger.Warn(cmd.Context(), "Configuration warning", map[string]interface{}{"warning": w})
	}

	res, err := Replay(cmd.Context(), sc, cfg, appLogger, keepDB)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), sc, res)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	sc, err := LoadScenario(scenarioPath)
	if err != nil {
		return err
	}
	cfg, err := config.LoadOfflineConfig()
	if err != nil {
		return err
	}
	appLogger := logger.NewZeroLogger(logger.ParseLevel(logLevel), cfg.LogFormat)

	results, err := Sweep(cmd.Context(), sc, appLogger, os.Setenv)
	if err != nil {
		return err
	}
	printSweep(cmd.OutOrStdout(), sc.Sweep, results, sweepTop)
	return nil
}

func printSummary(w io.Writer, sc *Scenario, res *Result) {
	m := res.Performance
	name := sc.Name
	if name == "" {
		name = filepath.Base(sc.Klines)
	}
	fmt.Fprintf(w, "Replay %s: %d klines, %d trades, %d risk breaches\n", name, res.Klines, m.TotalTrades, res.Breaches)
	fmt.Fprintf(w, "  Balance      %.2f -> %.2f (equity %.2f)\n", sc.Balance, res.Final.Balance, res.Final.Equity)
	fmt.Fprintf(w, "  Net profit   %.2f (%.1f pips)\n", m.TotalProfit, m.TotalPips)
	fmt.Fprintf(w, "  Win rate     %.1f%%  profit factor %.2f  expectancy %.2f\n", m.WinRate*100, m.ProfitFactor, m.Expectancy)
	fmt.Fprintf(w, "  Max drawdown %.2f%%  recovery factor %.2f\n", m.MaxDrawdown*100, m.RecoveryFactor)

	reasons := make([]domain.CloseReason, 0, len(m.ByReason))
	for r := range m.ByReason {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		s := m.ByReason[r]
		fmt.Fprintf(w, "  %-14s %3d trades  %10.2f\n", r, s.Trades, s.NetProfit)
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := config.LoadOfflineConfig()
	if err != nil {
		return err
	}
	appLogger := logger.NewZeroLogger(logger.ParseLevel(logLevel), cfg.LogFormat)

	symbol, interval := fetchSymbol, fetchInterval
	if symbol == "" {
		symbol = cfg.Symbol
	}
	if interval == "" {
		interval = cfg.KlineInterval
	}
	if fetchDays <= 0 {
		return fmt.Errorf("--days must be positive")
	}

	client, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		return err
	}

	end := time.Now()
	start := end.AddDate(0, 0, -fetchDays)
	out := fetchOut
	if out == "" {
		out = fmt.Sprintf("data/%s_%s_%s_to_%s.csv", symbol, interval, start.Format("20060102"), end.Format("20060102"))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Fetching klines for %s %s from %s to %s...\n", symbol, interval, start.Format(time.RFC3339), end.Format(time.RFC3339))
	klines, err := client.GetKlinesRange(ctx, symbol, interval, start, end)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := feed.WriteKlinesFile(out, klines); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %d klines to %s\n", len(klines), out)
	return nil
}

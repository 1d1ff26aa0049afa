package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"tradeGuard/config"
	"tradeGuard/internal/analytics"
	"tradeGuard/internal/ports"
)

// ParameterRange is one configuration key swept from Min to Max.
type ParameterRange struct {
	Key   string  `yaml:"key"` // Same name as the environment variable
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Step  float64 `yaml:"step"`
	IsInt bool    `yaml:"int"`
}

// SweepResult is the outcome of one parameter combination.
type SweepResult struct {
	Parameters map[string]float64
	Metrics    *analytics.PerformanceMetrics
	Breaches   int
	Score      float64
}

// combinations expands the ranges into every grid point, first key varying slowest.
func combinations(ranges []ParameterRange) []map[string]float64 {
	var out []map[string]float64
	current := make(map[string]float64, len(ranges))

	var generate func(int)
	generate = func(i int) {
		if i == len(ranges) {
			combo := make(map[string]float64, len(current))
			for k, v := range current {
				combo[k] = v
			}
			out = append(out, combo)
			return
		}
		r := ranges[i]
		// Index stepping keeps float drift from adding or losing a point.
		n := int(math.Floor((r.Max-r.Min)/r.Step + 1e-9))
		for j := 0; j <= n; j++ {
			v := r.Min + float64(j)*r.Step
			if r.IsInt {
				v = math.Round(v)
			}
			current[r.Key] = v
			generate(i + 1)
		}
	}
	generate(0)
	return out
}

// Score ranks a replay. Higher is better.
func Score(m *analytics.PerformanceMetrics) float64 {
	if m.TotalTrades == 0 {
		return 0
	}
	pf := m.ProfitFactor
	if m.LosingTrades == 0 {
		pf = 3
	}
	return m.WinRate*0.3 + math.Min(pf, 3)*0.2 + (1-m.MaxDrawdown)*0.2 + m.ReturnOnInvestment*0.3
}

// Sweep replays the scenario once per parameter combination. Overrides go
// through setenv, so combinations run one after another.
func Sweep(ctx context.Context, sc *Scenario, logger ports.Logger, setenv func(key, value string) error) ([]SweepResult, error) {
	if len(sc.Sweep) == 0 {
		return nil, fmt.Errorf("scenario has no sweep ranges")
	}
	combos := combinations(sc.Sweep)
	results := make([]SweepResult, 0, len(combos))
	for _, params := range combos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := sc.ApplyEnv(setenv); err != nil {
			return nil, err
		}
		for _, r := range sc.Sweep {
			if err := setenv(r.Key, formatParam(params[r.Key], r.IsInt)); err != nil {
				return nil, fmt.Errorf("set %s: %w", r.Key, err)
			}
		}
		cfg, err := config.LoadOfflineConfig()
		if err != nil {
			// An invalid combination, e.g. fast period above slow, is skipped.
			logger.Warn(ctx, "Skipping parameter combination", map[string]interface{}{"params": params, "error": err.Error()})
			continue
		}
		res, err := Replay(ctx, sc, cfg, logger, false)
		if err != nil {
			return nil, fmt.Errorf("replay %v: %w", params, err)
		}
		results = append(results, SweepResult{
			Parameters: params,
			Metrics:    res.Performance,
			Breaches:   res.Breaches,
			Score:      Score(res.Performance),
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func formatParam(v float64, isInt bool) string {
	if isInt {
		return strconv.Itoa(int(v))
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func printSweep(w io.Writer, ranges []ParameterRange, results []SweepResult, top int) {
	fmt.Fprintf(w, "Sweep: %d combinations\n", len(results))
	if top > 0 && top < len(results) {
		results = results[:top]
	}
	for i, r := range results {
		parts := make([]string, 0, len(ranges))
		for _, pr := range ranges {
			parts = append(parts, pr.Key+"="+formatParam(r.Parameters[pr.Key], pr.IsInt))
		}
		m := r.Metrics
		fmt.Fprintf(w, "%3d. score %.3f  trades %3d  win %.1f%%  net %.2f  dd %.2f%%  breaches %d  %s\n",
			i+1, r.Score, m.TotalTrades, m.WinRate*100, m.TotalProfit, m.MaxDrawdown*100, r.Breaches, strings.Join(parts, " "))
	}
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"tradeGuard/internal/adapters/paper"
)

// Scenario describes one offline replay.
type Scenario struct {
	Name       string            `yaml:"name"`
	Klines     string            `yaml:"klines"` // CSV path, relative to the scenario file
	Balance    float64           `yaml:"balance"`
	SpreadPips float64           `yaml:"spread_pips"`
	FlattenEnd bool              `yaml:"flatten_at_end"`
	Env        map[string]string `yaml:"env"` // Configuration overrides, same keys as the environment
	Failures   []FailureSpec     `yaml:"failures"`
	Sweep      []ParameterRange  `yaml:"sweep"` // Used by the sweep command only
}

// FailureSpec makes the paper broker reject the next Count calls of Op.
type FailureSpec struct {
	Op      string `yaml:"op"`
	Count   int    `yaml:"count"`
	Message string `yaml:"message"`
}

var knownOps = map[string]bool{
	paper.OpPlaceOrder:       true,
	paper.OpModifyStopLoss:   true,
	paper.OpModifyTakeProfit: true,
	paper.OpModifyVolume:     true,
	paper.OpClosePosition:    true,
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc := &Scenario{Balance: 10000, SpreadPips: 1, FlattenEnd: true}
	if err := yaml.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if sc.Klines != "" && !filepath.IsAbs(sc.Klines) {
		sc.Klines = filepath.Join(filepath.Dir(path), sc.Klines)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Validate checks the scenario for values the replay cannot run with.
func (s *Scenario) Validate() error {
	var errs []error
	if s.Klines == "" {
		errs = append(errs, errors.New("klines path is required"))
	}
	if s.Balance <= 0 {
		errs = append(errs, errors.New("balance must be positive"))
	}
	if s.SpreadPips < 0 {
		errs = append(errs, errors.New("spread_pips cannot be negative"))
	}
	for i, f := range s.Failures {
		if !knownOps[f.Op] {
			errs = append(errs, fmt.Errorf("failures[%d]: unknown op %q", i, f.Op))
		}
		if f.Count <= 0 {
			errs = append(errs, fmt.Errorf("failures[%d]: count must be positive", i))
		}
	}
	for i, r := range s.Sweep {
		if r.Key == "" {
			errs = append(errs, fmt.Errorf("sweep[%d]: key is required", i))
		}
		if r.Step <= 0 || r.Max < r.Min {
			errs = append(errs, fmt.Errorf("sweep[%d]: need step > 0 and max >= min", i))
		}
	}
	return errors.Join(errs...)
}

// ApplyEnv exports the overrides in a stable order so configuration loading sees them.
func (s *Scenario) ApplyEnv(setenv func(key, value string) error) error {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := setenv(k, s.Env[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

// Inject arms the broker with the scenario's failures.
func (s *Scenario) Inject(b *paper.Broker) {
	for _, f := range s.Failures {
		msg := f.Message
		if msg == "" {
			msg = "injected failure"
		}
		errs := make([]error, f.Count)
		for i := range errs {
			errs[i] = errors.New(msg)
		}
		b.InjectFailure(f.Op, errs...)
	}
}

package rules

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/perpflow/scanner/internal/model"
)

// schemaVersionConstraint gates rule files: any 1.x schema loads, anything
// newer is refused so an old scanner never half-interprets new syntax.
const schemaVersionConstraint = "^1.0"

// Rule is one registered rule with its compiled program.
type Rule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Scope      string `yaml:"scope"`

	program *node
}

// ruleFile is the on-disk YAML shape.
type ruleFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Engine holds registered rules and evaluates them against ranked rows.
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]*Rule
	disabled map[string]string // name -> compile failure reason
	log      zerolog.Logger
}

// NewEngine creates an empty rule engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		rules:    make(map[string]*Rule),
		disabled: make(map[string]string),
		log:      logger.With().Str("component", "rules").Logger(),
	}
}

// Register compiles and installs a rule. A compile failure disables the
// rule with a warning and returns the CompileError; it never panics and a
// bad rule never reaches evaluation.
func (e *Engine) Register(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if rule.Scope == "" {
		rule.Scope = "*"
	}
	program, err := Compile(rule.Expression)
	if err != nil {
		e.mu.Lock()
		e.disabled[rule.Name] = err.Error()
		delete(e.rules, rule.Name)
		e.mu.Unlock()
		e.log.Warn().
			Str("rule", rule.Name).
			Str("expression", rule.Expression).
			Err(err).
			Msg("Rule disabled: expression failed to compile")
		return err
	}
	rule.program = program
	e.mu.Lock()
	e.rules[rule.Name] = &rule
	delete(e.disabled, rule.Name)
	e.mu.Unlock()
	e.log.Info().Str("rule", rule.Name).Str("scope", rule.Scope).Msg("Rule registered")
	return nil
}

// Unregister removes a rule by name.
func (e *Engine) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, name)
	delete(e.disabled, name)
}

// LoadFile reads a YAML rule file, gates its schema version, and registers
// each rule. Rules that fail to compile are skipped with a warning; the
// file as a whole only fails on read, parse or version errors.
func (e *Engine) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read rules file: %w", err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if file.Version == "" {
		return 0, fmt.Errorf("rules file %s is missing a version", path)
	}
	version, err := semver.NewVersion(file.Version)
	if err != nil {
		return 0, fmt.Errorf("rules file %s has invalid version %q: %w", path, file.Version, err)
	}
	constraint, err := semver.NewConstraint(schemaVersionConstraint)
	if err != nil {
		return 0, fmt.Errorf("parse version constraint: %w", err)
	}
	if !constraint.Check(version) {
		return 0, fmt.Errorf("rules file %s version %s is outside supported range %s",
			path, file.Version, schemaVersionConstraint)
	}

	loaded := 0
	for _, rule := range file.Rules {
		if err := e.Register(rule); err == nil {
			loaded++
		}
	}
	e.log.Info().Str("path", path).Int("loaded", loaded).Int("total", len(file.Rules)).
		Msg("Rules file loaded")
	return loaded, nil
}

// Rules returns a snapshot of the registered rules.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	return out
}

// Disabled returns the names and reasons of rules rejected at compile time.
func (e *Engine) Disabled() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.disabled))
	for name, reason := range e.disabled {
		out[name] = reason
	}
	return out
}

// RowFromItem binds a ranked item's fields to the evaluator's identifier set.
func RowFromItem(item model.RankedItem) map[string]float64 {
	manip := 0.0
	if item.Snapshot.ManipScore != nil {
		manip = *item.Snapshot.ManipScore
	}
	return map[string]float64{
		"rank":                float64(item.Rank),
		"score":               item.Snapshot.Score,
		"liquidity_edge":      item.Snapshot.LiquidityEdge,
		"momentum_edge":       item.Snapshot.MomentumEdge,
		"volatility_edge":     item.Snapshot.VolatilityEdge,
		"microstructure_edge": item.Snapshot.MicrostructureEdge,
		"anomaly_residual":    item.Snapshot.AnomalyResidual,
		"manipulation_score":  manip,
	}
}

// Match evaluates every rule whose scope covers the item's symbol and
// returns the signals to emit. Evaluation cannot fail; a rule either
// matches or it does not.
func (e *Engine) Match(item model.RankedItem) []model.Signal {
	row := RowFromItem(item)
	now := time.Now().UTC()

	e.mu.RLock()
	defer e.mu.RUnlock()
	var signals []model.Signal
	for _, rule := range e.rules {
		if rule.Scope != "*" && rule.Scope != item.Snapshot.Symbol {
			continue
		}
		if !Eval(rule.program, row) {
			continue
		}
		signals = append(signals, model.Signal{
			RuleName: rule.Name,
			Symbol:   item.Snapshot.Symbol,
			Payload: map[string]interface{}{
				"rank":                item.Rank,
				"score":               item.Snapshot.Score,
				"symbol":              item.Snapshot.Symbol,
				"exchange":            item.Snapshot.Exchange,
				"liquidity_edge":      item.Snapshot.LiquidityEdge,
				"momentum_edge":       item.Snapshot.MomentumEdge,
				"volatility_edge":     item.Snapshot.VolatilityEdge,
				"microstructure_edge": item.Snapshot.MicrostructureEdge,
				"anomaly_residual":    item.Snapshot.AnomalyResidual,
				"manipulation_score":  row["manipulation_score"],
			},
			EmittedAt: now,
		})
	}
	return signals
}

package scoring

import (
	"fmt"
	"sort"
	"sync"
)

// LiqWeights weight raw liquidity inputs.
type LiqWeights struct {
	Qvol  float64 `mapstructure:"qvol" yaml:"qvol"`
	Depth float64 `mapstructure:"depth" yaml:"depth"`
}

// VolWeights weight realized volatility inputs.
type VolWeights struct {
	ATR float64 `mapstructure:"atr" yaml:"atr"`
}

// MomWeights weight momentum inputs.
type MomWeights struct {
	Ret15 float64 `mapstructure:"ret_15" yaml:"ret_15"`
	Ret1  float64 `mapstructure:"ret_1" yaml:"ret_1"`
}

// CostWeights weight execution-cost inputs.
type CostWeights struct {
	Spread float64 `mapstructure:"spread" yaml:"spread"`
	Slip   float64 `mapstructure:"slip" yaml:"slip"`
}

// CarryWeights weight derivatives-carry inputs.
type CarryWeights struct {
	Funding float64 `mapstructure:"funding" yaml:"funding"`
	Basis   float64 `mapstructure:"basis" yaml:"basis"`
}

// StructureWeights weight microstructure inputs.
type StructureWeights struct {
	VolumeZ    float64 `mapstructure:"volume_z" yaml:"volume_z"`
	OFI        float64 `mapstructure:"ofi" yaml:"ofi"`
	Volatility float64 `mapstructure:"volatility" yaml:"volatility"`
	Velocity   float64 `mapstructure:"velocity" yaml:"velocity"`
	Anomaly    float64 `mapstructure:"anomaly" yaml:"anomaly"`
	Residual   float64 `mapstructure:"residual" yaml:"residual"`
}

// EdgeWeights weight the cross-sectional edges.
type EdgeWeights struct {
	Liquidity  float64 `mapstructure:"liquidity" yaml:"liquidity"`
	Momentum   float64 `mapstructure:"momentum" yaml:"momentum"`
	Volatility float64 `mapstructure:"volatility" yaml:"volatility"`
	Micro      float64 `mapstructure:"micro" yaml:"micro"`
}

// Profile is one named weight preset.
type Profile struct {
	Name      string           `yaml:"name"`
	Liq       LiqWeights       `yaml:"liq"`
	Vol       VolWeights       `yaml:"vol"`
	Mom       MomWeights       `yaml:"mom"`
	Cost      CostWeights      `yaml:"cost"`
	Carry     CarryWeights     `yaml:"carry"`
	Structure StructureWeights `yaml:"structure"`
	Edges     EdgeWeights      `yaml:"edges"`
}

var (
	profileMu sync.RWMutex
	profiles  = map[string]Profile{
		"scalp": {
			Name:      "scalp",
			Liq:       LiqWeights{Qvol: 1.0, Depth: 0.8},
			Vol:       VolWeights{ATR: 0.6},
			Mom:       MomWeights{Ret15: 0.5, Ret1: 1.0},
			Cost:      CostWeights{Spread: 0.35, Slip: 0.25},
			Carry:     CarryWeights{Funding: 0.5, Basis: 0.3},
			Structure: StructureWeights{VolumeZ: 0.4, OFI: 0.8, Volatility: 0.3, Velocity: 0.25, Anomaly: 0.5, Residual: 0.4},
			Edges:     EdgeWeights{Liquidity: 0.6, Momentum: 0.5, Volatility: 0.3, Micro: 0.5},
		},
		"swing": {
			Name:      "swing",
			Liq:       LiqWeights{Qvol: 0.7, Depth: 0.5},
			Vol:       VolWeights{ATR: 0.9},
			Mom:       MomWeights{Ret15: 1.1, Ret1: 0.3},
			Cost:      CostWeights{Spread: 0.15, Slip: 0.1},
			Carry:     CarryWeights{Funding: 0.8, Basis: 0.5},
			Structure: StructureWeights{VolumeZ: 0.3, OFI: 0.4, Volatility: 0.2, Velocity: 0.15, Anomaly: 0.6, Residual: 0.5},
			Edges:     EdgeWeights{Liquidity: 0.4, Momentum: 0.8, Volatility: 0.5, Micro: 0.3},
		},
		"news": {
			Name:      "news",
			Liq:       LiqWeights{Qvol: 0.5, Depth: 0.4},
			Vol:       VolWeights{ATR: 1.2},
			Mom:       MomWeights{Ret15: 0.8, Ret1: 1.2},
			Cost:      CostWeights{Spread: 0.2, Slip: 0.15},
			Carry:     CarryWeights{Funding: 0.3, Basis: 0.2},
			Structure: StructureWeights{VolumeZ: 0.9, OFI: 0.5, Volatility: 0.1, Velocity: 0.6, Anomaly: 0.3, Residual: 0.3},
			Edges:     EdgeWeights{Liquidity: 0.3, Momentum: 0.6, Volatility: 0.7, Micro: 0.4},
		},
	}
)

// GetProfile returns a registered profile. Unknown names are an error, not
// a nil lookup.
func GetProfile(name string) (Profile, error) {
	profileMu.RLock()
	defer profileMu.RUnlock()
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown scoring profile %q", name)
	}
	return p, nil
}

// RegisterProfile adds or overrides a preset.
func RegisterProfile(p Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	profileMu.Lock()
	defer profileMu.Unlock()
	profiles[p.Name] = p
	return nil
}

// ProfileNames lists registered profiles, sorted.
func ProfileNames() []string {
	profileMu.RLock()
	defer profileMu.RUnlock()
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

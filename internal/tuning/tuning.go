package tuning

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"hexclaim.io/internal/geo/hexgrid"
)

type Tuning struct {
	Economy Economy            `yaml:"economy"`
	Grid    hexgrid.ViewConfig `yaml:"grid"`
	Spawn   Spawn              `yaml:"spawn"`

	RateLimits RateLimits `yaml:"rate_limits"`
}

type Economy struct {
	// AccrualRate is storage earned per hour.
	AccrualRate     decimal.Decimal `yaml:"accrual_rate"`
	StorageLimit    decimal.Decimal `yaml:"storage_limit"`
	BaseCaptureCost decimal.Decimal `yaml:"base_capture_cost"`
	TakeoverCost    decimal.Decimal `yaml:"takeover_cost"`
	StartingBalance decimal.Decimal `yaml:"starting_balance"`
	DefaultColor    string          `yaml:"default_color"`
}

type Spawn struct {
	Radius             int             `yaml:"radius"`
	ExclusionRadius    int             `yaml:"exclusion_radius"`
	BotsMin            int             `yaml:"bots_min"`
	BotsMax            int             `yaml:"bots_max"`
	ExpansionMin       int             `yaml:"expansion_min"`
	ExpansionMax       int             `yaml:"expansion_max"`
	BotStartingBalance decimal.Decimal `yaml:"bot_starting_balance"`
	CoordsOffset       int             `yaml:"coords_offset"`
	CoordsSpan         int             `yaml:"coords_span"`
}

type RateLimits struct {
	RPCPerSecond float64 `yaml:"rpc_per_second"`
	RPCBurst     int     `yaml:"rpc_burst"`
}

func Defaults() Tuning {
	return Tuning{
		Economy: Economy{
			AccrualRate:     decimal.RequireFromString("0.1"),
			StorageLimit:    decimal.NewFromInt(10),
			BaseCaptureCost: decimal.NewFromInt(5),
			TakeoverCost:    decimal.NewFromInt(10),
			StartingBalance: decimal.NewFromInt(20),
			DefaultColor:    "#3b82f6",
		},
		Grid: hexgrid.DefaultViewConfig(),
		Spawn: Spawn{
			Radius:             6,
			ExclusionRadius:    2,
			BotsMin:            2,
			BotsMax:            3,
			ExpansionMin:       3,
			ExpansionMax:       4,
			BotStartingBalance: decimal.NewFromInt(1000),
			CoordsOffset:       1000000,
			CoordsSpan:         1000000,
		},
		RateLimits: RateLimits{
			RPCPerSecond: 5,
			RPCBurst:     10,
		},
	}
}

// Load reads a yaml file over Defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// ApplyEnv overrides values from environment variables. getenv is usually
// os.Getenv.
func (t *Tuning) ApplyEnv(getenv func(string) string) error {
	decimals := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"ACCRUAL_RATE", &t.Economy.AccrualRate},
		{"STORAGE_LIMIT", &t.Economy.StorageLimit},
		{"BASE_CAPTURE_COST", &t.Economy.BaseCaptureCost},
		{"TAKEOVER_COST", &t.Economy.TakeoverCost},
		{"STARTING_BALANCE", &t.Economy.StartingBalance},
		{"BOT_STARTING_BALANCE", &t.Spawn.BotStartingBalance},
	}
	for _, d := range decimals {
		v := strings.TrimSpace(getenv(d.key))
		if v == "" {
			continue
		}
		n, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = n
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"RESOLUTION", &t.Grid.Resolution},
		{"SPAWN_RADIUS", &t.Spawn.Radius},
		{"SPAWN_EXCLUSION_RADIUS", &t.Spawn.ExclusionRadius},
		{"SPAWN_BOTS_MIN", &t.Spawn.BotsMin},
		{"SPAWN_BOTS_MAX", &t.Spawn.BotsMax},
		{"SPAWN_EXPANSION_MIN", &t.Spawn.ExpansionMin},
		{"SPAWN_EXPANSION_MAX", &t.Spawn.ExpansionMax},
	}
	for _, i := range ints {
		v := strings.TrimSpace(getenv(i.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = n
	}
	return t.Validate()
}

func (t Tuning) Validate() error {
	e := t.Economy
	if !e.AccrualRate.IsPositive() {
		return fmt.Errorf("accrual_rate must be > 0")
	}
	if !e.StorageLimit.IsPositive() {
		return fmt.Errorf("storage_limit must be > 0")
	}
	if e.BaseCaptureCost.IsNegative() || e.TakeoverCost.IsNegative() || e.StartingBalance.IsNegative() {
		return fmt.Errorf("costs and balances must be >= 0")
	}
	if !hexgrid.ValidResolution(t.Grid.Resolution) {
		return fmt.Errorf("grid resolution %d: %w", t.Grid.Resolution, hexgrid.ErrInvalidResolution)
	}
	s := t.Spawn
	if s.Radius <= 0 || s.ExclusionRadius < 0 || s.ExclusionRadius >= s.Radius {
		return fmt.Errorf("spawn radius %d / exclusion %d out of range", s.Radius, s.ExclusionRadius)
	}
	if s.BotsMin < 0 || s.BotsMax < s.BotsMin {
		return fmt.Errorf("spawn bots range %d..%d invalid", s.BotsMin, s.BotsMax)
	}
	if s.ExpansionMin < 0 || s.ExpansionMax < s.ExpansionMin || s.ExpansionMax > 6 {
		return fmt.Errorf("spawn expansion range %d..%d invalid", s.ExpansionMin, s.ExpansionMax)
	}
	if s.CoordsSpan <= 0 {
		return fmt.Errorf("spawn coords_span must be > 0")
	}
	if perBatch := s.BotsMax * (1 + s.ExpansionMax); s.CoordsSpan*s.CoordsSpan < 16*perBatch {
		return fmt.Errorf("spawn coords_span %d too small for batches of up to %d zones", s.CoordsSpan, perBatch)
	}
	if s.BotStartingBalance.IsNegative() {
		return fmt.Errorf("bot_starting_balance must be >= 0")
	}
	return nil
}

// Package config loads service settings from an optional YAML file and
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wastezone/internal/model"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Store      Store      `yaml:"store"`
	Simulation Simulation `yaml:"simulation"`
	Routing    Routing    `yaml:"routing"`
	Proximity  Proximity  `yaml:"proximity"`
	Signals    Signals    `yaml:"signals"`
	Webhooks   Webhooks   `yaml:"webhooks"`
	Logging    Logging    `yaml:"logging"`
	Tracing    Tracing    `yaml:"tracing"`
	Zones      []ZoneSeed `yaml:"zones"`
}

type Server struct {
	Port           string        `yaml:"port"`
	RateRPS        float64       `yaml:"rateRps"`
	RateBurst      int           `yaml:"rateBurst"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	AllowOrigins   string        `yaml:"allowOrigins"`
}

type Store struct {
	DatabaseURL string `yaml:"databaseUrl"`
	SQLitePath  string `yaml:"sqlitePath"`
	RedisURL    string `yaml:"redisUrl"`
}

type Simulation struct {
	TickInterval      time.Duration `yaml:"tickInterval"`
	Medium            float64       `yaml:"mediumThreshold"`
	High              float64       `yaml:"highThreshold"`
	Critical          float64       `yaml:"criticalThreshold"`
	OverflowThreshold float64       `yaml:"overflowThreshold"`
	ResetPolicy       string        `yaml:"resetPolicy"`
	ResidualFraction  float64       `yaml:"residualFraction"`
	FillWeight        float64       `yaml:"fillWeight"`
	StalenessWeight   float64       `yaml:"stalenessWeight"`
}

type Routing struct {
	SpeedKmph     float64       `yaml:"speedKmph"`
	ImprovePasses int           `yaml:"improvePasses"`
	OSRMURL       string        `yaml:"osrmUrl"`
	OSRMProfile   string        `yaml:"osrmProfile"`
	OSRMTimeout   time.Duration `yaml:"osrmTimeout"`
}

type Proximity struct {
	VerifyRadiusMeters  float64 `yaml:"verifyRadiusMeters"`
	CollectRadiusMeters float64 `yaml:"collectRadiusMeters"`
}

type Signals struct {
	SyncInterval time.Duration `yaml:"syncInterval"` // 0 disables periodic sync
	// CSVPath switches the ready-signal source from the store to a CSV export.
	CSVPath string `yaml:"csvPath"`
}

type Webhooks struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Interval    time.Duration `yaml:"interval"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
	ServiceName string  `yaml:"serviceName"`
}

// ZoneSeed is one configured collection zone.
type ZoneSeed struct {
	ID             string  `yaml:"id"`
	Name           string  `yaml:"name"`
	Ward           string  `yaml:"ward"`
	Lat            float64 `yaml:"lat"`
	Lon            float64 `yaml:"lon"`
	BinCapacity    float64 `yaml:"binCapacity"`
	CurrentFill    float64 `yaml:"currentFill"`
	GenerationRate float64 `yaml:"generationRate"`
}

func (z ZoneSeed) Zone() model.Zone {
	return model.Zone{
		ID:             z.ID,
		Name:           z.Name,
		Ward:           z.Ward,
		Lat:            z.Lat,
		Lon:            z.Lon,
		BinCapacity:    z.BinCapacity,
		CurrentFill:    z.CurrentFill,
		GenerationRate: z.GenerationRate,
	}
}

// ZoneList converts the seeds for the simulator.
func (c Config) ZoneList() []model.Zone {
	out := make([]model.Zone, len(c.Zones))
	for i, z := range c.Zones {
		out[i] = z.Zone()
	}
	return out
}

func Default() Config {
	return Config{
		Server:     Server{Port: "8080", RateRPS: 20, RateBurst: 40, RequestTimeout: 15 * time.Second, AllowOrigins: "*"},
		Simulation: Simulation{TickInterval: 3 * time.Second, Medium: 40, High: 70, Critical: 90, OverflowThreshold: 80, ResetPolicy: "residual", ResidualFraction: 0.02, FillWeight: 1, StalenessWeight: 10},
		Routing:    Routing{SpeedKmph: 24, ImprovePasses: 0, OSRMProfile: "driving", OSRMTimeout: 5 * time.Second},
		Proximity:  Proximity{VerifyRadiusMeters: 50, CollectRadiusMeters: 50},
		Signals:    Signals{SyncInterval: 30 * time.Second},
		Webhooks:   Webhooks{MaxAttempts: 10, Interval: time.Second},
		Logging:    Logging{Level: "info", Format: "text"},
		Tracing:    Tracing{Exporter: "stdout", SampleRatio: 1, ServiceName: "wastezone"},
		Zones:      DefaultZones(),
	}
}

// DefaultZones is the demo seed used when no file lists zones.
func DefaultZones() []ZoneSeed {
	return []ZoneSeed{
		{ID: "zone-1", Name: "Market Junction", Ward: "1", Lat: 9.9930, Lon: 76.5360, BinCapacity: 500, CurrentFill: 320, GenerationRate: 4.5},
		{ID: "zone-2", Name: "Bus Stand", Ward: "2", Lat: 9.9965, Lon: 76.5410, BinCapacity: 400, CurrentFill: 150, GenerationRate: 6},
		{ID: "zone-3", Name: "Temple Road", Ward: "3", Lat: 9.9880, Lon: 76.5290, BinCapacity: 300, CurrentFill: 60, GenerationRate: 2},
		{ID: "zone-4", Name: "School Lane", Ward: "4", Lat: 9.9905, Lon: 76.5455, BinCapacity: 350, CurrentFill: 200, GenerationRate: 3},
		{ID: "zone-5", Name: "Fish Market", Ward: "5", Lat: 9.9990, Lon: 76.5330, BinCapacity: 600, CurrentFill: 540, GenerationRate: 8},
		{ID: "zone-6", Name: "Riverside Colony", Ward: "6", Lat: 9.9850, Lon: 76.5380, BinCapacity: 250, CurrentFill: 40, GenerationRate: 1.5},
	}
}

// Load reads CONFIG_PATH (if set) over the defaults, then applies environment
// overrides and validates the result.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("CONFIG_PATH"), os.Getenv)
}

// LoadFrom is Load with an explicit file path and env lookup.
func LoadFrom(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := Parse(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Unknown keys are rejected. A file that lists
// zones replaces the default seed.
func Parse(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *float64) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, model.Invalid(key, "not a number"))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, model.Invalid(key, "not an integer"))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, model.Invalid(key, "not a duration"))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, model.Invalid(key, "not a boolean"))
				return
			}
			*dst = b
		}
	}

	str("PORT", &cfg.Server.Port)
	num("RATE_RPS", &cfg.Server.RateRPS)
	integer("RATE_BURST", &cfg.Server.RateBurst)
	str("ALLOW_ORIGINS", &cfg.Server.AllowOrigins)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("SQLITE_PATH", &cfg.Store.SQLitePath)
	str("REDIS_URL", &cfg.Store.RedisURL)
	dur("TICK_INTERVAL", &cfg.Simulation.TickInterval)
	str("RESET_POLICY", &cfg.Simulation.ResetPolicy)
	num("SPEED_KMPH", &cfg.Routing.SpeedKmph)
	integer("IMPROVE_PASSES", &cfg.Routing.ImprovePasses)
	str("OSRM_URL", &cfg.Routing.OSRMURL)
	str("OSRM_PROFILE", &cfg.Routing.OSRMProfile)
	num("VERIFY_RADIUS_METERS", &cfg.Proximity.VerifyRadiusMeters)
	num("COLLECT_RADIUS_METERS", &cfg.Proximity.CollectRadiusMeters)
	dur("SIGNAL_SYNC_INTERVAL", &cfg.Signals.SyncInterval)
	str("SIGNALS_CSV_PATH", &cfg.Signals.CSVPath)
	integer("WEBHOOK_MAX_ATTEMPTS", &cfg.Webhooks.MaxAttempts)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	boolean("TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("TRACING_EXPORTER", &cfg.Tracing.Exporter)
	str("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	num("TRACING_SAMPLE_RATIO", &cfg.Tracing.SampleRatio)
	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail deep inside a component.
// Engine thresholds and zone records are validated again by sim.New.
func (c Config) Validate() error {
	if c.Server.Port == "" {
		return model.Invalid("server.port", "required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return model.Invalid("server.port", "must be numeric")
	}
	if c.Server.RateRPS < 0 || c.Server.RateBurst < 0 {
		return &model.OutOfRangeError{Field: "server.rate", Value: c.Server.RateRPS}
	}
	if c.Simulation.TickInterval <= 0 {
		return &model.OutOfRangeError{Field: "simulation.tickInterval", Value: c.Simulation.TickInterval.Seconds()}
	}
	if c.Simulation.FillWeight < 0 || c.Simulation.StalenessWeight < 0 {
		return &model.OutOfRangeError{Field: "simulation.weights", Value: math.Min(c.Simulation.FillWeight, c.Simulation.StalenessWeight)}
	}
	if !(c.Routing.SpeedKmph > 0) {
		return &model.OutOfRangeError{Field: "routing.speedKmph", Value: c.Routing.SpeedKmph}
	}
	if c.Routing.ImprovePasses < 0 {
		return &model.OutOfRangeError{Field: "routing.improvePasses", Value: float64(c.Routing.ImprovePasses)}
	}
	if !(c.Proximity.VerifyRadiusMeters > 0) {
		return &model.OutOfRangeError{Field: "proximity.verifyRadiusMeters", Value: c.Proximity.VerifyRadiusMeters}
	}
	if !(c.Proximity.CollectRadiusMeters > 0) {
		return &model.OutOfRangeError{Field: "proximity.collectRadiusMeters", Value: c.Proximity.CollectRadiusMeters}
	}
	if c.Signals.SyncInterval < 0 {
		return &model.OutOfRangeError{Field: "signals.syncInterval", Value: c.Signals.SyncInterval.Seconds()}
	}
	if c.Webhooks.MaxAttempts <= 0 {
		return &model.OutOfRangeError{Field: "webhooks.maxAttempts", Value: float64(c.Webhooks.MaxAttempts)}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return &model.OutOfRangeError{Field: "tracing.sampleRatio", Value: c.Tracing.SampleRatio}
	}
	if len(c.Zones) == 0 {
		return model.Invalid("zones", "at least one zone is required")
	}
	return nil
}

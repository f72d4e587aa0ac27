package config

import (
	"wastezone/internal/logging"
	"wastezone/internal/opt"
	"wastezone/internal/roads"
	"wastezone/internal/sim"
	"wastezone/internal/tracing"
	"wastezone/internal/webhooks"
)

func (c Config) SimConfig() sim.Config {
	s := c.Simulation
	return sim.Config{
		TickInterval:      s.TickInterval,
		Thresholds:        sim.Thresholds{Medium: s.Medium, High: s.High, Critical: s.Critical},
		OverflowThreshold: s.OverflowThreshold,
		ResetPolicy:       sim.ResetPolicy(s.ResetPolicy),
		ResidualFraction:  s.ResidualFraction,
	}
}

func (c Config) Scorer() sim.WeightedScorer {
	return sim.WeightedScorer{FillWeight: c.Simulation.FillWeight, StalenessWeight: c.Simulation.StalenessWeight}
}

func (c Config) OptConfig() opt.Config {
	return opt.Config{SpeedKmph: c.Routing.SpeedKmph, ImprovePasses: c.Routing.ImprovePasses}
}

// RoadsConfig reports false when no road router is configured.
func (c Config) RoadsConfig() (roads.Config, bool) {
	if c.Routing.OSRMURL == "" {
		return roads.Config{}, false
	}
	rc := roads.DefaultConfig()
	rc.BaseURL = c.Routing.OSRMURL
	if c.Routing.OSRMProfile != "" {
		rc.Profile = c.Routing.OSRMProfile
	}
	if c.Routing.OSRMTimeout > 0 {
		rc.Timeout = c.Routing.OSRMTimeout
	}
	return rc, true
}

func (c Config) WebhookConfig() webhooks.Config {
	wc := webhooks.DefaultConfig()
	wc.MaxAttempts = c.Webhooks.MaxAttempts
	if c.Webhooks.Interval > 0 {
		wc.Interval = c.Webhooks.Interval
	}
	return wc
}

func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

func (c Config) TracingConfig() tracing.Config {
	t := c.Tracing
	return tracing.Config{Enabled: t.Enabled, ServiceName: t.ServiceName, Exporter: t.Exporter, Endpoint: t.Endpoint, SampleRatio: t.SampleRatio}
}

// Redacted is the view served by the debug endpoint.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"port":              c.Server.Port,
		"rateRps":           c.Server.RateRPS,
		"rateBurst":         c.Server.RateBurst,
		"hasDatabaseUrl":    c.Store.DatabaseURL != "",
		"sqlitePath":        c.Store.SQLitePath,
		"hasRedisUrl":       c.Store.RedisURL != "",
		"tickInterval":      c.Simulation.TickInterval.String(),
		"resetPolicy":       c.Simulation.ResetPolicy,
		"thresholds":        []float64{c.Simulation.Medium, c.Simulation.High, c.Simulation.Critical},
		"overflowThreshold": c.Simulation.OverflowThreshold,
		"speedKmph":         c.Routing.SpeedKmph,
		"improvePasses":     c.Routing.ImprovePasses,
		"osrmUrl":           c.Routing.OSRMURL,
		"verifyRadius":      c.Proximity.VerifyRadiusMeters,
		"collectRadius":     c.Proximity.CollectRadiusMeters,
		"signalSync":        c.Signals.SyncInterval.String(),
		"signalCsvPath":     c.Signals.CSVPath,
		"webhookAttempts":   c.Webhooks.MaxAttempts,
		"tracing":           c.Tracing.Enabled,
		"zones":             len(c.Zones),
	}
}

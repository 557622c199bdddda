package app

import (
	"strings"
	"time"

	"llmsched/internal/config"
	"llmsched/internal/downstream"
	"llmsched/internal/gateway"
	"llmsched/internal/observability/pprof"
	"llmsched/internal/storage"
	logx "llmsched/pkg/logx"
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// mapStorageConfig reports enabled=false when no journal is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy, Retain: sc.Retain}, true, nil
}

func mapDownstream(c config.DownstreamConfig, log logx.Logger) (downstream.Options, error) {
	timeout, err := config.ParseDurationField("downstream.timeout", c.Timeout)
	if err != nil {
		return downstream.Options{}, err
	}
	return downstream.Options{
		BaseURL:    c.BaseURL,
		Path:       c.Path,
		BatchPath:  c.BatchPath,
		Model:      c.Model,
		FastModel:  c.FastModel,
		APIKey:     c.APIKey,
		Headers:    c.Headers,
		Timeout:    timeout,
		RatePerSec: c.RatePerSec,
		Burst:      c.Burst,
		Logger:     log,
	}, nil
}

func mapGateway(c config.ServerConfig) (gateway.Config, error) {
	out := gateway.Config{Addr: c.Addr, MaxBodyBytes: c.MaxBodyBytes, Token: c.Token}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("server.read_timeout", c.ReadTimeout, 30*time.Second); err != nil {
		return out, err
	}
	// Submissions hold the connection until the request settles, so the
	// default write timeout is left unbounded.
	if out.WriteTimeout, err = config.ParseDurationField("server.write_timeout", c.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("server.idle_timeout", c.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

func mapPprofConfig(c config.PprofConfig) (pprof.Config, error) {
	out := pprof.Config{
		Enabled:              c.Enabled,
		Addr:                 c.Addr,
		Prefix:               c.Prefix,
		Token:                c.Token,
		AllowInsecure:        c.AllowInsecure,
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("pprof.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// Profiles and traces stream for their requested duration.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("pprof.write_timeout", c.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("pprof.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

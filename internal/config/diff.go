package config

import (
	"reflect"
	"strings"

	logx "llmsched/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (api keys, tokens) are reported only
// as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		sc := newCfg.Scheduler
		attrs = append(attrs,
			logx.Int("scheduler.max_concurrent", sc.MaxConcurrent),
			logx.Int("scheduler.max_queue_size", sc.MaxQueueSize),
			logx.Bool("scheduler.batching", sc.EnableBatching),
			logx.Bool("scheduler.complexity_routing", sc.EnableComplexityRouting),
		)
	}

	if !reflect.DeepEqual(oldCfg.Downstream, newCfg.Downstream) {
		changed = append(changed, "downstream")
		ds := newCfg.Downstream
		attrs = append(attrs,
			logx.String("downstream.base_url", ds.BaseURL),
			logx.String("downstream.model", ds.Model),
			logx.Bool("downstream.api_key_set", strings.TrimSpace(ds.APIKey) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", newCfg.Server.Enabled),
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if st := newCfg.Storage; st != nil {
			attrs = append(attrs, logx.String("storage.driver", st.Driver), logx.String("storage.path", st.Path))
		}
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", newCfg.Pprof.Addr),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if oldCfg.StatusReport != newCfg.StatusReport {
		changed = append(changed, "status_report")
		attrs = append(attrs,
			logx.Bool("status_report.enabled", newCfg.StatusReport.Enabled),
			logx.String("status_report.schedule", newCfg.StatusReport.Schedule),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed settings that a running process cannot apply.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Downstream, newCfg.Downstream) {
		out = append(out, "downstream")
	}
	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		out = append(out, "server")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if o.DedupMaxEntries != n.DedupMaxEntries {
		out = append(out, "scheduler.dedup_max_entries")
	}
	if !reflect.DeepEqual(o.VolatileKeys, n.VolatileKeys) {
		out = append(out, "scheduler.volatile_keys")
	}
	if o.ComplexityTTL != n.ComplexityTTL {
		out = append(out, "scheduler.complexity_ttl")
	}
	if o.JanitorInterval != n.JanitorInterval {
		out = append(out, "scheduler.janitor_interval")
	}
	return out
}

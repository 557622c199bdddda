package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the whole file. It is run on startup, by -check, and by the
// manager before a reloaded file is committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := ToSchedulerConfig(c.Scheduler); err != nil {
		errs = append(errs, err)
	}

	ds := c.Downstream
	if strings.TrimSpace(ds.BaseURL) == "" {
		errs = append(errs, errors.New("downstream.base_url is required"))
	} else if u, err := url.Parse(ds.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("downstream.base_url must be an http(s) URL, got %q", ds.BaseURL))
	}
	if _, err := ParseDurationField("downstream.timeout", ds.Timeout); err != nil {
		errs = append(errs, err)
	}
	if ds.RatePerSec < 0 || ds.Burst < 0 {
		errs = append(errs, errors.New("downstream.rate_per_sec and downstream.burst must be >= 0"))
	}

	if c.Server.Enabled {
		if addr := strings.TrimSpace(c.Server.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("server.addr: %w", err))
			}
		}
		for path, raw := range map[string]string{
			"server.read_timeout":  c.Server.ReadTimeout,
			"server.write_timeout": c.Server.WriteTimeout,
			"server.idle_timeout":  c.Server.IdleTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
		if c.Server.MaxBodyBytes < 0 {
			errs = append(errs, errors.New("server.max_body_bytes must be >= 0"))
		}
	}

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", st.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if st.Retain < 0 {
			errs = append(errs, errors.New("storage.retain must be >= 0"))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Pprof.Enabled {
		addr := strings.TrimSpace(c.Pprof.Addr)
		if addr == "" {
			addr = "127.0.0.1:6060"
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("pprof.addr: %w", err))
		} else if !isLoopbackHost(host) && strings.TrimSpace(c.Pprof.Token) == "" && !c.Pprof.AllowInsecure {
			errs = append(errs, fmt.Errorf("pprof.addr %q is not loopback; set pprof.token or pprof.allow_insecure", addr))
		}
	}

	if c.StatusReport.Enabled {
		spec := strings.TrimSpace(c.StatusReport.Schedule)
		if spec == "" {
			spec = DefaultStatusSchedule
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("status_report.schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}

const DefaultStatusSchedule = "@every 1m"

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

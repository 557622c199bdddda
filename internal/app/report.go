package app

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"llmsched/internal/config"
	"llmsched/internal/sched"
	logx "llmsched/pkg/logx"
	"llmsched/pkg/systemd"
)

// statusReporter logs a metrics snapshot on a cron schedule and mirrors a
// one-line summary into the systemd status.
type statusReporter struct {
	c *cron.Cron
}

func startStatusReport(rc config.StatusReportConfig, s *sched.Scheduler, sd systemd.Notifier, log logx.Logger) (*statusReporter, error) {
	if !rc.Enabled {
		return nil, nil
	}
	spec := strings.TrimSpace(rc.Schedule)
	if spec == "" {
		spec = config.DefaultStatusSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { reportStatus(s, sd, log) }); err != nil {
		return nil, fmt.Errorf("status_report.schedule: %w", err)
	}
	c.Start()
	log.Debug("status report scheduled", logx.String("schedule", spec))
	return &statusReporter{c: c}, nil
}

func (r *statusReporter) stop() {
	if r == nil || r.c == nil {
		return
	}
	<-r.c.Stop().Done()
}

func reportStatus(s *sched.Scheduler, sd systemd.Notifier, log logx.Logger) {
	st := s.Status()
	m := st.Metrics
	log.Info("scheduler status",
		logx.Int("queued", st.QueueLength),
		logx.Int("windowed", st.WindowLength),
		logx.Int("in_flight", st.InFlight),
		logx.Uint64("total", m.Total),
		logx.Uint64("completed", m.Completed),
		logx.Uint64("failed", m.Failed),
		logx.Uint64("retried", m.Retried),
		logx.Uint64("cancelled", m.Cancelled),
		logx.Uint64("rejected", m.Rejected),
		logx.Float64("cache_hit_rate", m.CacheHitRate),
		logx.Float64("batching_rate", m.BatchingRate),
		logx.Duration("avg_processing", m.AvgProcessing),
	)
	_, _ = sd.Status(statusLine(st))
}

func statusLine(st sched.Status) string {
	return fmt.Sprintf("queued=%d in_flight=%d/%d completed=%d failed=%d",
		st.QueueLength, st.InFlight, st.MaxConcurrent, st.Metrics.Completed, st.Metrics.Failed)
}

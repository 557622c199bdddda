package config

import (
	"fmt"

	"llmsched/internal/sched"
)

// ToSchedulerConfig resolves the scheduler section against sched.DefaultConfig.
func ToSchedulerConfig(sc SchedulerConfig) (sched.Config, error) {
	c := sched.DefaultConfig()

	if sc.MaxConcurrent > 0 {
		c.MaxConcurrent = sc.MaxConcurrent
	}
	if sc.MaxQueueSize > 0 {
		c.MaxQueueSize = sc.MaxQueueSize
	}
	if sc.PriorityLevels != nil {
		c.Levels = sched.PriorityLevels{High: sc.PriorityLevels.High, Normal: sc.PriorityLevels.Normal, Low: sc.PriorityLevels.Low}
	}
	if sc.MaxRetries != nil {
		c.MaxRetries = *sc.MaxRetries
	}
	if sc.RetryPriorityStep > 0 {
		c.RetryPriorityStep = sc.RetryPriorityStep
	}
	c.EnableBatching = sc.EnableBatching
	if sc.MaxBatchSize > 0 {
		c.MaxBatchSize = sc.MaxBatchSize
	}
	if sc.EnableDeduplication != nil {
		c.EnableDeduplication = *sc.EnableDeduplication
	}
	if sc.DedupMaxEntries > 0 {
		c.DedupMaxEntries = sc.DedupMaxEntries
	}
	if sc.VolatileKeys != nil {
		c.VolatileKeys = append([]string(nil), sc.VolatileKeys...)
	}
	c.EnableComplexityRouting = sc.EnableComplexityRouting
	if sc.ComplexityThreshold > 0 {
		c.ComplexityThreshold = sc.ComplexityThreshold
	}

	var err error
	if c.RequestTimeout, err = ParseDurationOrDefault("scheduler.request_timeout", sc.RequestTimeout, c.RequestTimeout); err != nil {
		return c, err
	}
	if c.BatchTimeout, err = ParseDurationOrDefault("scheduler.batch_timeout", sc.BatchTimeout, c.BatchTimeout); err != nil {
		return c, err
	}
	if c.DedupTTL, err = ParseDurationOrDefault("scheduler.dedup_ttl", sc.DedupTTL, c.DedupTTL); err != nil {
		return c, err
	}
	if c.ComplexityTTL, err = ParseDurationOrDefault("scheduler.complexity_ttl", sc.ComplexityTTL, c.ComplexityTTL); err != nil {
		return c, err
	}
	if c.JanitorInterval, err = ParseDurationOrDefault("scheduler.janitor_interval", sc.JanitorInterval, c.JanitorInterval); err != nil {
		return c, err
	}

	if c.MaxRetries < 0 {
		return c, fmt.Errorf("scheduler.max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.Levels.High < 0 || c.Levels.High > c.Levels.Normal || c.Levels.Normal > c.Levels.Low {
		return c, fmt.Errorf("scheduler.priority_levels must satisfy 0 <= high <= normal <= low, got %v/%v/%v", c.Levels.High, c.Levels.Normal, c.Levels.Low)
	}
	if c.ComplexityThreshold > 1 {
		return c, fmt.Errorf("scheduler.complexity_threshold must be in (0,1], got %v", c.ComplexityThreshold)
	}
	return c, nil
}

// ToSchedulerPatch returns a patch carrying every live-updatable field of the
// resolved section. Fields outside sched.ConfigPatch (cache sizes, volatile
// keys, janitor interval) only take effect on restart.
func ToSchedulerPatch(sc SchedulerConfig) (sched.ConfigPatch, error) {
	c, err := ToSchedulerConfig(sc)
	if err != nil {
		return sched.ConfigPatch{}, err
	}
	return sched.ConfigPatch{
		MaxConcurrent:           &c.MaxConcurrent,
		MaxQueueSize:            &c.MaxQueueSize,
		RequestTimeout:          &c.RequestTimeout,
		Levels:                  &c.Levels,
		MaxRetries:              &c.MaxRetries,
		RetryPriorityStep:       &c.RetryPriorityStep,
		EnableBatching:          &c.EnableBatching,
		BatchTimeout:            &c.BatchTimeout,
		MaxBatchSize:            &c.MaxBatchSize,
		EnableDeduplication:     &c.EnableDeduplication,
		DedupTTL:                &c.DedupTTL,
		EnableComplexityRouting: &c.EnableComplexityRouting,
		ComplexityThreshold:     &c.ComplexityThreshold,
	}, nil
}

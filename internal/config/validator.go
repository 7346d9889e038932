package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks cfg for the constraints a complete server needs to
// boot predictably, setting defaults for zero-valued optional fields
// in place, following the teacher's "set default if zero/empty" idiom.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.SubEndpoint == "" {
		cfg.SubEndpoint = defaultSubEndpoint
	}
	if cfg.PubEndpoint == "" {
		cfg.PubEndpoint = defaultPubEndpoint
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if cfg.WorkerPool.QueueCapacity <= 0 {
		cfg.WorkerPool.QueueCapacity = 256
	}
	if cfg.WorkerPool.Size < 0 {
		return fmt.Errorf("worker_pool.size must be >= 0")
	}

	if err := validateObjectPool(&cfg.ObjectPool); err != nil {
		return fmt.Errorf("object_pool: %w", err)
	}

	return nil
}

func validateObjectPool(p *ObjectPool) error {
	if p.TaskPrealloc < 0 || p.FramePrealloc < 0 {
		return fmt.Errorf("prealloc counts must be >= 0")
	}
	if p.TaskMaxTotal > 0 && p.TaskPrealloc > p.TaskMaxTotal {
		return fmt.Errorf("task_prealloc (%d) exceeds task_max_total (%d)", p.TaskPrealloc, p.TaskMaxTotal)
	}
	if p.FrameMaxTotal > 0 && p.FramePrealloc > p.FrameMaxTotal {
		return fmt.Errorf("frame_prealloc (%d) exceeds frame_max_total (%d)", p.FramePrealloc, p.FrameMaxTotal)
	}
	if p.TaskMaxThreadCache < 0 || p.FrameMaxThreadCache < 0 {
		return fmt.Errorf("max_thread_cache values must be >= 0")
	}
	return nil
}

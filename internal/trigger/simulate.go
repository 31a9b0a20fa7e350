package trigger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/yairfalse/runqslower/internal/lifecycle"
	"github.com/yairfalse/runqslower/internal/sampler"
	"go.uber.org/zap"
)

// SimulateConfig shapes the synthetic scheduler load
type SimulateConfig struct {
	CPUs        int
	TasksPerCPU int
	MeanWait    time.Duration
	Interval    time.Duration
	// ExitPercent is the share of wakeups that end in an exit before the
	// task is scheduled.
	ExitPercent int
	Seed        uint64
}

var simulatedComms = []string{"kworker/0:1", "postgres", "nginx", "java", "sshd", "containerd"}

type simTask struct {
	tid  uint32
	pid  uint32
	comm sampler.Comm
}

// SimulateSource generates runnable/scheduled pairs from one goroutine per
// simulated CPU. A task only ever runs on its own CPU, so a task is never
// woken and switched in concurrently.
type SimulateSource struct {
	cfg    SimulateConfig
	logger *zap.Logger
}

// NewSimulateSource creates a synthetic trigger source
func NewSimulateSource(cfg SimulateConfig, logger *zap.Logger) *SimulateSource {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 4
	}
	if cfg.TasksPerCPU <= 0 {
		cfg.TasksPerCPU = 32
	}
	if cfg.MeanWait <= 0 {
		cfg.MeanWait = 2 * time.Millisecond
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulateSource{cfg: cfg, logger: logger.Named("simulate")}
}

// Name implements Source
func (s *SimulateSource) Name() string {
	return "simulate"
}

// Attach starts the simulated CPUs
func (s *SimulateSource) Attach(ctx context.Context, hooks Hooks) (Attachment, error) {
	if s.cfg.ExitPercent < 0 || s.cfg.ExitPercent > 100 {
		return nil, attachErr(s.Name(), "validate", fmt.Errorf("exit percent %d out of range", s.cfg.ExitPercent))
	}

	start := time.Now()
	lm := lifecycle.NewManager(ctx, s.logger)
	for cpu := 0; cpu < s.cfg.CPUs; cpu++ {
		tasks := s.tasksFor(cpu)
		rng := rand.New(rand.NewPCG(s.cfg.Seed, uint64(cpu)))
		lm.Go(fmt.Sprintf("cpu-%d", cpu), func(ctx context.Context) {
			s.runCPU(ctx, start, tasks, rng, hooks)
		})
	}

	s.logger.Info("Simulated trigger points attached",
		zap.Int("cpus", s.cfg.CPUs),
		zap.Int("tasks_per_cpu", s.cfg.TasksPerCPU),
		zap.Duration("mean_wait", s.cfg.MeanWait))

	return &simulateAttachment{lifecycle: lm}, nil
}

func (s *SimulateSource) tasksFor(cpu int) []simTask {
	tasks := make([]simTask, s.cfg.TasksPerCPU)
	for i := range tasks {
		tid := uint32(1000 + cpu*s.cfg.TasksPerCPU + i)
		tasks[i] = simTask{
			tid: tid,
			// four threads per process
			pid:  tid - tid%4,
			comm: sampler.CommFromString(simulatedComms[int(tid)%len(simulatedComms)]),
		}
	}
	return tasks
}

func (s *SimulateSource) runCPU(ctx context.Context, start time.Time, tasks []simTask, rng *rand.Rand, hooks Hooks) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task := tasks[rng.IntN(len(tasks))]
		now := uint64(time.Since(start))
		hooks.OnRunnable(task.tid, now)

		if s.cfg.ExitPercent > 0 && rng.IntN(100) < s.cfg.ExitPercent {
			hooks.OnExit(task.tid)
			continue
		}

		wait := uint64(rng.ExpFloat64() * float64(s.cfg.MeanWait))
		hooks.OnScheduled(task.tid, task.pid, task.comm, now+wait)
	}
}

type simulateAttachment struct {
	lifecycle *lifecycle.Manager
}

func (a *simulateAttachment) Close() error {
	return a.lifecycle.Stop(5 * time.Second)
}

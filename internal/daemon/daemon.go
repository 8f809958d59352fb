package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"scribe/internal/api"
	"scribe/internal/config"
	"scribe/internal/logging"
)

// Daemon hosts the HTTP API and the periodic retention sweep, and
// enforces single-instance execution through a lock file.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	svc    *api.Service
	server *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	JobsDBPath   string
	WorkflowDir  string
	LockFilePath string
}

// New constructs a daemon around the orchestration service.
func New(cfg *config.Config, svc *api.Service, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || svc == nil {
		return nil, errors.New("daemon requires config and service")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		svc:      svc,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	server, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.server = server
	return d, nil
}

// Start acquires the instance lock, binds the API listener, and kicks
// off the retention sweep loop.
func (d *Daemon) Start(ctx context.Context) error {
	acquired, err := d.lock.TryLock()
	if err != nil {
		return err
	}
	if !acquired {
		return errors.New("another instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if d.server != nil {
		if err := d.server.start(d.ctx); err != nil {
			d.cancel()
			_ = d.lock.Unlock()
			return err
		}
	}
	d.running.Store(true)
	d.warnStuckSteps()
	go d.sweepLoop()

	d.logger.Info("daemon started",
		logging.Int("pid", os.Getpid()),
		logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts down the API server and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		d.server.stop()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release lock", logging.Error(err))
	}
	d.logger.Info("daemon stopped")
}

// Wait blocks until the daemon's context ends.
func (d *Daemon) Wait() {
	if d.ctx == nil {
		return
	}
	<-d.ctx.Done()
}

// Status reports runtime information.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		JobsDBPath:   d.cfg.JobsDBPath(),
		WorkflowDir:  d.cfg.WorkflowDir(),
		LockFilePath: d.lockPath,
	}
}

// Addr returns the API listener address, empty before Start.
func (d *Daemon) Addr() string {
	if d.server == nil {
		return ""
	}
	return d.server.addr()
}

// warnStuckSteps flags running steps left behind by a crash. They are
// not failed automatically; an operator reruns or fails them.
func (d *Daemon) warnStuckSteps() {
	threshold := time.Duration(d.cfg.Cleanup.WorkflowRetentionHours) * time.Hour
	if threshold <= 0 {
		return
	}
	stuck, err := d.svc.StuckRunningSteps(d.ctx, threshold)
	if err != nil {
		d.logger.Warn("stuck step scan failed", logging.Error(err))
		return
	}
	for _, step := range stuck {
		d.logger.Warn("step still marked running from a previous run",
			logging.String("workflow_id", step.WorkflowID),
			logging.String("step", step.Step),
			logging.String("started_at", step.StartedAt.Format(time.RFC3339)))
	}
}

func (d *Daemon) sweepLoop() {
	interval := time.Duration(d.cfg.Cleanup.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.svc.Cleanup(d.ctx); err != nil {
				d.logger.Warn("retention sweep failed", logging.Error(err))
			}
		}
	}
}

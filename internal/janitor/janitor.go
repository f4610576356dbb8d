package janitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"piquante-api/internal/storage"
)

// ErrStopped is returned by Enqueue after Shutdown.
var ErrStopped = errors.New("janitor stopped")

// Janitor releases attachments that no record references anymore.
type Janitor interface {
	Start(ctx context.Context) error
	Shutdown()
	Enqueue(job Job) error
	Stats() Stats
}

// Job names an attachment to release and the sauce it belonged to.
type Job struct {
	SauceID string
	Key     string
	Reason  string
}

type Stats struct {
	Released int64
	Failed   int64
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *logrus.Logger
}

type janitor struct {
	cfg     Config
	storage storage.Service

	queue   chan Job
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool

	released atomic.Int64
	failed   atomic.Int64
}

func New(cfg Config, store storage.Service) Janitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &janitor{
		cfg:     cfg,
		storage: store,
		queue:   make(chan Job, cfg.QueueSize),
	}
}

func (j *janitor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrStopped
	}
	if j.started {
		return nil
	}
	j.started = true

	for i := 0; i < j.cfg.Workers; i++ {
		j.wg.Add(1)
		go j.worker()
	}
	j.cfg.Logger.Infof("attachment janitor started with %d workers", j.cfg.Workers)
	return nil
}

func (j *janitor) Shutdown() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	started := j.started
	j.mu.Unlock()

	if !started {
		for job := range j.queue {
			j.release(job)
		}
	}
	j.wg.Wait()
	j.cfg.Logger.WithFields(logrus.Fields{
		"released": j.released.Load(),
		"failed":   j.failed.Load(),
	}).Info("attachment janitor stopped")
}

// Enqueue schedules job. When the queue is full the release runs inline.
func (j *janitor) Enqueue(job Job) error {
	if job.Key == "" {
		return nil
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrStopped
	}
	select {
	case j.queue <- job:
		j.mu.Unlock()
		return nil
	default:
	}
	j.mu.Unlock()

	j.cfg.Logger.WithField("key", job.Key).Warn("janitor queue full, releasing inline")
	j.release(job)
	return nil
}

func (j *janitor) Stats() Stats {
	return Stats{Released: j.released.Load(), Failed: j.failed.Load()}
}

func (j *janitor) worker() {
	defer j.wg.Done()
	for job := range j.queue {
		j.release(job)
	}
}

func (j *janitor) release(job Job) {
	// not tied to the request or server context: queued releases drain on shutdown
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()

	log := j.cfg.Logger.WithFields(logrus.Fields{
		"sauce_id": job.SauceID,
		"key":      job.Key,
		"reason":   job.Reason,
	})
	if err := j.storage.Delete(ctx, job.Key); err != nil {
		j.failed.Add(1)
		log.WithError(err).Error("release attachment failed, object is orphaned")
		return
	}
	j.released.Add(1)
	log.Debug("attachment released")
}

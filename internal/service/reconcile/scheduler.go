package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// DefaultJobTimeout ограничивает один запуск задачи.
const DefaultJobTimeout = time.Minute

// Scheduler запускает задачи по cron-расписанию.
type Scheduler struct {
	cron    *cron.Cron
	logger  *log.Entry
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler создаёт планировщик. Паники задач перехватываются, перекрывающиеся запуски пропускаются.
func NewScheduler(logger *log.Entry, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = log.New().WithField("component", "reconcile-scheduler")
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	cronLogger := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add регистрирует задачу. spec — cron-выражение или "@every 1m".
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.Run(job) }); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name(), err)
	}
	s.logger.WithFields(log.Fields{"job": job.Name(), "schedule": spec}).Info("job scheduled")
	return nil
}

// Run выполняет задачу один раз с таймаутом.
func (s *Scheduler) Run(job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	started := time.Now()
	logger := s.logger.WithField("job", job.Name())
	if err := job.Sweep(ctx); err != nil {
		logger.WithError(err).Warn("job finished with error")
		return
	}
	logger.WithField("duration", time.Since(started)).Debug("job finished")
}

// Start запускает планировщик в фоне.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop останавливает планировщик и ждёт завершения запущенных задач или ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

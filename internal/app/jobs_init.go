package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/service/idempotency"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/reconcile"
)

type scheduledJob struct {
	spec string
	job  reconcile.Job
}

// initScheduler регистрирует периодические задачи: истечение аренд, реконсиляцию
// журнала резервирований и очистку ключей идемпотентности.
func initScheduler(cfg Config, deps *Dependencies, storage *runtimeDependencies, logger *log.Entry) (*reconcile.Scheduler, error) {
	scheduler := reconcile.NewScheduler(logger.WithField("component", "reconcile-scheduler"), reconcile.DefaultJobTimeout)

	jobs := []scheduledJob{
		{cfg.ExpirySchedule, reconcile.NewExpiryJob(deps.Coordinator, reconcile.DefaultBatchSize)},
		{cfg.ReservationSchedule, reconcile.NewReservationJob(
			storage.reservationRepo,
			storage.rentalRepo,
			deps.Coordinator,
			logger.WithField("component", "reservation-reconciler"),
			reconcile.WithGrace(cfg.ReservationGrace),
		)},
	}
	if cfg.IdempotencyCleanupInterval > 0 {
		jobs = append(jobs, scheduledJob{
			fmt.Sprintf("@every %s", cfg.IdempotencyCleanupInterval),
			idempotency.NewCleanupWorker(
				storage.idempotencyRepo,
				idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
				idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
			),
		})
	}

	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := scheduler.Add(j.spec, j.job); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

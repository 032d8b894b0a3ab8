package dispatch

import "time"

// Observer receives job lifecycle notifications from pools.
//
// Calls for one job happen in queued, started, finished order from the job's
// point of view, but JobQueued is made after the job is visible to workers,
// so an implementation must tolerate JobStarted arriving first.
type Observer interface {
	JobQueued(pool string, job Job)
	JobStarted(pool string, job Job)
	JobFinished(pool string, job Job, elapsed time.Duration, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) JobQueued(string, Job) {}
func (NopObserver) JobStarted(string, Job) {}
func (NopObserver) JobFinished(string, Job, time.Duration, error) {}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (o Observers) JobQueued(pool string, job Job) {
	for _, obs := range o {
		obs.JobQueued(pool, job)
	}
}

func (o Observers) JobStarted(pool string, job Job) {
	for _, obs := range o {
		obs.JobStarted(pool, job)
	}
}

func (o Observers) JobFinished(pool string, job Job, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.JobFinished(pool, job, elapsed, err)
	}
}

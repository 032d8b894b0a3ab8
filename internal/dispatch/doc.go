// Package dispatch runs jobs off the request-handling goroutines on two
// independent bounded worker pools.
//
// The async pool takes fire-and-release submissions: the caller gets a job ID
// before the job starts and the outcome is only logged and reported to
// observers. The sync pool takes blocking submissions: the caller waits for
// the outcome. Keeping them apart means a burst of async work cannot starve
// synchronous callers, and the reverse.
//
// Pool behaviour:
//   - Exactly N worker goroutines per pool; at most N jobs run at once
//   - FIFO admission from a queue that is unbounded unless MaxQueue > 0
//   - A panicking job is recovered and reported as a failed job
//   - Jobs run under the dispatcher's base context, never the caller's
//
// Timeouts:
//   - None by default: a job runs to completion or until Close cancels it
//   - Config.JobTimeout > 0 bounds every job's context
package dispatch

// Package runs owns the lifecycle of submitted pipeline runs.
//
// States:
//   - queued -> running -> succeeded | failed | cancelled
//   - queued -> cancelled (cancel requested before a run slot was free)
//
// Submit validates the pipeline document and its job graph synchronously and
// persists the run as queued; execution happens on a background goroutine
// bounded by MaxConcurrentRuns. Cancel only raises the persisted
// cancel_requested flag; the executor observes it between batches and before
// or after each job.
//
// A run succeeds when the executor completes and no required job failed.
// Optional job failures are recorded on the job but do not fail the run.
//
// Auditing:
//   - run.submitted, run.cancel_requested and run.finished are emitted once
//     each when an Auditor is configured.
//   - audit failures are logged and never change the run outcome.
package runs

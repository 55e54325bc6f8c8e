// Package workflow implements the dependency-aware job executor that drives
// every multi-step pipeline (download -> build -> deploy).
//
// A run is described by a RunConfig: an ordered job list, a concurrency cap,
// a continue-on-failure flag and the initial variables. The Executor:
//   - builds the dependency graph (explicit overrides win over DependsOn),
//   - rejects dangling references (ErrJobNotFound) and cycles (ErrDependencyCycle)
//     before any job runs,
//   - computes topological batches and runs each batch with at most
//     MaxParallelJobs jobs holding the run-wide semaphore,
//   - polls the CancellationProvider between batches only.
//
// Context semantics:
//   - every job in a batch starts from the same snapshot of the
//     ExecutionContext; siblings never observe each other's writes,
//   - after the batch drains, returned contexts are merged into the canonical
//     context in completion order. Outputs and artifacts are namespaced per job
//     and cannot collide; two siblings writing the same variable key is a
//     last-writer-wins race,
//   - a key present in the snapshot but missing from a job's returned context
//     counts as deleted, so a job returning a fresh context drops everything
//     it did not carry over.
//
// Skipped jobs produce no outputs and their dependents are still scheduled.
// Dependents that read a skipped or failed job's outputs must tolerate a
// missing value (Output returns ok=false).
package workflow

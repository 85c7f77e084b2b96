// Package runner drives sustained send load for relaycheck.
//
// A Runner hands attempt indexes to a [pool.WorkPool] and paces dispatch with
// a shared arrival controller. Exactly one of two governors applies:
//   - count mode: Options.Total attempts, the pool drains
//   - window mode: Options.Duration, capped by Options.MaxAttempts; the pool
//     is paused when the window closes and in-flight sends are allowed to
//     finish
//
// # Basic Usage
//
//	r := runner.New(runner.Options{
//		Workers:   12,
//		Duration:  15 * time.Second,
//		Requester: runner.RequesterFunc(post),
//	})
//	res, err := r.Run(ctx)
//
// Result.InflightAtCutoff counts sends that were on the wire when the window
// closed. They complete normally and are included in Result.Completed.
//
// # Arrival Models
//
//   - [ArrivalModelUniform]: fixed spacing through a rate.Limiter
//   - [ArrivalModelPoisson]: exponential inter-arrival times
//
// # Middleware
//
//   - [WithLogging]: log send failures through a [FailureLogger]
package runner

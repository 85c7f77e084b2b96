// Package metrics measures harness phases and the sends they perform.
//
// A [Timer] captures the wall time of a phase together with the number of
// operations it completed; its [Snapshot] derives the resulting rate:
//
//	timer := metrics.StartTimer()
//	// ... perform work, calling timer.Add(1) per completed operation
//	snap := timer.Snapshot()
//	fmt.Printf("%d in %s (%.1f/s)\n", snap.Completed, snap.Elapsed, snap.Rate())
//
// A [Collector] aggregates per-send latency into an HDR histogram and breaks
// failures down by error class:
//
//	collector := metrics.NewCollector()
//	collector.Start()
//	collector.RecordSend(latency, err)
//	stats := collector.Stats(elapsed)
//
// Both types are safe for concurrent use by pool workers.
package metrics

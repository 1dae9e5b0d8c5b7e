// Package warmup pre-populates the mirror cache at startup.
//
// A Warmer sends GET requests for a fixed list of paths through a running
// mirror, so the responses are fetched once and stored like any client
// request. Keys include the request host, so BaseURL should be the address
// clients use.
//
// Example usage:
//
//	w, err := warmup.New(warmup.Config{BaseURL: "http://localhost:8080", Concurrency: 4})
//	summary, err := w.Run(ctx, []string{"/torvalds/linux/archive/refs/tags/v6.6.tar.gz"})
//
// The warmer:
//   - Spawns a worker pool (default 4 workers)
//   - Distributes paths across workers
//   - Drains every body so the mirror schedules its cache write
//   - Returns a summary and an error naming the failed count
package warmup

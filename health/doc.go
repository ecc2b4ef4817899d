// Package health tracks the health of the server's dependencies and
// aggregates it into one status for the health endpoint.
//
// # Health States
//
//   - Healthy: operating normally
//   - Degraded: operating with reduced functionality
//   - Unhealthy: not functioning
//
// Aggregation is worst-wins: any unhealthy component makes the system
// unhealthy, otherwise any degraded component makes it degraded.
//
// # Basic Usage
//
//	monitor := health.NewMonitor()
//	monitor.SetRecorder(registry.CoreMetrics())
//	monitor.AddCheck("nats", "connected", func(ctx context.Context) error {
//	    if client.Status() != natsclient.StatusConnected {
//	        return natsclient.ErrNotConnected
//	    }
//	    return nil
//	})
//	monitor.Start(ctx, 10*time.Second)
//
//	system := monitor.AggregateHealth("concur")
//
// Messages built by FromError are sanitized: URLs, file paths, IP addresses,
// ports and credentials are replaced with placeholders before they leave the
// process.
//
// Each component status records Since, the time it entered its current state,
// and Failures, the number of consecutive non-healthy reports, so the health
// endpoint shows how long a dependency has been down.
//
// All Monitor methods are safe for concurrent use. Status values are copied
// on read.
package health

// Package failover sends one logical model request across an ordered list
// of provider profiles, moving to the next profile when the current one
// fails and keeping failed profiles in cooldown.
//
// Invariants:
//   - A profile whose cooldown has not expired is never dialed; it is
//     recorded as a skipped rate_limit attempt instead.
//   - A 2xx response clears the serving profile's cooldown entry.
//   - A 400 (format) response is returned to the caller as-is and never
//     retried on another profile.
//   - The cooldown table belongs to a Client and is safe for concurrent
//     use by many conversations.
//
// Usage:
//
//	client, err := failover.NewClient(failover.Config{Profiles: profiles, Logger: logger})
//	if err != nil {
//		return err
//	}
//	res, err := client.FetchWithFailover(ctx, buildRequest, 60*time.Second)
//	if err != nil {
//		var agg *failover.AggregateError
//		if errors.As(err, &agg) {
//			// agg.Attempts lists every profile tried
//		}
//		return err
//	}
//	defer res.Response.Body.Close()
package failover

// Package ratelimit provides a distributed token bucket rate limiter.
//
// Bucket state is kept in a shared store.Store, so any number of service
// instances enforce a single budget per identifier. Each decision is one
// atomic store operation (a Lua script on Redis); there is no local cache.
//
// # Quick Start
//
//	st := store.NewRedisStore(store.RedisConfig{Addr: "localhost:6379"})
//	limiter, err := ratelimit.New(st,
//	    ratelimit.WithPolicy(10, 2.0),  // 10 tokens, 2/sec refill
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ok, err := limiter.Consume(ctx, "user-123", 1)
//
// # HTTP Middleware
//
//	http.Handle("/api/", limiter.Middleware(yourHandler))
//
// The middleware sets X-RateLimit-Limit and X-RateLimit-Remaining on
// every response it lets through, and answers 429 with Retry-After when
// the bucket is empty. Store failures fail closed (500) unless
// WithFailOpen(true) is set.
//
// # Expiry
//
// An idle bucket expires after the time it takes to refill from empty plus
// one minute. The identifier then starts over with a full bucket, which
// bounds memory for one-off clients.
package ratelimit

// Package server hosts the Fiber HTTP service for the offline agent: the
// request middleware chain (request id, client cookie), the Route derived
// from config that maps incoming paths onto the origin, and the shared
// upstream client plus OriginFetcher used for every origin round-trip.
// Diagnostics under /-/ bypass the proxy and are registered by the routes
// package.
package server

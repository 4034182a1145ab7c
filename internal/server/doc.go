// Package server hosts the Fiber application that fronts the track cache.
// GET /api/tracks/:id hands the id to Cache.Produce and streams whatever comes
// back, hit or miss; GET /-/stats reports the Index item count and total bytes.
// Every response carries an X-Request-ID generated by the router middleware.
package server

// Package cache implements the disk-backed track cache. Content lives under
// <root>/data/<2-hex>/<2-hex>/<rest-of-sha256>, metadata lives in the bbolt
// store at <root>/index. A hit streams the stored file; a miss calls the
// injected Producer, tees its stream to the caller and to a temp file, and
// publishes a Record only after the renamed file has been stat'ed and its size
// confirmed. Concurrent misses on one key share a single production.
package cache

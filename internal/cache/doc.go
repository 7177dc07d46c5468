// Package cache implements the named response caches used by the offline
// agent. A Storage holds any number of Caches keyed by name (the cache
// version); each Cache maps a request Key (GET + absolute URL) to a fully
// buffered Response.
//
// Two backends are provided: a directory-per-cache filesystem store that
// writes entries with temp file + rename, and a single-file SQLite store.
// Populator fills a Cache from a list of Keys during install.
package cache

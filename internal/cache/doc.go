// Package cache defines the generation-aware response store used by the
// interception layer. A Store is scoped to one site namespace and holds any
// number of named generations (precache, runtime and stale leftovers from
// older versions); each generation maps a request identity to a full
// response snapshot. Backends: disk (temp file + rename), bigcache, SQLite
// and Redis, all sharing one msgpack entry envelope. Entries are whole-value
// overwrites so concurrent writers can at worst lose an update.
package cache

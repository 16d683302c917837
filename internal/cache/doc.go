// Package cache defines the disk-backed response store behind the gateway's
// caching strategies. The store is partitioned into named namespaces
// (StoragePath/<app>/caches/<namespace>/<key>), writes go through a temp file
// + rename so a key never exposes a partial body, and namespaces can be
// listed and purged as a unit when the lifecycle controller activates a new
// version. ResponseCache layers HTTP semantics (method + URL keys, serialized
// status/headers/body) on top of the raw Store.
package cache

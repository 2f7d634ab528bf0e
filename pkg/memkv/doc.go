// Package memkv is a sharded, thread-safe in-memory byte store with per-key
// TTL. Expired keys are removed lazily on access and by a background expirer
// driven by a deadline heap. Values are copied on the way in and out so
// callers never share backing arrays with the store.
package memkv

// Package cache provides a hot cache for the latest market state.
//
// It provides a byte-oriented Cache interface with a memory
// implementation, a typed Store for market records with gob encoding, and
// per-kind TTL policies.
package cache

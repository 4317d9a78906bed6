// Package ratelimit implements the fleet-wide rate limiter: fleet
// capacity (derived from the worker table), spawn cooldown, and daily
// iteration budget, the latter two tracked in Redis.
package ratelimit

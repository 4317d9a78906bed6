// Package storage is the persistence gateway: typed access to the
// Postgres-backed relational store behind a Gateway interface, with
// transaction support and one finder per entity.
package storage

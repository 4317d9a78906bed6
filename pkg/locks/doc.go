// Package locks implements the file-lock service: per-path exclusive
// advisory locks across concurrent workers, arbitrated by the persistence
// gateway's UNIQUE(file_path) constraint.
package locks

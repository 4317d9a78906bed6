// Package log provides structured logging built on zerolog: a global
// logger configured once via Init, and component-scoped child loggers
// via WithComponent.
package log

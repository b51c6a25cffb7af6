// Package log provides structured logging for the server using zerolog.
//
// All logs include timestamps and can be filtered by level. Call Init
// once at startup, then derive component loggers with WithComponent and
// friends.
package log

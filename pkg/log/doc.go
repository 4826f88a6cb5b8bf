// Package log provides structured logging for all strata nodes, built on
// zerolog. Init configures the global logger once at process start; the
// With* helpers derive child loggers carrying standard fields.
package log

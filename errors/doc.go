// Package errors provides standardized error handling for ArqonBus
// components. It defines the bus error taxonomy (admission, routing,
// inspection, overload, circuit validation), error classification for
// retry decisions, and helpers for consistent error wrapping.
package errors

// Package types defines the value objects, state machine constants, and
// standard error types for the flexsync subscription store.
package types

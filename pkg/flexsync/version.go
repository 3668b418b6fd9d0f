// Package flexsync exposes module-level metadata.
package flexsync

// Version is the flexsync module version.
const Version = "0.3.0"

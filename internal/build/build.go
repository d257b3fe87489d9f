// Package build carries version metadata injected at link time.
package build

var (
	// Version is set via -ldflags "-X relink/internal/build.Version=...".
	Version = "dev"
	// Time is the build timestamp, set the same way.
	Time = "unknown"
)

// Package version exposes the build version, set at link time.
package version

// Version is overridden via -ldflags at release builds.
var Version = "dev"

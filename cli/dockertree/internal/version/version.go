// Package version carries the tool version stamped into builds and
// package manifests.
package version

// Version is overridden at release build time via -ldflags.
var Version = "1.2.0-dev"

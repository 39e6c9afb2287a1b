// Package version pins the identifiers stamped into every manifest.
package version

const (
	// App is the service version reported by the CLI and /health.
	App = "v1.3.0"
	// Engine is stamped into manifests as engine_version.
	Engine = "sim-1.2.0"
	// Builder is stamped into manifests as builder_version.
	Builder = "builder-1.0.4"
)

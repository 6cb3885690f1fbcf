// Package version holds build metadata stamped in with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/pysugar/toolchat-nexus/internal/version.Version=v0.3.0"
package version

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// UserAgent identifies the service to the model API and tool servers.
func UserAgent() string {
	return "toolchat-nexus/" + Version
}

// Info is the version payload served at /api/version.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"build_time": BuildTime,
	}
}

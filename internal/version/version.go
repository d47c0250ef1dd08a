// Package version holds build metadata, set at link time:
//
//	go build -ldflags "-X github.com/rickgao/pushsession/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/pushsession/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/pushsession/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent identifies the client on the WebSocket handshake.
func UserAgent() string {
	return "pushsession/" + Version
}

// Package version holds the agent name and build version reported to the
// authority and on the local API. Override Version at link time:
//
//	go build -ldflags '-X github.com/invisible-tech/endpoint-agent/internal/version.Version=1.2.3'
package version

// Name identifies the agent in the User-Agent header.
const Name = "endpoint-agent"

// Version is set at build time; default for local builds.
var Version = "0.1.0"

// UserAgent is sent on every request to the authority.
func UserAgent() string {
	return Name + "/" + Version
}

package version

import "runtime"

// Build information, injected via ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	NodeID    string `json:"node_id,omitempty"`
}

// Get returns the build information for this instance.
func Get(nodeID string) Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		NodeID:    nodeID,
	}
}

// UserAgent identifies outbound calls such as push gateway requests.
func UserAgent() string {
	return "realtime-fanout/" + Version
}

// Package version carries the build metadata stamped in with
//
//	go build -ldflags "-X github.com/teranos/groupcast/version.Version=v0.3.0 ..."
package version

import (
	"fmt"
	"runtime"
)

var (
	Version    = "dev"
	CommitHash = "dev"
	BuildTime  = "unknown"
)

// Info is what `groupcast version`, /healthz and the gateway User-Agent report.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String is the one-line form, e.g. "groupcast v0.3.0 (commit abc1234, built 2026-10-01)".
func (i Info) String() string {
	return fmt.Sprintf("groupcast %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short is the abbreviated commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent is sent on outbound gateway requests, e.g. "groupcast/v0.3.0 (abc1234)".
func (i Info) UserAgent() string {
	return fmt.Sprintf("groupcast/%s (%s)", i.Version, i.Short())
}

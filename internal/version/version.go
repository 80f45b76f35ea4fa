// Package version carries build identification, stamped with -ldflags -X
// at release time.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the full build identity, including the fields the audit trail
// records at startup so incident review can pin the exact binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the running binary's build identity.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short returns a one-line version summary.
func Short() string {
	return fmt.Sprintf("dbsentinel v%s (commit %s, %s)", Version, GitCommit, BuildDate)
}

// String returns a multi-line version description.
func (i Info) String() string {
	return fmt.Sprintf(
		"dbsentinel v%s\n"+
			"Git Commit: %s\n"+
			"Build Date: %s\n"+
			"Go Version: %s\n"+
			"Platform:   %s",
		i.Version, i.GitCommit, i.BuildDate, i.GoVersion, i.Platform,
	)
}

// JSON returns the version info as an indented JSON document.
func (i Info) JSON() string {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

// Details returns the fields worth recording in the audit trail.
func Details() map[string]interface{} {
	i := Get()
	return map[string]interface{}{
		"version":    i.Version,
		"git_commit": i.GitCommit,
		"go_version": i.GoVersion,
		"platform":   i.Platform,
	}
}

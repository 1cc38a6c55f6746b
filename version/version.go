// Package version reports build information for the workspace binary.
package version

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"
)

// Build-time variables set via -ldflags
var (
	Version   = "unknown"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type Info struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildDate time.Time `json:"build_date"`
	Modified  bool      `json:"modified,omitempty"`
	GoVersion string    `json:"go_version,omitempty"`
}

// GetInfo returns the ldflags values, filling whatever was not set from the
// VCS stamp the go tool embeds in the binary.
func GetInfo() Info {
	info := Info{
		Version: Version,
		Commit:  Commit,
	}

	if BuildDate != "unknown" && BuildDate != "" {
		if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
			info.BuildDate = t.UTC()
		}
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	info.GoVersion = bi.GoVersion

	if info.Version == "unknown" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildDate.IsZero() {
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					info.BuildDate = t.UTC()
				}
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}

	return info
}

func (i Info) String() string {
	s := fmt.Sprintf("Version: %s", i.Version)
	if i.Commit != "unknown" && i.Commit != "" {
		commit := i.Commit
		if i.Modified {
			commit += " (modified)"
		}
		s += fmt.Sprintf("\nCommit:  %s", commit)
	}
	if !i.BuildDate.IsZero() {
		s += fmt.Sprintf("\nBuilt:   %s", i.BuildDate.Format("2006-01-02 15:04:05 UTC"))
	}
	if i.GoVersion != "" {
		s += fmt.Sprintf("\nGo:      %s", i.GoVersion)
	}
	return s
}

func (i Info) JSON() (string, error) {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

package version

import (
	"cmp"
	"fmt"
	"runtime/debug"
)

type Info struct {
	Version string `json:"version"`
	Channel string `json:"channel"`
	Commit  string `json:"commit,omitempty"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s-%s", i.Version, i.Channel)
}

// Set at build time with -ldflags "-X .../pkg/version.Version=...".
var (
	Version = ""
	Channel = ""
)

// GetInfo falls back to the module build info when no version was linked in.
func GetInfo() Info {
	info := Info{
		Version: cmp.Or(Version, "dev"),
		Channel: cmp.Or(Channel, "local"),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.Commit = s.Value
			}
		}
	}
	return info
}

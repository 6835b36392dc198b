// Package version derives the build identity stamped into logs, the health
// endpoint, and outbound user agents.
package version

import "runtime/debug"

// AppName is the application name used in version strings and user agents.
const AppName = "crewd"

// commitOverride is set via -ldflags for container builds where the .git
// directory is not part of the build context. Empty means derive from VCS
// build info.
var commitOverride string

var build = resolve()

// buildIdentity is the resolved VCS state of this binary.
type buildIdentity struct {
	commit string
	dirty  bool
}

func resolve() buildIdentity {
	if commitOverride != "" {
		return buildIdentity{commit: short(commitOverride)}
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return buildIdentity{commit: "dev"}
	}
	id := buildIdentity{commit: "dev"}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" {
				id.commit = short(s.Value)
			}
		case "vcs.modified":
			id.dirty = s.Value == "true"
		}
	}
	return id
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Commit returns the short commit hash, or "dev" outside a VCS build
// (go test, source tarballs).
func Commit() string {
	return build.commit
}

// Full returns "crewd/<commit>", with a "-dirty" suffix when the working
// tree had uncommitted changes at build time.
func Full() string {
	v := AppName + "/" + build.commit
	if build.dirty {
		v += "-dirty"
	}
	return v
}

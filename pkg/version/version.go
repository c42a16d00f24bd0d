// Package version reports the build's identity for logs and the health
// endpoint. A -ldflags override wins; otherwise the VCS revision from
// debug.BuildInfo is used, with "dev" as the fallback for go test and
// non-git builds.
package version

import "runtime/debug"

// AppName prefixes version strings ("engage/<commit>").
const AppName = "engage"

// gitCommitOverride is set with -ldflags in container builds, where no
// .git directory is present.
var gitCommitOverride string

// GitCommit is the short (8 char) commit hash identifying this build.
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns the "engage/<commit>" identity string.
func Full() string {
	return AppName + "/" + GitCommit
}

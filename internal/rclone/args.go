package rclone

import (
	"fmt"
	"regexp"
)

// remotePattern matches rclone remote syntax ("remote:path"). Single
// letters are excluded so Windows drive paths are not mistaken for remotes.
var remotePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_. -]+:`)

// IsRemote reports whether the locator names a configured remote rather
// than a local filesystem path.
func IsRemote(locator string) bool {
	return remotePattern.MatchString(locator)
}

// RemoteName returns the remote part of a locator, without the colon.
func RemoteName(locator string) string {
	m := remotePattern.FindString(locator)
	if m == "" {
		return ""
	}
	return m[:len(m)-1]
}

// SyncParams carry the per-job tuning knobs the tool consumes.
type SyncParams struct {
	Transfers      int
	Checkers       int
	TimeoutSeconds int
	Retries        int
}

// SyncArgs builds the argv for a one-way mirror run with machine-readable
// progress records once per second. Individual file errors do not abort the
// run.
func SyncArgs(source, destination string, p SyncParams) []string {
	return []string{
		"sync", source, destination,
		"--use-json-log",
		"--stats", "1s",
		"--stats-log-level", "NOTICE",
		"--transfers", fmt.Sprint(p.Transfers),
		"--checkers", fmt.Sprint(p.Checkers),
		"--timeout", fmt.Sprintf("%ds", p.TimeoutSeconds),
		"--retries", fmt.Sprint(p.Retries),
		"--low-level-retries", fmt.Sprint(p.Retries),
		"--ignore-errors",
	}
}

// CheckArgs builds the argv for the non-mutating one-way comparison. Exit
// code 0 means identical, 1 means differences found; both are successful
// outcomes of the check.
func CheckArgs(source, destination string) []string {
	return []string{
		"check", source, destination,
		"--one-way",
		"--use-json-log",
	}
}

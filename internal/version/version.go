// Package version holds the build revision string, plus semver parsing
// helpers for reporting it (protocol negotiation itself is a plain integer
// ProtoRev comparison in internal/nt/connection.go, not a semver one).
package version

import (
	"regexp"
	"strconv"
	"strings"
)

// Revision is overridden at build time with -ldflags.
var Revision = "devel"

var regex = regexp.MustCompile(`^(v|V)`)

func versionParts(v string) []string {
	v = regex.ReplaceAllString(v, "")
	return strings.Split(v, ".")
}

func Major(v string) int {
	parts := versionParts(v)
	if len(parts) < 1 {
		return 0
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	return n
}

func Minor(v string) int {
	parts := versionParts(v)
	if len(parts) < 2 {
		return 0
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return n
}

package fhir

import "strings"

// Version identifies a FHIR release supported by the server.
type Version string

const (
	VersionR5  Version = "R5"
	VersionR4B Version = "R4B"
)

// ParseVersion maps a case-insensitive URL version code ("r5", "R4B") to a
// Version. The second return value is false for unrecognized codes.
func ParseVersion(s string) (Version, bool) {
	switch strings.ToUpper(s) {
	case "R5":
		return VersionR5, true
	case "R4B":
		return VersionR4B, true
	}
	return "", false
}

// String returns the canonical version code.
func (v Version) String() string {
	return string(v)
}

// PathCode returns the lowercase code used in URL paths.
func (v Version) PathCode() string {
	return strings.ToLower(string(v))
}

// Number returns the FHIR specification version number published in the
// CapabilityStatement.
func (v Version) Number() string {
	switch v {
	case VersionR5:
		return "5.0.0"
	case VersionR4B:
		return "4.3.0"
	}
	return ""
}

// Versions lists every release the server can be configured to serve.
func Versions() []Version {
	return []Version{VersionR5, VersionR4B}
}

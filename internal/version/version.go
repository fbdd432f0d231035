// Package version holds the release versions of the Nexa binaries. nexad and
// nexactl are versioned separately so the CLI can ship fixes without a
// daemon release. Both follow semver.
package version

// NexadVersion is the daemon version, reported by /api/v1/health and
// published in the node's gossip tags.
const NexadVersion = "0.1.0-dev"

// NexactlVersion is the operator CLI version.
const NexactlVersion = "0.1.0-dev"


package envelope

import (
	"fmt"
	"regexp"
	"strconv"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
)

const versionLogPrefix = "envelope:version"

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// VersionPolicy stamps outgoing envelopes with the local protocol version and checks
// the version carried by incoming ones.
type VersionPolicy struct {
	current    *masterminds.Version
	constraint *masterminds.Constraints
	major      int
}

// NewVersionPolicy builds a policy. accept is a SemVer range such as "^1.0.0", or a bare
// major such as "1". An empty accept admits every version with the current major.
func NewVersionPolicy(current, accept string) (*VersionPolicy, error) {
	cv, err := masterminds.NewVersion(current)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid protocol version %q: %w", versionLogPrefix, current, err)
	}
	p := &VersionPolicy{current: cv, major: -1}

	switch {
	case accept == "":
		p.major = int(cv.Major())
	case majorOnlyRegex.MatchString(accept):
		p.major, _ = strconv.Atoi(accept)
	default:
		c, err := masterminds.NewConstraint(accept)
		if err != nil {
			return nil, fmt.Errorf("%s - invalid protocol constraint %q: %w", versionLogPrefix, accept, err)
		}
		p.constraint = c
	}
	return p, nil
}

// Current returns the local protocol version.
func (p *VersionPolicy) Current() string {
	return p.current.String()
}

// Stamp sets the protocol version on env when it has none.
func (p *VersionPolicy) Stamp(env *Envelope) {
	if env.Header.ProtocolVersion == "" {
		env.Header.ProtocolVersion = p.current.String()
	}
}

// Check accepts an envelope version. Peers that send no version are accepted.
func (p *VersionPolicy) Check(version string) error {
	if version == "" {
		return nil
	}
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return rpcerr.Newf(rpcerr.CodeUnsupportedVersion, "malformed protocol version %q", version)
	}
	if p.constraint != nil {
		if !p.constraint.Check(v) {
			return rpcerr.Newf(rpcerr.CodeUnsupportedVersion, "protocol version %s does not satisfy %s", version, p.constraint)
		}
		return nil
	}
	if int(v.Major()) != p.major {
		return rpcerr.Newf(rpcerr.CodeUnsupportedVersion, "protocol version %s, want major %d", version, p.major)
	}
	return nil
}

package worker

import (
	"strings"

	durable "github.com/goliatone/go-durable"
)

// MatchStrategy decides which instance version tags a worker accepts.
type MatchStrategy string

const (
	// MatchExact requires the instance tag to equal the worker version.
	MatchExact MatchStrategy = "exact"
	// MatchVersionOrUnversioned accepts equality or an absent tag.
	MatchVersionOrUnversioned MatchStrategy = "version_or_unversioned"
	// MatchAny accepts every instance regardless of tag.
	MatchAny MatchStrategy = "any"
)

// FailureStrategy decides what happens when no compatible worker exists.
type FailureStrategy string

const (
	// FailureStrategyFail parks the instance as stuck until an operator
	// intervenes or a compatible worker appears.
	FailureStrategyFail FailureStrategy = "fail"
	// FailureStrategySucceed dispatches anyway, forfeiting the version
	// guarantee.
	FailureStrategySucceed FailureStrategy = "succeed"
)

// VersionPolicy is a worker's declared version plus its match and
// mismatch behavior. Instance tags are immutable after creation, so the
// routing decision for an instance never changes while the policy holds.
type VersionPolicy struct {
	Version    string          `json:"version" yaml:"version"`
	Match      MatchStrategy   `json:"match" yaml:"match"`
	OnMismatch FailureStrategy `json:"on_mismatch" yaml:"on_mismatch"`
}

// Normalize fills defaults: MatchAny and FailureStrategyFail.
func (p VersionPolicy) Normalize() VersionPolicy {
	p.Version = strings.TrimSpace(p.Version)
	if p.Match == "" {
		p.Match = MatchAny
	}
	if p.OnMismatch == "" {
		p.OnMismatch = FailureStrategyFail
	}
	return p
}

// Validate rejects unknown strategy values.
func (p VersionPolicy) Validate() error {
	switch p.Match {
	case MatchExact, MatchVersionOrUnversioned, MatchAny, "":
	default:
		return durable.NewError(durable.ErrInvalidConfig, "unknown version match strategy", nil, map[string]any{
			"match": string(p.Match),
		})
	}
	switch p.OnMismatch {
	case FailureStrategyFail, FailureStrategySucceed, "":
	default:
		return durable.NewError(durable.ErrInvalidConfig, "unknown version failure strategy", nil, map[string]any{
			"on_mismatch": string(p.OnMismatch),
		})
	}
	return nil
}

// Accepts reports whether a worker with this policy may process an
// instance carrying the given version tag.
func (p VersionPolicy) Accepts(instanceVersion string) bool {
	p = p.Normalize()
	instanceVersion = strings.TrimSpace(instanceVersion)
	switch p.Match {
	case MatchExact:
		return instanceVersion == p.Version
	case MatchVersionOrUnversioned:
		return instanceVersion == "" || instanceVersion == p.Version
	default:
		return true
	}
}

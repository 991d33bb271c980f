package quickcode

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// Policy decides which images may be run.  Rules are image references
// such as "python", "python:3.12" or "ghcr.io/org/tool@sha256:...".  A
// rule without a tag or digest matches every version of the repository.
//
// Deny always wins.  When Allow is non-empty an image must match one of
// its rules.
type Policy struct {
	allow []rule
	deny  []rule
}

type rule struct {
	name    string
	version string
}

// image is a parsed reference to run.
type image struct {
	name    string
	version string
	ref     string
}

// NewPolicy parses the allow and deny rules.
func NewPolicy(allow, deny []string) (*Policy, error) {
	p := &Policy{}
	for _, s := range allow {
		r, err := parseRule(s)
		if err != nil {
			return nil, fmt.Errorf("allow rule %q: %w", s, err)
		}
		p.allow = append(p.allow, r)
	}
	for _, s := range deny {
		r, err := parseRule(s)
		if err != nil {
			return nil, fmt.Errorf("deny rule %q: %w", s, err)
		}
		p.deny = append(p.deny, r)
	}
	return p, nil
}

// Allowed reports whether ref may be run.
func (p *Policy) Allowed(ref string) (bool, error) {
	img, err := parseImage(ref)
	if err != nil {
		return false, err
	}
	return p.allowed(img), nil
}

func (p *Policy) allowed(img image) bool {
	for _, r := range p.deny {
		if r.matches(img) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, r := range p.allow {
		if r.matches(img) {
			return true
		}
	}
	return false
}

func (r rule) matches(img image) bool {
	return r.name == img.name && (r.version == "" || r.version == img.version)
}

func parseRule(s string) (rule, error) {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(s))
	if err != nil {
		return rule{}, err
	}
	return rule{name: named.Name(), version: version(named)}, nil
}

// parseImage normalizes ref the way the daemon does: a bare name means
// the Docker Hub library image at tag latest.
func parseImage(ref string) (image, error) {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(ref))
	if err != nil {
		return image{}, err
	}
	named = reference.TagNameOnly(named)
	return image{
		name:    named.Name(),
		version: version(named),
		ref:     reference.FamiliarString(named),
	}, nil
}

func version(named reference.Named) string {
	if d, ok := named.(reference.Digested); ok {
		return d.Digest().String()
	}
	if t, ok := named.(reference.Tagged); ok {
		return t.Tag()
	}
	return ""
}

// Package procmon audits running processes and visible window titles.
package procmon

import (
	"strings"

	"github.com/cisec/lockdown-agent/internal/config"
)

// Classification is the trust tier a process landed in.
type Classification int

const (
	TrustedPathBound Classification = iota
	TrustedExact
	TrustedPartial
	TrustedSystemDir
	LockedAccessDenied
	Suspicious
)

func (c Classification) String() string {
	switch c {
	case TrustedPathBound:
		return "trusted_path_bound"
	case TrustedExact:
		return "trusted_exact"
	case TrustedPartial:
		return "trusted_partial"
	case TrustedSystemDir:
		return "trusted_system_dir"
	case LockedAccessDenied:
		return "locked_access_denied"
	default:
		return "suspicious"
	}
}

// Verdict is the outcome of classifying one process.
type Verdict struct {
	Class Classification
	// Masquerade is set when a path-bound name runs from the wrong place.
	// It is independent of Class, which stays TrustedPathBound.
	Masquerade bool
	Path       string // lowercased; empty when never fetched or unreadable
	Expected   string // required path fragment for path-bound names
}

// Classifier applies the tiered trust rules. It is safe for concurrent use
// once built.
type Classifier struct {
	strict     map[string]string
	exact      map[string]struct{}
	partials   []string
	systemDirs []string
	banned     []string
}

// NewClassifier builds a classifier from the monitor tables.
func NewClassifier(cfg config.MonitorSettings) *Classifier {
	c := &Classifier{
		strict: make(map[string]string, len(cfg.StrictPaths)),
		exact:  make(map[string]struct{}, len(cfg.TrustedNames)),
	}
	for _, sp := range cfg.StrictPaths {
		c.strict[strings.ToLower(sp.Name)] = strings.ToLower(sp.Path)
	}
	for _, n := range cfg.TrustedNames {
		c.exact[strings.ToLower(n)] = struct{}{}
	}
	c.partials = lowerAll(cfg.TrustedPartials)
	c.systemDirs = lowerAll(cfg.SystemDirs)
	c.banned = lowerAll(cfg.BannedTitles)
	return c
}

// Classify classifies a process by name. path is only called when the
// rules need the on-disk location.
func (c *Classifier) Classify(name string, path func() string) Verdict {
	name = strings.ToLower(name)

	if want, ok := c.strict[name]; ok {
		p := strings.ToLower(path())
		return Verdict{
			Class:      TrustedPathBound,
			Masquerade: !strings.Contains(p, want),
			Path:       p,
			Expected:   want,
		}
	}

	if _, ok := c.exact[name]; ok {
		return Verdict{Class: TrustedExact}
	}

	for _, part := range c.partials {
		if strings.Contains(name, part) {
			return Verdict{Class: TrustedPartial}
		}
	}

	p := strings.ToLower(path())
	if p == "" {
		return Verdict{Class: LockedAccessDenied}
	}
	for _, dir := range c.systemDirs {
		if strings.Contains(p, dir) {
			return Verdict{Class: TrustedSystemDir, Path: p}
		}
	}
	return Verdict{Class: Suspicious, Path: p}
}

// BannedKeyword returns the first banned keyword contained in title.
func (c *Classifier) BannedKeyword(title string) (string, bool) {
	title = strings.ToLower(title)
	for _, kw := range c.banned {
		if strings.Contains(title, kw) {
			return kw, true
		}
	}
	return "", false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

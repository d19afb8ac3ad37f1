// Package identity resolves candidate references into the (source, external
// id) identities used to deduplicate listings.
package identity

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Rule maps references on a host to a source name. Pattern is matched against
// the normalized URL and must contain one capture group (or a group named
// "id") holding the external id.
type Rule struct {
	Source  string `mapstructure:"source"`
	Host    string `mapstructure:"host"`
	Pattern string `mapstructure:"pattern"`
}

// Config controls the PatternResolver.
type Config struct {
	Rules []Rule `mapstructure:"rules"`
	// FallbackToPath derives (host, path) for refs no rule matches.
	FallbackToPath bool `mapstructure:"fallback_to_path"`
}

type compiledRule struct {
	source  string
	host    string
	pattern *regexp.Regexp
	group   int
}

// PatternResolver implements crawler.IdentityResolver with ordered regex rules.
// It is pure and safe for concurrent use.
type PatternResolver struct {
	rules          []compiledRule
	fallbackToPath bool
}

// New compiles the configured rules.
func New(cfg Config) (*PatternResolver, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		if strings.TrimSpace(rule.Source) == "" {
			return nil, fmt.Errorf("identity rule %d: source is required", i)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("identity rule %d: compile pattern: %w", i, err)
		}
		group := re.SubexpIndex("id")
		if group < 0 {
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("identity rule %d: pattern needs a capture group", i)
			}
			group = 1
		}
		rules = append(rules, compiledRule{
			source:  rule.Source,
			host:    strings.ToLower(strings.TrimSpace(rule.Host)),
			pattern: re,
			group:   group,
		})
	}
	return &PatternResolver{rules: rules, fallbackToPath: cfg.FallbackToPath}, nil
}

// Resolve returns the identity of ref. The first matching rule wins.
func (r *PatternResolver) Resolve(ref crawler.CandidateRef) (crawler.Identity, bool) {
	normalized, err := crawler.NormalizeURL(string(ref))
	if err != nil {
		return crawler.Identity{}, false
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return crawler.Identity{}, false
	}
	host := u.Hostname()
	for _, rule := range r.rules {
		if !hostMatches(host, rule.host) {
			continue
		}
		m := rule.pattern.FindStringSubmatch(normalized)
		if m == nil || m[rule.group] == "" {
			continue
		}
		return crawler.Identity{Source: rule.source, ExternalID: m[rule.group]}, true
	}
	if r.fallbackToPath {
		path := strings.TrimRight(u.EscapedPath(), "/")
		if path != "" {
			return crawler.Identity{Source: host, ExternalID: path}, true
		}
	}
	return crawler.Identity{}, false
}

func hostMatches(host, want string) bool {
	if want == "" {
		return true
	}
	return host == want || strings.HasSuffix(host, "."+want)
}

// Package redact scrubs credentials from command output and argv before they
// reach logs, session records or the terminal.
package redact

import (
	"fmt"
	"regexp"
	"sort"
)

// Config controls what the Redactor replaces.
type Config struct {
	Enabled     bool     `yaml:"enabled"`
	IPs         string   `yaml:"ips"` // "none" | "private" | "all"
	Patterns    []string `yaml:"patterns"`
	Placeholder string   `yaml:"placeholder"`
}

// DefaultConfig redacts secrets but keeps IP addresses, which are usually
// needed to debug a failed install.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		IPs:         "none",
		Placeholder: "[REDACTED]",
	}
}

// Validate reports an unknown IP mode or a pattern that does not compile.
func (c Config) Validate() error {
	switch c.IPs {
	case "", "none", "private", "all":
	default:
		return fmt.Errorf("redact: unknown ips mode %q", c.IPs)
	}
	for _, p := range c.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("redact: pattern %q: %w", p, err)
		}
	}
	return nil
}

// Redactor applies an ordered rule set to strings. The zero value and a
// Redactor built from a disabled Config pass input through unchanged.
type Redactor struct {
	rules       []rule
	placeholder string
}

// New compiles a Redactor. Patterns that fail to compile are skipped; call
// Config.Validate first to reject them.
func New(cfg Config) *Redactor {
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = "[REDACTED]"
	}
	r := &Redactor{placeholder: placeholder}
	if !cfg.Enabled {
		return r
	}

	r.rules = append(r.rules, builtinRules()...)
	r.rules = append(r.rules, ipRules(cfg.IPs)...)
	r.rules = append(r.rules, customRules(cfg.Patterns)...)
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].priority < r.rules[j].priority
	})
	return r
}

// Redact returns input with every match replaced.
func (r *Redactor) Redact(input string) string {
	if r == nil || len(r.rules) == 0 || input == "" {
		return input
	}
	out := input
	for _, rl := range r.rules {
		if rl.keep == nil {
			out = rl.pattern.ReplaceAllString(out, r.placeholder)
			continue
		}
		out = rl.pattern.ReplaceAllStringFunc(out, func(m string) string {
			return rl.keep(m, r.placeholder)
		})
	}
	return out
}

// Strings redacts each element and returns a new slice.
func (r *Redactor) Strings(in []string) []string {
	if r == nil || len(r.rules) == 0 {
		return in
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.Redact(s)
	}
	return out
}

// Package flusher implements the Flusher (C6) interface described in
// section 4.6: given a set of committed paths, it expands aliases,
// filters/matches against an environment's CacheFlushRules, substitutes
// templates, and delegates the resulting URL/ARL set to a vendor client.
package flusher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/release-engineering/exodus-commit/settings"
)

// VendorClient is the narrow external collaborator described in section
// 4.6: the core only requires that it is idempotent and returns
// success/failure. Its implementation (Akamai fast-purge or similar) is out
// of scope per spec.md section 1.
type VendorClient interface {
	Purge(ctx context.Context, urls []string) error
}

// VendorClientFunc adapts a plain function to VendorClient, mirroring the
// http.HandlerFunc idiom for the cases where a full implementation (e.g. an
// Akamai fast-purge client) isn't needed.
type VendorClientFunc func(ctx context.Context, urls []string) error

// Purge implements VendorClient.
func (f VendorClientFunc) Purge(ctx context.Context, urls []string) error {
	return f(ctx, urls)
}

// Flusher implements section 4.6's Run contract.
type Flusher struct {
	vendor VendorClient
}

// New constructs a Flusher bound to a vendor client.
func New(vendor VendorClient) *Flusher {
	return &Flusher{vendor: vendor}
}

// Run implements section 4.6: expand aliases, match rules, substitute
// templates, and submit to the vendor. The precondition gate in section
// 4.6 makes this a no-op success when the environment's fastpurge_*
// credentials aren't all set or no rule is configured.
func (f *Flusher) Run(ctx context.Context, paths []string, env settings.EnvConfig) error {
	if !env.FlushActive() {
		return nil
	}

	expanded := expandAliases(paths, env)

	urlSet := make(map[string]struct{})
	for _, rule := range env.CacheFlushRules {
		for _, path := range expanded {
			if !rule.Matches(path) {
				continue
			}
			for _, tmpl := range rule.Templates {
				urlSet[substitute(tmpl, rule.TTL, path)] = struct{}{}
			}
		}
	}

	if len(urlSet) == 0 {
		return nil
	}

	urls := make([]string, 0, len(urlSet))
	for u := range urlSet {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	if err := f.vendor.Purge(ctx, urls); err != nil {
		return fmt.Errorf("cache flush failed for %d urls: %w", len(urls), err)
	}
	return nil
}

// expandAliases implements "expand each path through aliases to the full
// set of URIs to flush" from section 4.6.
func expandAliases(paths []string, env settings.EnvConfig) []string {
	seen := make(map[string]struct{}, len(paths))
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	for _, p := range paths {
		add(p)
		for _, aliased := range env.ResolveAliases(p) {
			add(aliased)
		}
	}
	return out
}

// substitute implements the template grammar of section 6: {ttl} and {path}
// placeholders within either a full URL or an ARL template; if {path} is
// absent, the path is appended instead.
func substitute(tmpl, ttl, path string) string {
	out := strings.ReplaceAll(tmpl, "{ttl}", ttl)
	if strings.Contains(out, "{path}") {
		return strings.ReplaceAll(out, "{path}", path)
	}
	return out + path
}

// DirectoryForm implements the phase-2 cache-flush rule of section 4.5: if
// basename equals the autoindex filename, flush the containing directory
// (with trailing slash) instead of the file.
func DirectoryForm(webURI, autoindexFilename string) string {
	if i := strings.LastIndex(webURI, "/"); i >= 0 {
		basename := webURI[i+1:]
		if basename == autoindexFilename {
			return webURI[:i+1]
		}
	}
	return webURI
}

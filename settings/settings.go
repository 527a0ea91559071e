// Package settings implements the configuration loading functionality as specified
// in section 6 of the design specification. It parses an INI file into per-process
// defaults and per-environment overrides, then applies EXODUS_GW_<NAME> environment
// variable overrides on top, producing an immutable snapshot for the commit engine.
package settings

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// defaults mirror the values documented in section 6 of the spec.
const (
	defaultItemYieldSize       = 5000
	defaultWriteBatchSize      = 25
	defaultWriteMaxTries       = 20
	defaultWriteMaxWorkers     = 10
	defaultWriteQueueSize      = 1000
	defaultWriteQueueTimeout   = 600 * time.Second
	defaultPublishTimeout      = 24 * time.Hour
	defaultTaskDeadline        = 2 * time.Hour
	defaultCDNFlushOnCommit    = true
	defaultMirrorWritesEnabled = true
	defaultAutoindexFilename   = ".__exodus_autoindex"
)

// defaultEntryPointFiles and defaultPhase2Patterns implement the classifier
// defaults from section 4.1.
var (
	defaultEntryPointFiles = []string{
		"repomd.xml",
		"repomd.xml.asc",
		"PULP_MANIFEST",
		"PULP_MANIFEST.asc",
		"treeinfo",
		"extra_files.json",
	}
	defaultPhase2PatternSrcs = []string{
		`/kickstart/.*(?<!\.rpm)$`,
	}
)

// Alias represents a configured (src, dest) URI prefix substitution as
// described in section 4.3.
type Alias struct {
	Src  string
	Dest string
}

// CacheFlushRule mirrors the relational CacheFlushRule of section 3: a name,
// a set of URL/ARL templates, and include/exclude regexes that gate which
// paths the rule applies to.
type CacheFlushRule struct {
	Name      string
	Templates []string
	TTL       string
	Includes  []*regexp.Regexp
	Excludes  []*regexp.Regexp
}

// Matches reports whether path is selected by the rule, per section 3: a
// path matches iff it matches at least one include AND no exclude. Matching
// always occurs against a leading-slash-normalized path.
func (r CacheFlushRule) Matches(path string) bool {
	path = normalizePath(path)

	matched := false
	for _, inc := range r.Includes {
		if inc.MatchString(path) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range r.Excludes {
		if exc.MatchString(path) {
			return false
		}
	}
	return true
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// EnvConfig holds per-environment configuration as described in section 6's
// "[env.<name>]" INI sections.
type EnvConfig struct {
	Name              string
	Bucket            string
	TableName         string
	CDNBaseURL        string
	CDNSigningKeyID   string
	CacheFlushRules   []CacheFlushRule
	Aliases           []Alias
	ReportS3URI       string
	FastPurgeClientID string
	FastPurgeSecret   string
	FastPurgeHost     string
	FastPurgeAccessID string
}

// fastPurgeConfigured reports whether all fastpurge_* credentials are set,
// the precondition gate described in section 4.6.
func (e EnvConfig) fastPurgeConfigured() bool {
	return e.FastPurgeClientID != "" && e.FastPurgeSecret != "" &&
		e.FastPurgeHost != "" && e.FastPurgeAccessID != ""
}

// FlushActive reports whether cache flush rules should run for this
// environment: credentials set AND at least one rule configured.
func (e EnvConfig) FlushActive() bool {
	return e.fastPurgeConfigured() && len(e.CacheFlushRules) > 0
}

// ResolveAliases returns every alias-rewritten form of uri, per section 4.3:
// each URI matching a src prefix generates an aliased URI with src replaced
// by dest.
func (e EnvConfig) ResolveAliases(uri string) []string {
	var out []string
	for _, a := range e.Aliases {
		if strings.HasPrefix(uri, a.Src) {
			out = append(out, a.Dest+strings.TrimPrefix(uri, a.Src))
		}
	}
	return out
}

// Settings is the immutable snapshot passed explicitly into every commit
// entry point, per section 9's "no process-wide mutable state" directive.
type Settings struct {
	ItemYieldSize       int
	WriteBatchSize      int
	WriteMaxTries       int
	WriteMaxWorkers     int
	WriteQueueSize      int
	WriteQueueTimeout   time.Duration
	PublishTimeout      time.Duration
	TaskDeadline        time.Duration
	CDNFlushOnCommit    bool
	MirrorWritesEnabled bool
	AutoindexFilename   string
	EntryPointFiles     map[string]struct{}
	Phase2Patterns      []phase2Pattern

	DatabaseDSN string
	KafkaBroker []string
	KafkaTopic  string

	Environments map[string]EnvConfig
}

// phase2Pattern matches the section 4.1 default "/kickstart/.*(?<!\.rpm)$"
// shape: a prefix regex plus an optional forbidden suffix. Go's RE2 engine
// does not support lookbehind assertions (unlike the Python source this was
// distilled from), so a pattern of the form "<prefix>(?<!<suffix>)$" is
// decomposed at load time into an ordinary prefix match plus a suffix
// exclusion, rather than attempting to emulate lookbehind with backtracking.
type phase2Pattern struct {
	prefix          *regexp.Regexp
	forbiddenSuffix string
}

var lookbehindSuffix = regexp.MustCompile(`\(\?<!([^)]*)\)\$$`)

func compilePhase2Pattern(src string) (phase2Pattern, error) {
	if m := lookbehindSuffix.FindStringSubmatchIndex(src); m != nil {
		prefixSrc := src[:m[0]]
		suffix := src[m[2]:m[3]]
		suffix = strings.ReplaceAll(suffix, `\.`, ".")
		re, err := regexp.Compile(prefixSrc)
		if err != nil {
			return phase2Pattern{}, err
		}
		return phase2Pattern{prefix: re, forbiddenSuffix: suffix}, nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return phase2Pattern{}, err
	}
	return phase2Pattern{prefix: re}, nil
}

func (p phase2Pattern) MatchString(uri string) bool {
	if !p.prefix.MatchString(uri) {
		return false
	}
	if p.forbiddenSuffix != "" && strings.HasSuffix(uri, p.forbiddenSuffix) {
		return false
	}
	return true
}

// EntryPointFile reports whether basename is one of the configured
// entry-point filenames (section 4.1).
func (s Settings) EntryPointFile(basename string) bool {
	_, ok := s.EntryPointFiles[basename]
	return ok
}

// Phase2Pattern reports whether webURI matches any configured phase-2
// pattern (section 4.1).
func (s Settings) Phase2Pattern(webURI string) bool {
	for _, p := range s.Phase2Patterns {
		if p.MatchString(webURI) {
			return true
		}
	}
	return false
}

// Env looks up a per-environment configuration block, returning an error if
// the environment is not configured.
func (s Settings) Env(name string) (EnvConfig, error) {
	e, ok := s.Environments[name]
	if !ok {
		return EnvConfig{}, fmt.Errorf("environment %q is not configured", name)
	}
	return e, nil
}

// Load reads path as an INI file and overlays EXODUS_GW_<NAME> environment
// variables, as specified in section 6.
func Load(path string) (Settings, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings from %s: %w", path, err)
	}
	return FromFile(f)
}

// FromFile builds a Settings snapshot from an already-parsed INI file. It is
// split out from Load to keep the override logic testable without touching
// the filesystem.
func FromFile(f *ini.File) (Settings, error) {
	main := f.Section("")

	s := Settings{
		ItemYieldSize:       envOverrideInt("ITEM_YIELD_SIZE", main.Key("item_yield_size").MustInt(defaultItemYieldSize)),
		WriteBatchSize:      envOverrideInt("WRITE_BATCH_SIZE", main.Key("write_batch_size").MustInt(defaultWriteBatchSize)),
		WriteMaxTries:       envOverrideInt("WRITE_MAX_TRIES", main.Key("write_max_tries").MustInt(defaultWriteMaxTries)),
		WriteMaxWorkers:     envOverrideInt("WRITE_MAX_WORKERS", main.Key("write_max_workers").MustInt(defaultWriteMaxWorkers)),
		WriteQueueSize:      envOverrideInt("WRITE_QUEUE_SIZE", main.Key("write_queue_size").MustInt(defaultWriteQueueSize)),
		WriteQueueTimeout:   envOverrideDuration("WRITE_QUEUE_TIMEOUT", main.Key("write_queue_timeout").MustDuration(defaultWriteQueueTimeout), time.Second),
		PublishTimeout:      envOverrideDuration("PUBLISH_TIMEOUT", main.Key("publish_timeout").MustDuration(defaultPublishTimeout), time.Hour),
		TaskDeadline:        envOverrideDuration("TASK_DEADLINE", main.Key("task_deadline").MustDuration(defaultTaskDeadline), time.Hour),
		CDNFlushOnCommit:    envOverrideBool("CDN_FLUSH_ON_COMMIT", main.Key("cdn_flush_on_commit").MustBool(defaultCDNFlushOnCommit)),
		MirrorWritesEnabled: envOverrideBool("MIRROR_WRITES_ENABLED", main.Key("mirror_writes_enabled").MustBool(defaultMirrorWritesEnabled)),
		AutoindexFilename:   envOverrideString("AUTOINDEX_FILENAME", main.Key("autoindex_filename").MustString(defaultAutoindexFilename)),
		DatabaseDSN:         envOverrideString("DATABASE_DSN", main.Key("database_dsn").String()),
		KafkaTopic:          envOverrideString("KAFKA_TOPIC", main.Key("kafka_topic").MustString("exodus-gw-commit")),
		Environments:        make(map[string]EnvConfig),
	}

	if brokers := envOverrideString("KAFKA_BROKERS", main.Key("kafka_brokers").String()); brokers != "" {
		s.KafkaBroker = strings.Split(brokers, ",")
	}

	entryPoints := defaultEntryPointFiles
	if v := main.Key("entry_point_files").Strings(","); len(v) > 0 {
		entryPoints = v
	}
	if v := os.Getenv("EXODUS_GW_ENTRY_POINT_FILES"); v != "" {
		entryPoints = strings.Split(v, ",")
	}
	s.EntryPointFiles = make(map[string]struct{}, len(entryPoints))
	for _, f := range entryPoints {
		s.EntryPointFiles[strings.TrimSpace(f)] = struct{}{}
	}

	patternSrcs := defaultPhase2PatternSrcs
	if v := main.Key("phase2_patterns").Strings(","); len(v) > 0 {
		patternSrcs = v
	}
	if v := os.Getenv("EXODUS_GW_PHASE2_PATTERNS"); v != "" {
		patternSrcs = strings.Split(v, ",")
	}
	for _, src := range patternSrcs {
		p, err := compilePhase2Pattern(src)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid phase2_patterns entry %q: %w", src, err)
		}
		s.Phase2Patterns = append(s.Phase2Patterns, p)
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, "env."):
			env, err := parseEnvSection(f, sec, strings.TrimPrefix(name, "env."))
			if err != nil {
				return Settings{}, err
			}
			s.Environments[env.Name] = env
		}
	}

	return s, nil
}

func parseEnvSection(f *ini.File, sec *ini.Section, name string) (EnvConfig, error) {
	env := EnvConfig{
		Name:        name,
		Bucket:      sec.Key("bucket").String(),
		TableName:   sec.Key("table_name").String(),
		CDNBaseURL:  sec.Key("cdn_base_url").String(),
		ReportS3URI: sec.Key("report_s3_uri").String(),
	}

	upper := strings.ToUpper(name)
	env.FastPurgeClientID = os.Getenv(fmt.Sprintf("%s_FASTPURGE_CLIENT_ID", upper))
	env.FastPurgeSecret = os.Getenv(fmt.Sprintf("%s_FASTPURGE_CLIENT_SECRET", upper))
	env.FastPurgeAccessID = os.Getenv(fmt.Sprintf("%s_FASTPURGE_ACCESS_TOKEN", upper))
	env.FastPurgeHost = os.Getenv(fmt.Sprintf("%s_FASTPURGE_HOST", upper))

	for _, ruleName := range sec.Key("cache_flush_rules").Strings(",") {
		ruleSec, err := f.GetSection("cache_flush." + ruleName)
		if err != nil {
			return EnvConfig{}, fmt.Errorf("environment %q references undefined cache_flush rule %q: %w", name, ruleName, err)
		}
		rule, err := parseCacheFlushRule(ruleName, ruleSec)
		if err != nil {
			return EnvConfig{}, err
		}
		env.CacheFlushRules = append(env.CacheFlushRules, rule)
	}

	for _, pair := range sec.Key("aliases").Strings(",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return EnvConfig{}, fmt.Errorf("environment %q has malformed alias entry %q (want src=dest)", name, pair)
		}
		env.Aliases = append(env.Aliases, Alias{Src: parts[0], Dest: parts[1]})
	}

	return env, nil
}

func parseCacheFlushRule(name string, sec *ini.Section) (CacheFlushRule, error) {
	rule := CacheFlushRule{
		Name:      name,
		Templates: sec.Key("templates").Strings(","),
		TTL:       sec.Key("ttl").MustString("0"),
	}
	for _, src := range sec.Key("includes").Strings(",") {
		re, err := regexp.Compile(src)
		if err != nil {
			return CacheFlushRule{}, fmt.Errorf("cache_flush.%s: invalid include %q: %w", name, src, err)
		}
		rule.Includes = append(rule.Includes, re)
	}
	for _, src := range sec.Key("excludes").Strings(",") {
		re, err := regexp.Compile(src)
		if err != nil {
			return CacheFlushRule{}, fmt.Errorf("cache_flush.%s: invalid exclude %q: %w", name, src, err)
		}
		rule.Excludes = append(rule.Excludes, re)
	}
	return rule, nil
}

func envKey(name string) string {
	return "EXODUS_GW_" + name
}

func envOverrideString(name, fallback string) string {
	if v, ok := os.LookupEnv(envKey(name)); ok {
		return v
	}
	return fallback
}

func envOverrideInt(name string, fallback int) int {
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOverrideBool(name string, fallback bool) bool {
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envOverrideDuration accepts a Go duration string, or a bare integer counted
// in unit.
func envOverrideDuration(name string, fallback, unit time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * unit
		}
	}
	return fallback
}

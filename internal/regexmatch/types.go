// Package regexmatch implements the per-channel regex matcher (C3): a
// config of named rules, one per channel, each a list of patterns with
// optional per-provider scoping, compiled once at load and reused on every
// match call. Grounded on the tiered-matching idiom of the teacher's
// internal/epglink/epglink.go (NormalizeName + ordered candidate rows),
// adapted here from EPG name-matching to compiled-regex stream matching.
package regexmatch

// Pattern is one candidate regex for a channel, optionally scoped to a set
// of provider ids (spec.md §3 RegexRule).
type Pattern struct {
	Pattern        string `json:"pattern"`
	ProviderFilter []int  `json:"m3u_accounts,omitempty"`
}

// Rule is the per-channel rule list (spec.md §3 RegexRule, §6
// channel_regex_config.json "patterns" entries).
type Rule struct {
	ChannelID int       `json:"channel_id"`
	Name      string    `json:"name"`
	Patterns  []Pattern `json:"regex_patterns"`
	Enabled   bool      `json:"enabled"`
}

// GlobalSettings mirrors channel_regex_config.json's global_settings block.
type GlobalSettings struct {
	CaseSensitive     bool `json:"case_sensitive"`
	RequireExactMatch bool `json:"require_exact_match"`
}

// Config is the in-memory document: a rule list plus global settings.
// Rules is not serialized directly; on disk the rules are a map keyed by
// channel id string (wireConfig), so file order is not kept, and the Matcher
// orders rules by ascending channel id.
type Config struct {
	Rules    []Rule         `json:"-"`
	Settings GlobalSettings `json:"global_settings"`
}

// wireConfig is Config's JSON shape: patterns keyed by channel id string, as
// the aggregator-adjacent config file documents it (spec.md §6).
type wireConfig struct {
	Patterns map[string]Rule `json:"patterns"`
	Settings GlobalSettings  `json:"global_settings"`
}

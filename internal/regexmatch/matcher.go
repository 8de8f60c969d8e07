package regexmatch

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Matcher holds the loaded config plus one compiled *regexp.Regexp per
// pattern, keyed by channel id in ascending order — JSON object key order is
// not part of the JSON spec, so ascending channel id is the matcher's
// deterministic substitute for "insertion order of the config" (spec.md
// §4.3); it also makes Save's output byte-stable across repeated
// load/clean/save cycles (spec.md §8 property 7).
type Matcher struct {
	mu      sync.RWMutex
	path    string
	rules   []Rule
	compiled map[int][]*regexp.Regexp
	settings GlobalSettings
}

// Load reads the config at path, drops (and logs) any channel whose pattern
// list contains an uncompilable pattern after CHANNEL_NAME is replaced with
// a literal placeholder, and persists the cleaned config back (the only
// automatic write — spec.md §4.3). A missing file starts from an empty,
// valid config.
func Load(path string) (*Matcher, error) {
	m := &Matcher{path: path, compiled: map[int][]*regexp.Regexp{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, m.save()
		}
		return nil, fmt.Errorf("regexmatch: read: %w", err)
	}

	var wire wireConfig
	if err := json.Unmarshal(data, &wire); err != nil {
		log.Printf("regexmatch: corrupt config at %s, recreating with defaults: %v", path, err)
		return m, m.save()
	}
	m.settings = wire.Settings

	var kept []Rule
	for idStr, rule := range wire.Patterns {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		rule.ChannelID = id
		if m.validateAgainstPlaceholder(rule) {
			kept = append(kept, rule)
		} else {
			log.Printf("regexmatch: dropping channel %d (%s): uncompilable pattern", rule.ChannelID, rule.Name)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ChannelID < kept[j].ChannelID })
	m.rules = kept
	m.recompile()
	return m, m.save()
}

// validateAgainstPlaceholder reports whether every pattern in rule compiles
// once CHANNEL_NAME has been substituted with a literal placeholder —
// independent of the rule's own channel name, per spec.md §4.3's load-time
// cleanup rule.
func (m *Matcher) validateAgainstPlaceholder(rule Rule) bool {
	for _, p := range rule.Patterns {
		if _, err := compilePattern(p.Pattern, "CHANNEL_NAME_PLACEHOLDER", m.settings.CaseSensitive); err != nil {
			return false
		}
	}
	return true
}

// recompile rebuilds m.compiled from m.rules using each rule's own channel
// name for CHANNEL_NAME substitution. Must be called with m.mu held.
func (m *Matcher) recompile() {
	compiled := make(map[int][]*regexp.Regexp, len(m.rules))
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		list := make([]*regexp.Regexp, len(rule.Patterns))
		for i, p := range rule.Patterns {
			re, err := compilePattern(p.Pattern, rule.Name, m.settings.CaseSensitive)
			if err != nil {
				log.Printf("regexmatch: channel %d pattern %q failed to compile: %v", rule.ChannelID, p.Pattern, err)
				continue
			}
			list[i] = re
		}
		compiled[rule.ChannelID] = list
	}
	m.compiled = compiled
}

// rewriteSpaces turns every literal ASCII space not preceded by a backslash
// into `\s+`, scanning left to right (spec.md §3).
func rewriteSpaces(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 4)
	escaped := false
	for _, r := range pattern {
		if r == ' ' && !escaped {
			b.WriteString(`\s+`)
		} else {
			b.WriteRune(r)
		}
		escaped = r == '\\' && !escaped
	}
	return b.String()
}

// compilePattern implements the channel-name substitution, case-folding,
// and space-rewriting steps of spec.md §4.3 step 4.
func compilePattern(raw, channelName string, caseSensitive bool) (*regexp.Regexp, error) {
	substituted := strings.ReplaceAll(raw, "CHANNEL_NAME", regexp.QuoteMeta(channelName))
	substituted = rewriteSpaces(substituted)
	if !caseSensitive {
		substituted = "(?i)" + substituted
	}
	return regexp.Compile(substituted)
}

// Match implements spec.md §4.3's match algorithm: the first pattern that
// matches wins for a channel, provider filters are honored, disabled
// channels are skipped. Channels are visited in ascending id order.
func (m *Matcher) Match(streamName string, streamProviderID *int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []int
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		patterns := m.compiled[rule.ChannelID]
		for i, p := range rule.Patterns {
			if i >= len(patterns) || patterns[i] == nil {
				continue
			}
			if len(p.ProviderFilter) > 0 {
				if streamProviderID == nil || !containsInt(p.ProviderFilter, *streamProviderID) {
					continue
				}
			}
			if patterns[i].MatchString(streamName) {
				matched = append(matched, rule.ChannelID)
				break
			}
		}
	}
	return matched
}

// EnabledChannelIDs returns the ids of every channel with at least one
// enabled regex rule, ascending (spec.md §4.10 step 3 "channel that has
// regex rules and has matching/checking enabled").
func (m *Matcher) EnabledChannelIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int
	for _, rule := range m.rules {
		if rule.Enabled {
			ids = append(ids, rule.ChannelID)
		}
	}
	return ids
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Validate reports whether a proposed pattern list is usable for channelName
// (spec.md §4.3 "Validation API").
func Validate(channelName string, caseSensitive bool, patterns []Pattern) (bool, string) {
	for _, p := range patterns {
		if _, err := compilePattern(p.Pattern, channelName, caseSensitive); err != nil {
			return false, fmt.Sprintf("pattern %q: %v", p.Pattern, err)
		}
	}
	return true, ""
}

// SetRule replaces (or inserts) a channel's rule and recompiles, then
// persists.
func (m *Matcher) SetRule(rule Rule) error {
	m.mu.Lock()
	replaced := false
	for i, r := range m.rules {
		if r.ChannelID == rule.ChannelID {
			m.rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		m.rules = append(m.rules, rule)
		sort.Slice(m.rules, func(i, j int) bool { return m.rules[i].ChannelID < m.rules[j].ChannelID })
	}
	m.recompile()
	m.mu.Unlock()
	return m.save()
}

// RemoveRule deletes a channel's rule entirely.
func (m *Matcher) RemoveRule(channelID int) error {
	m.mu.Lock()
	out := m.rules[:0]
	for _, r := range m.rules {
		if r.ChannelID != channelID {
			out = append(out, r)
		}
	}
	m.rules = out
	m.recompile()
	m.mu.Unlock()
	return m.save()
}

func (m *Matcher) save() error {
	m.mu.RLock()
	wire := wireConfig{Patterns: make(map[string]Rule, len(m.rules)), Settings: m.settings}
	for _, r := range m.rules {
		wire.Patterns[strconv.Itoa(r.ChannelID)] = r
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("regexmatch: marshal: %w", err)
	}
	dir := filepath.Dir(filepath.Clean(m.path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("regexmatch: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".regex-config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("regexmatch: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("regexmatch: write: %w", writeErr)
		}
		return fmt.Errorf("regexmatch: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("regexmatch: chmod: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("regexmatch: rename: %w", err)
	}
	return nil
}

package regexmatch

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "channel_regex_config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDropsUncompilablePattern(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"patterns": {
			"1": {"channel_id":1, "name":"ESPN", "enabled":true, "regex_patterns":[{"pattern":"CHANNEL_NAME("}]},
			"2": {"channel_id":2, "name":"Fox",  "enabled":true, "regex_patterns":[{"pattern":"CHANNEL_NAME"}]}
		},
		"global_settings": {"case_sensitive": false, "require_exact_match": false}
	}`)
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.rules) != 1 || m.rules[0].ChannelID != 2 {
		t.Fatalf("expected only channel 2 to survive, got %+v", m.rules)
	}
}

func TestMatchHonorsProviderFilter(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"patterns": {
			"1": {"channel_id":1, "name":"ESPN", "enabled":true, "regex_patterns":[{"pattern":"CHANNEL_NAME", "m3u_accounts":[7]}]}
		},
		"global_settings": {"case_sensitive": false}
	}`)
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	other := 9
	if got := m.Match("ESPN HD", &other); len(got) != 0 {
		t.Fatalf("expected no match for provider outside filter, got %v", got)
	}
	seven := 7
	if got := m.Match("ESPN HD", &seven); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected match for channel 1, got %v", got)
	}
}

func TestMatchSkipsDisabledChannel(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"patterns": {
			"1": {"channel_id":1, "name":"ESPN", "enabled":false, "regex_patterns":[{"pattern":"CHANNEL_NAME"}]}
		},
		"global_settings": {}
	}`)
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Match("ESPN HD", nil); len(got) != 0 {
		t.Fatalf("expected disabled channel to never match, got %v", got)
	}
}

func TestLoadSaveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"patterns": {
			"2": {"channel_id":2, "name":"Fox News", "enabled":true, "regex_patterns":[{"pattern":"fox news"}]},
			"1": {"channel_id":1, "name":"ESPN",     "enabled":true, "regex_patterns":[{"pattern":"CHANNEL_NAME"}]}
		},
		"global_settings": {"case_sensitive": false}
	}`)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected byte-identical output on repeated load/clean/save\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

func TestRewriteSpacesRespectsEscape(t *testing.T) {
	got := rewriteSpaces(`foo bar\ baz`)
	want := `foo\s+bar\ baz`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

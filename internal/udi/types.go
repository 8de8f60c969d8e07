// Package udi implements the Universal Data Index: the in-memory, persisted
// snapshot of channels, streams, groups, logos, providers, and provider
// profiles mirrored from the aggregator. Grounded on the teacher's
// internal/catalog/catalog.go (sync.RWMutex-guarded struct with an atomic
// temp-file-then-rename JSON Save/Load and a read-locked Snapshot), adapted
// here to entirely different entity shapes and to the aggregator's
// refresh-and-merge / write-through contract (spec.md §3, §4.2).
package udi

// Channel mirrors the aggregator's channel resource. Streams is the play
// order; position 0 is preferred (spec.md §3).
type Channel struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Number  string `json:"number"`
	GroupID int    `json:"group_id,omitempty"`
	TVGID   string `json:"tvg_id,omitempty"`
	EPGID   string `json:"epg_id,omitempty"`
	LogoID  int    `json:"logo_id,omitempty"`
	Streams []int  `json:"streams"`
	UUID    string `json:"uuid,omitempty"`

	// Per-channel scoring modifiers (spec.md §4.7 channel_preference), kept
	// here rather than imported from internal/scorer to avoid a udi->scorer
	// dependency; internal/pipeline maps these onto scorer.ChannelPreference.
	Prefer4K  bool `json:"prefer_4k,omitempty"`
	Avoid4K   bool `json:"avoid_4k,omitempty"`
	Max1080p  bool `json:"max_1080p,omitempty"`
	Max720p   bool `json:"max_720p,omitempty"`
}

// StreamStats reflects the last successful probe. A nil *StreamStats on
// Stream means "never probed or last probe failed" (spec.md §3).
type StreamStats struct {
	Resolution              string  `json:"resolution"`
	SourceFPS               float64 `json:"source_fps"`
	VideoCodec              string  `json:"video_codec"`
	AudioCodec              string  `json:"audio_codec"`
	FFmpegOutputBitrateKbps float64 `json:"ffmpeg_output_bitrate_kbps"`
}

// Stream mirrors the aggregator's stream resource. URL is unique across
// live streams. ProviderID is nil for "custom" streams.
type Stream struct {
	ID             int          `json:"id"`
	Name           string       `json:"name"`
	URL            string       `json:"url"`
	ProviderID     *int         `json:"provider_id"`
	IsCustom       bool         `json:"is_custom"`
	StreamStats    *StreamStats `json:"stream_stats"`
	CurrentViewers int          `json:"current_viewers"`
}

// ChannelGroup is reference data; ChannelCount is informational.
type ChannelGroup struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	ChannelCount int    `json:"channel_count"`
}

// Logo is reference data.
type Logo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Priority modes for a Provider (spec.md §3).
const (
	PriorityModeDisabled       = "disabled"
	PriorityModeAllStreams     = "all_streams"
	PriorityModeSameResolution = "same_resolution"
)

// Provider is an "M3U account". If Profiles is non-empty, the effective
// account capacity is the sum of active-profile MaxStreams; otherwise
// MaxStreams applies directly (spec.md §3 invariant).
type Provider struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	IsActive     bool      `json:"is_active"`
	MaxStreams   int       `json:"max_streams"` // 0 = unlimited
	Profiles     []Profile `json:"profiles"`
	Priority     int       `json:"priority"`
	PriorityMode string    `json:"priority_mode"`
}

// EffectiveCapacity implements the Provider invariant from spec.md §3.
func (p Provider) EffectiveCapacity() int {
	if len(p.Profiles) == 0 {
		return p.MaxStreams
	}
	sum := 0
	for _, prof := range p.Profiles {
		if prof.IsActive {
			sum += prof.MaxStreams
		}
	}
	return sum
}

// Profile is a sub-credential of a Provider with its own budget and an
// optional URL rewrite rule (spec.md §3, §4.2 URL-transformation rule).
type Profile struct {
	ID             int    `json:"id"`
	ProviderID     int    `json:"provider_id"`
	Name           string `json:"name"`
	IsActive       bool   `json:"is_active"`
	MaxStreams     int    `json:"max_streams"` // 0 = unlimited
	SearchPattern  string `json:"search_pattern,omitempty"`
	ReplacePattern string `json:"replace_pattern,omitempty"`
}

// ProxyStatus is one entry of the aggregator's real-time "proxy status" map
// (spec.md §4.2, §6: GET /proxy/ts/status).
type ProxyStatus struct {
	State         string `json:"state"`
	M3UProfileID  int    `json:"m3u_profile_id"`
	Clients       int    `json:"clients"`
	CurrentStream string `json:"current_stream"`
	ActiveFlag    bool   `json:"active"`
}

// Active implements the "active iff ..." rule from spec.md §6.
func (s ProxyStatus) Active() bool {
	return s.State == "active" || s.CurrentStream != "" || s.ActiveFlag || s.Clients > 0
}

// Metadata records last-refresh timestamps and a schema version alongside
// the entity snapshots (spec.md §4.2 invariant).
type Metadata struct {
	SchemaVersion   int            `json:"schema_version"`
	LastRefreshUnix map[string]int64 `json:"last_refresh_unix"`
}

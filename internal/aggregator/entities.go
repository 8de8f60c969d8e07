package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/snapetech/streamqc/internal/udi"
)

// wire* types decode the aggregator's loosely-typed JSON (spec.md §9:
// "treat as opaque maps with typed accessors that validate shape per
// field; unknown fields are tolerated"). json.Unmarshal already tolerates
// unknown fields, so these structs only need to name what we read.

type wireStreamStats struct {
	Resolution  string  `json:"resolution"`
	SourceFPS   float64 `json:"source_fps"`
	VideoCodec  string  `json:"video_codec"`
	AudioCodec  string  `json:"audio_codec"`
	BitrateKbps float64 `json:"ffmpeg_output_bitrate"`
}

type wireStream struct {
	ID             int              `json:"id"`
	Name           string           `json:"name"`
	URL            string           `json:"url"`
	ProviderID     *int             `json:"provider_id"`
	IsCustom       bool             `json:"is_custom"`
	StreamStats    *wireStreamStats `json:"stream_stats"`
	CurrentViewers int              `json:"current_viewers"`
}

type wireChannel struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Number  string `json:"number"`
	GroupID int    `json:"group_id"`
	TVGID   string `json:"tvg_id"`
	EPGID   string `json:"epg_id"`
	LogoID  int    `json:"logo_id"`
	Streams []int  `json:"streams"`
	UUID    string `json:"uuid"`
}

type wireGroup struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	ChannelCount int    `json:"channel_count"`
}

type wireLogo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type wireProfile struct {
	ID             int    `json:"id"`
	ProviderID     int    `json:"provider_id"`
	Name           string `json:"name"`
	IsActive       bool   `json:"is_active"`
	MaxStreams     int    `json:"max_streams"`
	SearchPattern  string `json:"search_pattern"`
	ReplacePattern string `json:"replace_pattern"`
}

type wireProvider struct {
	ID           int           `json:"id"`
	Name         string        `json:"name"`
	IsActive     bool          `json:"is_active"`
	MaxStreams   int           `json:"max_streams"`
	Profiles     []wireProfile `json:"profiles"`
	Priority     int           `json:"priority"`
	PriorityMode string        `json:"priority_mode"`
}

type wireProxyStatus struct {
	State         string `json:"state"`
	M3UProfileID  int    `json:"m3u_profile_id"`
	Clients       int    `json:"clients"`
	CurrentStream string `json:"current_stream"`
	Active        bool   `json:"active"`
}

func decodeAll[T any](raw []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("aggregator: decode item: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// FetchChannels implements udi.Aggregator.
func (c *Client) FetchChannels(ctx context.Context) ([]udi.Channel, error) {
	raw, err := c.fetchAllPages(ctx, "/api/channels/channels/", url.Values{"page_size": {"100"}})
	if err != nil {
		return nil, err
	}
	wire, err := decodeAll[wireChannel](raw)
	if err != nil {
		return nil, err
	}
	out := make([]udi.Channel, len(wire))
	for i, w := range wire {
		out[i] = udi.Channel{
			ID: w.ID, Name: w.Name, Number: w.Number, GroupID: w.GroupID,
			TVGID: w.TVGID, EPGID: w.EPGID, LogoID: w.LogoID,
			Streams: w.Streams, UUID: w.UUID,
		}
	}
	return out, nil
}

// FetchChannelByID implements udi.Aggregator.
func (c *Client) FetchChannelByID(ctx context.Context, id int) (udi.Channel, error) {
	data, err := c.Fetch(ctx, fmt.Sprintf("/api/channels/channels/%d/", id), nil)
	if err != nil {
		return udi.Channel{}, err
	}
	var w wireChannel
	if err := json.Unmarshal(data, &w); err != nil {
		return udi.Channel{}, fmt.Errorf("aggregator: decode channel %d: %w", id, err)
	}
	return udi.Channel{
		ID: w.ID, Name: w.Name, Number: w.Number, GroupID: w.GroupID,
		TVGID: w.TVGID, EPGID: w.EPGID, LogoID: w.LogoID,
		Streams: w.Streams, UUID: w.UUID,
	}, nil
}

// FetchStreams implements udi.Aggregator.
func (c *Client) FetchStreams(ctx context.Context) ([]udi.Stream, error) {
	raw, err := c.fetchAllPages(ctx, "/api/channels/streams/", url.Values{"page_size": {"100"}})
	if err != nil {
		return nil, err
	}
	wire, err := decodeAll[wireStream](raw)
	if err != nil {
		return nil, err
	}
	out := make([]udi.Stream, len(wire))
	for i, w := range wire {
		out[i] = toUDIStream(w)
	}
	return out, nil
}

func toUDIStream(w wireStream) udi.Stream {
	s := udi.Stream{
		ID: w.ID, Name: w.Name, URL: w.URL, ProviderID: w.ProviderID,
		IsCustom: w.IsCustom, CurrentViewers: w.CurrentViewers,
	}
	if w.StreamStats != nil {
		s.StreamStats = &udi.StreamStats{
			Resolution: w.StreamStats.Resolution, SourceFPS: w.StreamStats.SourceFPS,
			VideoCodec: w.StreamStats.VideoCodec, AudioCodec: w.StreamStats.AudioCodec,
			FFmpegOutputBitrateKbps: w.StreamStats.BitrateKbps,
		}
	}
	return s
}

// FetchGroups implements udi.Aggregator.
func (c *Client) FetchGroups(ctx context.Context) ([]udi.ChannelGroup, error) {
	raw, err := c.fetchAllPages(ctx, "/api/channels/groups/", nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeAll[wireGroup](raw)
	if err != nil {
		return nil, err
	}
	out := make([]udi.ChannelGroup, len(wire))
	for i, w := range wire {
		out[i] = udi.ChannelGroup{ID: w.ID, Name: w.Name, ChannelCount: w.ChannelCount}
	}
	return out, nil
}

// FetchLogos implements udi.Aggregator.
func (c *Client) FetchLogos(ctx context.Context) ([]udi.Logo, error) {
	raw, err := c.fetchAllPages(ctx, "/api/channels/logos/", nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeAll[wireLogo](raw)
	if err != nil {
		return nil, err
	}
	out := make([]udi.Logo, len(wire))
	for i, w := range wire {
		out[i] = udi.Logo{ID: w.ID, Name: w.Name}
	}
	return out, nil
}

// FetchProviders implements udi.Aggregator.
func (c *Client) FetchProviders(ctx context.Context) ([]udi.Provider, error) {
	raw, err := c.fetchAllPages(ctx, "/api/m3u/accounts/", nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeAll[wireProvider](raw)
	if err != nil {
		return nil, err
	}
	out := make([]udi.Provider, len(wire))
	for i, w := range wire {
		profiles := make([]udi.Profile, len(w.Profiles))
		for j, p := range w.Profiles {
			profiles[j] = udi.Profile{
				ID: p.ID, ProviderID: w.ID, Name: p.Name, IsActive: p.IsActive,
				MaxStreams: p.MaxStreams, SearchPattern: p.SearchPattern, ReplacePattern: p.ReplacePattern,
			}
		}
		out[i] = udi.Provider{
			ID: w.ID, Name: w.Name, IsActive: w.IsActive, MaxStreams: w.MaxStreams,
			Profiles: profiles, Priority: w.Priority, PriorityMode: w.PriorityMode,
		}
	}
	return out, nil
}

// FetchChannelProfiles implements udi.Aggregator by flattening every
// provider's nested profiles into one list (the aggregator models profiles
// as children of an account, not as a first-class paginated resource).
func (c *Client) FetchChannelProfiles(ctx context.Context) ([]udi.Profile, error) {
	providers, err := c.FetchProviders(ctx)
	if err != nil {
		return nil, err
	}
	var out []udi.Profile
	for _, p := range providers {
		out = append(out, p.Profiles...)
	}
	return out, nil
}

// FetchProxyStatus implements udi.Aggregator (spec.md §6 GET /proxy/ts/status).
func (c *Client) FetchProxyStatus(ctx context.Context) (map[string]udi.ProxyStatus, error) {
	data, err := c.Fetch(ctx, "/proxy/ts/status", nil)
	if err != nil {
		return nil, err
	}
	var wire map[string]wireProxyStatus
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("aggregator: decode proxy status: %w", err)
	}
	out := make(map[string]udi.ProxyStatus, len(wire))
	for id, w := range wire {
		out[id] = udi.ProxyStatus{
			State: w.State, M3UProfileID: w.M3UProfileID, Clients: w.Clients,
			CurrentStream: w.CurrentStream, ActiveFlag: w.Active,
		}
	}
	return out, nil
}

// PatchStreamStats writes a probed stream's stats back to the aggregator,
// dropping null/"N/A" fields (spec.md §4.8 step 6).
func (c *Client) PatchStreamStats(ctx context.Context, streamID int, stats udi.StreamStats) error {
	body := map[string]any{}
	if stats.Resolution != "" && stats.Resolution != "N/A" {
		body["resolution"] = stats.Resolution
	}
	if stats.SourceFPS > 0 {
		body["source_fps"] = stats.SourceFPS
	}
	if stats.VideoCodec != "" && stats.VideoCodec != "N/A" {
		body["video_codec"] = stats.VideoCodec
	}
	if stats.AudioCodec != "" && stats.AudioCodec != "N/A" {
		body["audio_codec"] = stats.AudioCodec
	}
	if stats.FFmpegOutputBitrateKbps > 0 {
		body["ffmpeg_output_bitrate"] = stats.FFmpegOutputBitrateKbps
	}
	return c.Patch(ctx, fmt.Sprintf("/api/channels/streams/%d/", streamID), map[string]any{"stream_stats": body})
}

// PatchChannelStreams writes the final ordered stream id list for a channel
// (spec.md §4.8 step 12).
func (c *Client) PatchChannelStreams(ctx context.Context, channelID int, streamIDs []int) error {
	return c.Patch(ctx, fmt.Sprintf("/api/channels/channels/%d/", channelID), map[string]any{"streams": streamIDs})
}

// RefreshProviderPlaylist implements POST /api/m3u/refresh/{id}/.
func (c *Client) RefreshProviderPlaylist(ctx context.Context, providerID int) error {
	return c.Post(ctx, fmt.Sprintf("/api/m3u/refresh/%d/", providerID), nil)
}

// RefreshAllPlaylists implements POST /api/m3u/refresh/.
func (c *Client) RefreshAllPlaylists(ctx context.Context) error {
	return c.Post(ctx, "/api/m3u/refresh/", nil)
}

// Package scorer implements the Scorer (C7): the dead predicate and the
// weighted quality score used to reorder a channel's streams. Pure
// functions over plain values — no aggregator or UDI dependency — mirroring
// how the teacher keeps its FourCC/resolution parsing
// (internal/indexer/smoketest.go) free of I/O so it can be unit tested in
// isolation.
package scorer

import (
	"strconv"
	"strings"
)

// Weights are the four score-term multipliers (spec.md §4.7, §6 scoring.weights).
type Weights struct {
	Bitrate    float64
	Resolution float64
	FPS        float64
	Codec      float64
}

// DefaultWeights matches spec.md §4.7's worked examples.
var DefaultWeights = Weights{Bitrate: 0.40, Resolution: 0.35, FPS: 0.15, Codec: 0.10}

// Thresholds configures the dead predicate (spec.md §6 dead_stream_handling).
type Thresholds struct {
	Enabled        bool
	MinBitrateKbps float64
	MinWidth       int
	MinHeight      int
	MinScore       float64
}

// PriorityMode mirrors udi.Provider's priority_mode values.
type PriorityMode string

const (
	PriorityDisabled       PriorityMode = "disabled"
	PriorityAllStreams     PriorityMode = "all_streams"
	PrioritySameResolution PriorityMode = "same_resolution"
)

// ChannelPreference mirrors channel (or inherited group) quality preferences.
type ChannelPreference struct {
	Prefer4K bool
	Avoid4K  bool
	Max1080p bool
	Max720p  bool
}

// Input is the subset of a probed/cached Stream the scorer needs.
type Input struct {
	Resolution string // "WxH" or "" / "N/A"
	FPS        float64
	VideoCodec string
	BitrateKbps float64

	ProviderPriority int
	ProviderMode     PriorityMode
	Pref             ChannelPreference
}

// normalizeCodec implements the FourCC normalization law (spec.md §8).
func normalizeCodec(codec string) string {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "avc1", "avc3", "h264":
		return "h264"
	case "hvc1", "hev1", "hevc":
		return "hevc"
	case "vp09":
		return "vp9"
	case "vp08":
		return "vp8"
	case "mp4a":
		return "aac"
	default:
		return strings.ToLower(strings.TrimSpace(codec))
	}
}

func parseResolution(res string) (width, height int) {
	res = strings.TrimSpace(res)
	if res == "" || strings.EqualFold(res, "N/A") {
		return 0, 0
	}
	parts := strings.SplitN(res, "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return w, h
}

func bitrateTerm(kbps float64) float64 {
	t := kbps / 8000
	if t > 1 {
		return 1
	}
	if t < 0 {
		return 0
	}
	return t
}

func resolutionTerm(height int) float64 {
	switch {
	case height >= 1080:
		return 1.0
	case height >= 720:
		return 0.7
	case height >= 576:
		return 0.5
	default:
		return 0.3
	}
}

func fpsTerm(fps float64) float64 {
	t := fps / 60
	if t > 1 {
		return 1
	}
	if t < 0 {
		return 0
	}
	return t
}

func codecTerm(videoCodec string, preferH265 bool) float64 {
	codec := normalizeCodec(videoCodec)
	if codec == "" || codec == "n/a" {
		return 0
	}
	preferred, other := "h264", "hevc"
	if preferH265 {
		preferred, other = "hevc", "h264"
	}
	switch codec {
	case preferred:
		return 1.0
	case other:
		return 0.8
	default:
		return 0.5
	}
}

// isPartialProbe is true when bitrate extraction failed but resolution and
// fps were both plausibly detected (spec.md §4.7 Fallback case).
func isPartialProbe(width, height int, fps, bitrate float64) bool {
	return bitrate <= 0 && width > 0 && height > 0 && fps > 0
}

// IsDead implements spec.md §4.7's dead predicate, including the resolved
// open question that a fallback-scored (0.40) stream is dead iff
// 0.40 < thresholds.MinScore (spec.md §9).
func IsDead(in Input, weights Weights, th Thresholds, preferH265 bool) bool {
	width, height := parseResolution(in.Resolution)
	if width == 0 || height == 0 {
		return true
	}
	partial := isPartialProbe(width, height, in.FPS, in.BitrateKbps)
	if in.BitrateKbps <= 0 && !partial {
		return true
	}
	if th.Enabled {
		if !partial && in.BitrateKbps < th.MinBitrateKbps {
			return true
		}
		if width < th.MinWidth || height < th.MinHeight {
			return true
		}
	}
	if !th.Enabled {
		return false
	}
	s := rawQualityScore(in, weights, preferH265, width, height, partial)
	return s < th.MinScore
}

// rawQualityScore computes the weighted quality term (without priority or
// channel-preference modifiers) and applies the partial-probe fallback.
func rawQualityScore(in Input, weights Weights, preferH265 bool, width, height int, partial bool) float64 {
	if partial {
		return 0.40
	}
	return weights.Bitrate*bitrateTerm(in.BitrateKbps) +
		weights.Resolution*resolutionTerm(height) +
		weights.FPS*fpsTerm(in.FPS) +
		weights.Codec*codecTerm(in.VideoCodec, preferH265)
}

// Score implements spec.md §4.7's full score, including the dead
// short-circuit law (IsDead(s) ⇒ score(s) = 0), the fallback, the priority
// bonus, and the channel-preference modifiers.
func Score(in Input, weights Weights, th Thresholds, preferH265 bool) float64 {
	if IsDead(in, weights, th, preferH265) {
		return 0
	}
	width, height := parseResolution(in.Resolution)
	partial := isPartialProbe(width, height, in.FPS, in.BitrateKbps)
	score := rawQualityScore(in, weights, preferH265, width, height, partial)

	switch in.ProviderMode {
	case PriorityAllStreams:
		score += float64(in.ProviderPriority) * 0.5
	case PrioritySameResolution:
		score += float64(in.ProviderPriority) * 0.2
	}

	if in.Pref.Prefer4K && height >= 2160 {
		score += 0.5
	}
	if in.Pref.Avoid4K && height >= 2160 {
		score -= 0.5
	}
	if in.Pref.Max1080p && height > 1080 {
		score -= 10.0
	}
	if in.Pref.Max720p && height > 720 {
		score -= 10.0
	}
	return score
}

package prober

import (
	"strings"
	"testing"
)

func TestParseStderrBasicVideoAudio(t *testing.T) {
	input := `Input #0, mpegts, from 'http://example/stream':
  Stream #0:0[0x100]: Video: h264 (High), yuv420p, 1920x1080, 30 fps, 30 tbr
  Stream #0:1[0x101]: Audio: aac (LC), 48000 Hz, stereo
Output #0, null, to 'pipe:':
  Stream #0:0: Video: wrapped_avframe, yuv420p, 1920x1080
frame=  100 fps= 30 q=-1.0 size=N/A time=00:00:03.33 bitrate= 5000.0kbits/s speed=1x
Statistics: 2500000 bytes read, 0 seeks
`
	stats := parseStderr(strings.NewReader(input))
	if stats.videoCodec != "h264" {
		t.Errorf("videoCodec = %q, want h264", stats.videoCodec)
	}
	if stats.audioCodec != "aac" {
		t.Errorf("audioCodec = %q, want aac", stats.audioCodec)
	}
	if stats.resolution != "1920x1080" {
		t.Errorf("resolution = %q, want 1920x1080", stats.resolution)
	}
	if stats.fps != 30 {
		t.Errorf("fps = %v, want 30", stats.fps)
	}
	if stats.bytesFromStatistics != 2500000 {
		t.Errorf("bytesFromStatistics = %d, want 2500000", stats.bytesFromStatistics)
	}
	kbps := stats.bitrateKbps(4)
	if want := float64(2500000*8) / 1000 / 4; kbps != want {
		t.Errorf("bitrateKbps = %v, want %v", kbps, want)
	}
}

func TestExtractCodecFallsBackToParenGroup(t *testing.T) {
	line := "Stream #0:0: Video: hevc (Main) (hev1 / 0x31637668), yuv420p10le, 3840x2160, 60 fps"
	got := extractCodec(line, "hevc")
	if got != "hevc" {
		t.Fatalf("expected first token hevc to be used directly, got %q", got)
	}

	ambiguous := "Stream #0:0: Video: wrapped_avframe (Main) (hvc1 / 0x31637668), yuv420p, 1280x720"
	got2 := extractCodec(ambiguous, "wrapped_avframe")
	if got2 != "Main" {
		t.Fatalf("expected fallback to the next parenthesized group's first token Main, got %q", got2)
	}
}

func TestNormalizeFourCCLaw(t *testing.T) {
	cases := map[string]string{
		"avc1": "h264", "avc3": "h264", "h264": "h264",
		"hvc1": "hevc", "hev1": "hevc", "hevc": "hevc",
		"vp09": "vp9", "vp08": "vp8", "mp4a": "aac",
	}
	for in, want := range cases {
		if got := normalizeFourCC(in); got != want {
			t.Errorf("normalizeFourCC(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBitratePrefersStatisticsOverProgressLine(t *testing.T) {
	stats := parsedStats{bytesFromStatistics: 1000000, lastProgressBitrate: 999, haveProgressBitrate: true}
	got := stats.bitrateKbps(1)
	want := float64(1000000*8) / 1000 / 1
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestBitrateFallsBackToProgressLine(t *testing.T) {
	stats := parsedStats{lastProgressBitrate: 4500, haveProgressBitrate: true}
	if got := stats.bitrateKbps(5); got != 4500 {
		t.Fatalf("got %v want 4500", got)
	}
}

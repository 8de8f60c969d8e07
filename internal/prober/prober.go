// Package prober implements the Stream Prober (C6): a single bounded
// subprocess invocation of the media analyzer, parsing its verbose stderr
// output for resolution/fps/codec/bitrate. Process supervision (context
// cancellation, explicit wall-clock timeout, killing on cancel) follows the
// same shape as the teacher's internal/supervisor.go subprocess handling,
// re-targeted here from a long-lived tuner process to a single bounded
// probe call.
package prober

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/streamqc/internal/metrics"
)

// Status is the probe's outcome.
type Status string

const (
	StatusOK      Status = "OK"
	StatusTimeout Status = "Timeout"
	StatusError   Status = "Error"
)

// Result is spec.md §4.6's probe output.
type Result struct {
	VideoCodec  string
	AudioCodec  string
	Resolution  string
	FPS         float64
	BitrateKbps float64
	Status      Status
	ElapsedS    float64
}

// Options configures one probe call (spec.md §4.6, §6 stream_analysis).
type Options struct {
	AnalyzerPath   string
	URL            string
	DurationS      int
	TimeoutS       int
	StartupBufferS int
	UserAgent      string
	Proxy          string
}

// effectiveTimeout is spec.md §4.6's "timeout_s + duration_s + startup_buffer_s".
func (o Options) effectiveTimeout() time.Duration {
	return time.Duration(o.TimeoutS+o.DurationS+o.StartupBufferS) * time.Second
}

// Probe runs the analyzer once against the stream URL and parses its stderr.
func Probe(ctx context.Context, opts Options) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, opts.effectiveTimeout())
	defer cancel()

	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, analyzerPath(opts), args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Status: StatusError, ElapsedS: time.Since(start).Seconds()}
	}
	cmd.Stdout = nil

	if err := cmd.Start(); err != nil {
		return Result{Status: StatusError, ElapsedS: time.Since(start).Seconds()}
	}

	parsed := parseStderr(stderr)
	waitErr := cmd.Wait()
	elapsed := time.Since(start).Seconds()

	if ctx.Err() != nil {
		return Result{Status: StatusTimeout, ElapsedS: elapsed}
	}
	if waitErr != nil {
		return Result{Status: StatusError, ElapsedS: elapsed}
	}

	return Result{
		VideoCodec: parsed.videoCodec, AudioCodec: parsed.audioCodec,
		Resolution: parsed.resolution, FPS: parsed.fps, BitrateKbps: parsed.bitrateKbps(opts.DurationS),
		Status: StatusOK, ElapsedS: elapsed,
	}
}

// ProbeWithRetries retries a failed probe n additional times with a fixed
// delay (spec.md §4.6 "Retries"); a successful probe short-circuits.
func ProbeWithRetries(ctx context.Context, opts Options, retries int, delay time.Duration) Result {
	var last Result
	for attempt := 0; attempt <= retries; attempt++ {
		last = Probe(ctx, opts)
		if last.Status == StatusOK {
			metrics.ProbesTotal.WithLabelValues(string(last.Status)).Inc()
			return last
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				metrics.ProbesTotal.WithLabelValues(string(last.Status)).Inc()
				return last
			case <-time.After(delay):
			}
		}
	}
	metrics.ProbesTotal.WithLabelValues(string(last.Status)).Inc()
	return last
}

func analyzerPath(opts Options) string {
	if opts.AnalyzerPath == "" {
		return "ffmpeg"
	}
	return opts.AnalyzerPath
}

// buildArgs configures the analyzer to read real time for DurationS, emit
// verbose diagnostics, and produce no output file (spec.md §4.6).
func buildArgs(opts Options) []string {
	args := []string{"-hide_banner", "-loglevel", "verbose"}
	if opts.UserAgent != "" {
		args = append(args, "-user_agent", opts.UserAgent)
	}
	if opts.Proxy != "" {
		args = append(args, "-http_proxy", opts.Proxy)
	}
	args = append(args,
		"-re", "-i", opts.URL,
		"-t", strconv.Itoa(opts.DurationS),
		"-f", "null", "-",
	)
	return args
}

type parsedStats struct {
	videoCodec          string
	audioCodec          string
	resolution          string
	fps                 float64
	bytesFromStatistics int64
	bytesFromReadLine   int64
	lastProgressBitrate float64
	haveProgressBitrate bool
}

func (p parsedStats) bitrateKbps(durationS int) float64 {
	if p.bytesFromStatistics > 0 && durationS > 0 {
		return float64(p.bytesFromStatistics*8) / 1000 / float64(durationS)
	}
	if p.haveProgressBitrate {
		return p.lastProgressBitrate
	}
	if p.bytesFromReadLine > 0 && durationS > 0 {
		return float64(p.bytesFromReadLine*8) / 1000 / float64(durationS)
	}
	return 0
}

var (
	videoLineRe    = regexp.MustCompile(`Stream #\S+:\s*Video:\s*(\S+)`)
	audioLineRe    = regexp.MustCompile(`Stream #\S+:\s*Audio:\s*(\S+)`)
	parenGroupRe   = regexp.MustCompile(`\(([^)]+)\)`)
	hexTokenRe     = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)
	alnumTokenRe   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	resolutionRe   = regexp.MustCompile(`\b(\d{2,5})x(\d{2,5})\b`)
	fpsRe          = regexp.MustCompile(`([\d.]+)\s*fps`)
	statisticsRe   = regexp.MustCompile(`Statistics:\s*(\d+)\s*bytes read`)
	progressRateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*kbits/s`)
	bytesReadRe    = regexp.MustCompile(`(\d+)\s*bytes read`)
)

// ambiguousCodecTokens are placeholders the analyzer emits when the real
// codec name is only discoverable inside the following parenthesized group
// (spec.md §4.6).
var ambiguousCodecTokens = map[string]bool{
	"wrapped_avframe": true, "unknown": true, "none": true, "null": true,
}

// parseStderr implements spec.md §4.6's parsing contract, tracking whether
// each line falls inside an "Input #" or "Output #" section.
func parseStderr(r io.Reader) parsedStats {
	var stats parsedStats
	inInput := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "Input #"):
			inInput = true
			continue
		case strings.HasPrefix(trimmed, "Output #"):
			inInput = false
			continue
		}

		if inInput {
			if m := videoLineRe.FindStringSubmatch(line); m != nil {
				stats.videoCodec = extractCodec(line, m[1])
				if res := resolutionRe.FindStringSubmatch(line); res != nil {
					stats.resolution = res[1] + "x" + res[2]
				}
				if fps := fpsRe.FindStringSubmatch(line); fps != nil {
					stats.fps, _ = strconv.ParseFloat(fps[1], 64)
				}
			}
			if m := audioLineRe.FindStringSubmatch(line); m != nil {
				stats.audioCodec = extractCodec(line, m[1])
			}
		}

		if m := statisticsRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.ParseInt(m[1], 10, 64)
			stats.bytesFromStatistics = n
		}
		if m := progressRateRe.FindStringSubmatch(line); m != nil {
			v, _ := strconv.ParseFloat(m[1], 64)
			stats.lastProgressBitrate = v
			stats.haveProgressBitrate = true
		}
		if stats.bytesFromStatistics == 0 {
			if m := bytesReadRe.FindStringSubmatch(line); m != nil {
				n, _ := strconv.ParseInt(m[1], 10, 64)
				stats.bytesFromReadLine = n
			}
		}
	}
	stats.videoCodec = normalizeFourCC(stats.videoCodec)
	stats.audioCodec = normalizeFourCC(stats.audioCodec)
	return stats
}

// extractCodec implements spec.md §4.6's ambiguous-token fallback: if the
// first token is a known placeholder, look inside the next parenthesized
// group for the first non-hex alphanumeric token.
func extractCodec(line, firstToken string) string {
	token := strings.TrimRight(firstToken, ",")
	if !ambiguousCodecTokens[strings.ToLower(token)] {
		return token
	}
	for _, group := range parenGroupRe.FindAllStringSubmatch(line, -1) {
		for _, part := range strings.FieldsFunc(group[1], func(r rune) bool { return r == '/' || r == ',' || r == ' ' }) {
			part = strings.TrimSpace(part)
			if part == "" || hexTokenRe.MatchString(part) {
				continue
			}
			if alnumTokenRe.MatchString(part) {
				return part
			}
		}
	}
	return token
}

// normalizeFourCC implements the FourCC normalization law (spec.md §8),
// duplicated here (rather than imported from internal/scorer) because the
// prober must emit an already-normalized codec name for the aggregator
// PATCH body; internal/scorer normalizes independently for scoring so
// cached/historical stats stay correctly classified even if written by an
// older prober.
func normalizeFourCC(codec string) string {
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
		return codec
	}
}

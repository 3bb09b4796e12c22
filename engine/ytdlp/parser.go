package ytdlp

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/fetchkit/fetchd/engine"
	"github.com/fetchkit/fetchd/job"
)

// Stage labels derived from yt-dlp output
const (
	StageDownload    = "download"
	StagePostprocess = "postprocess"
)

var (
	// [download]  42.5% of ~ 10.00MiB at 1.25MiB/s ETA 00:05 (frag 3/10)
	progressRe = regexp.MustCompile(
		`^\[download\]\s+([\d.]+)% of ~?\s*([\d.]+[KMGT]?i?B)` +
			`(?:\s+at\s+(\S+))?(?:\s+ETA\s+(\S+))?(?:\s+\(frag (\d+)/(\d+)\))?`)

	// [download] 100% of 10.00MiB in 00:05
	finishedRe = regexp.MustCompile(`^\[download\]\s+100%\s+of\s+~?\s*([\d.]+[KMGT]?i?B)\s+in\s+`)

	destinationRe  = regexp.MustCompile(`^\[download\] Destination: (.+)$`)
	alreadyRe      = regexp.MustCompile(`^\[download\] (.+) has already been downloaded`)
	mergeTargetRe  = regexp.MustCompile(`Merging formats into "(.+)"`)
	postprocessRe  = regexp.MustCompile(`^\[(Merger|ExtractAudio|VideoConvertor|VideoRemuxer|EmbedThumbnail|Metadata|FixupM3u8|FixupM4a|ModifyChapters|SplitChapters)\]`)
	extractAudioRe = regexp.MustCompile(`^\[ExtractAudio\] Destination: (.+)$`)
)

// parseLine translates one yt-dlp output line into a typed event, or nil for
// lines that carry no structured signal. The caller logs every line
// separately, so nil is common and fine.
func parseLine(line string) *engine.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if strings.HasPrefix(line, "ERROR:") {
		return &engine.Event{
			Type: engine.EventError,
			Err:  strings.TrimSpace(strings.TrimPrefix(line, "ERROR:")),
		}
	}

	if m := destinationRe.FindStringSubmatch(line); m != nil {
		return &engine.Event{
			Type: engine.EventFile,
			Path: m[1],
			Role: engine.FilePartial,
		}
	}

	if m := extractAudioRe.FindStringSubmatch(line); m != nil {
		return &engine.Event{
			Type: engine.EventFile,
			Path: m[1],
			Role: engine.FileMain,
		}
	}

	if m := alreadyRe.FindStringSubmatch(line); m != nil {
		return &engine.Event{
			Type: engine.EventFile,
			Path: m[1],
			Role: engine.FileMain,
		}
	}

	if m := mergeTargetRe.FindStringSubmatch(line); m != nil {
		return &engine.Event{
			Type: engine.EventFile,
			Path: m[1],
			Role: engine.FileMain,
		}
	}

	if m := finishedRe.FindStringSubmatch(line); m != nil {
		p := &job.ProgressSnapshot{
			Stage:   StageDownload,
			Percent: job.Ptr(100.0),
		}
		if total, err := humanize.ParseBytes(m[1]); err == nil {
			p.TotalBytes = job.Ptr(int64(total))
			p.DownloadedBytes = job.Ptr(int64(total))
		}
		return &engine.Event{Type: engine.EventProgress, Progress: p}
	}

	if m := progressRe.FindStringSubmatch(line); m != nil {
		return &engine.Event{Type: engine.EventProgress, Progress: parseProgress(m)}
	}

	if m := postprocessRe.FindStringSubmatch(line); m != nil {
		return &engine.Event{
			Type: engine.EventProgress,
			Progress: &job.ProgressSnapshot{
				Stage:         StagePostprocess,
				Postprocessor: m[1],
			},
		}
	}

	return nil
}

func parseProgress(m []string) *job.ProgressSnapshot {
	p := &job.ProgressSnapshot{Stage: StageDownload}

	if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
		p.Percent = job.Ptr(pct)
		p.StagePercent = job.Ptr(pct)

		if total, err := humanize.ParseBytes(m[2]); err == nil {
			p.TotalBytes = job.Ptr(int64(total))
			p.DownloadedBytes = job.Ptr(int64(float64(total) * pct / 100))
		}
	}

	// speed like 1.25MiB/s, or "Unknown" while stalled
	if speed := strings.TrimSuffix(m[3], "/s"); speed != m[3] {
		if v, err := humanize.ParseBytes(speed); err == nil {
			p.Speed = job.Ptr(float64(v))
		}
	}

	if eta, ok := parseClock(m[4]); ok {
		p.ETA = job.Ptr(eta)
	}

	if m[5] != "" && m[6] != "" {
		frag, _ := strconv.Atoi(m[5])
		count, _ := strconv.Atoi(m[6])
		p.Fragment = job.Ptr(frag)
		p.FragmentCount = job.Ptr(count)
	}

	return p
}

// parseClock converts 05, 00:05 or 1:02:03 to seconds
func parseClock(s string) (float64, bool) {
	if s == "" || s == "Unknown" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, false
		}
		total = total*60 + n
	}
	return float64(total), true
}

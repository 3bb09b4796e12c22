// Package ytdlp invokes yt-dlp as a subprocess and translates its line
// output into typed engine events.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/fetchkit/fetchd/engine"
	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/job"
)

const defaultOutputTemplate = "%(title).200B [%(id)s].%(ext)s"

// Client runs yt-dlp invocations
type Client struct {
	binary string
	logger *zap.SugaredLogger
}

// New creates a client for the given yt-dlp binary
func New(binary string, logger *zap.SugaredLogger) *Client {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Client{
		binary: binary,
		logger: logger.Named("ytdlp"),
	}
}

// probePayload is the shape of `yt-dlp --flat-playlist -J` output we consume
type probePayload struct {
	Type      string  `json:"_type"`
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Thumbnail string  `json:"thumbnail"`
	Uploader  string  `json:"uploader"`
	Duration  float64 `json:"duration"`
	Entries   []struct {
		ID       string  `json:"id"`
		Title    string  `json:"title"`
		URL      string  `json:"url"`
		Duration float64 `json:"duration"`
	} `json:"entries"`
}

// Probe resolves what url is without downloading. Collections come back with
// a flat entry list; single items with their metadata.
func (c *Client) Probe(ctx context.Context, url string, opts job.Options) (*engine.ProbeResult, error) {
	args := []string{"--flat-playlist", "-J", "--no-warnings"}
	args, err := appendExtraArgs(args, opts.ExtraArgs)
	if err != nil {
		return nil, err
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "probe failed: %s", tail(stderr.String()))
	}

	var payload probePayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return nil, errors.Wrap(err, "failed to parse probe output")
	}

	result := &engine.ProbeResult{
		Kind: job.KindSingle,
		Metadata: job.Metadata{
			Title:     payload.Title,
			Thumbnail: payload.Thumbnail,
			Uploader:  payload.Uploader,
			Duration:  payload.Duration,
		},
	}

	if payload.Type == "playlist" {
		result.Kind = job.KindCollection
		result.Total = len(payload.Entries)
		result.Entries = make([]job.PlaylistEntry, 0, len(payload.Entries))
		for i, e := range payload.Entries {
			result.Entries = append(result.Entries, job.PlaylistEntry{
				Index:   i + 1,
				ID:      e.ID,
				Status:  job.EntryPending,
				Preview: e.Title,
				URL:     e.URL,
			})
		}
	}

	return result, nil
}

// Download runs one item to completion, streaming translated events to emit
func (c *Client) Download(ctx context.Context, req engine.Request, emit engine.EmitFunc) error {
	args, err := c.buildArgs(req)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %s", c.binary)
	}

	c.logger.Debugw("Engine started",
		"job_id", req.JobID, "entry", req.EntryIndex, "args", args)

	var errTail strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(r io.Reader, isStderr bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			emit(engine.Event{Type: engine.EventLog, Line: line})
			if ev := parseLine(line); ev != nil {
				emit(*ev)
			}

			if isStderr {
				mu.Lock()
				if errTail.Len() < 4096 {
					errTail.WriteString(line + "\n")
				}
				mu.Unlock()
			}
		}
	}

	wg.Add(2)
	go read(stdoutPipe, false)
	go read(stderrPipe, true)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.Lock()
		detail := tail(errTail.String())
		mu.Unlock()
		return errors.Wrapf(err, "engine failed: %s", detail)
	}
	return nil
}

func (c *Client) buildArgs(req engine.Request) ([]string, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, errors.New("download URL is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return nil, errors.New("output directory is required")
	}

	fragments := req.Options.ConcurrentFragments
	if fragments <= 0 {
		fragments = 4
	}
	format := req.Options.Format
	if format == "" {
		format = "bv*+ba/b"
	}

	args := []string{
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"-N", fmt.Sprintf("%d", fragments),
		"-P", req.OutputDir,
		"-o", defaultOutputTemplate,
		"-f", format,
	}

	if req.Options.RateLimitMBps > 0 {
		args = append(args, "--limit-rate", fmt.Sprintf("%gM", req.Options.RateLimitMBps))
	}
	if req.Options.SubtitleLangs != "" {
		args = append(args, "--write-subs", "--sub-langs", req.Options.SubtitleLangs)
	}
	if req.Options.EmbedMetadata {
		args = append(args, "--embed-metadata")
	}

	args, err := appendExtraArgs(args, req.Options.ExtraArgs)
	if err != nil {
		return nil, err
	}

	return append(args, req.URL), nil
}

// appendExtraArgs splits a shell-quoted extra argument string and appends it
func appendExtraArgs(args []string, extra string) ([]string, error) {
	if strings.TrimSpace(extra) == "" {
		return args, nil
	}
	parts, err := shellquote.Split(extra)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid extra_args: %v", err)
	}
	return append(args, parts...), nil
}

// splitByNewlineOrCR tokenizes on \n and \r so carriage-return progress
// updates surface as individual lines
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps error detail readable when the engine dumps a lot of output
func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}
	return s
}

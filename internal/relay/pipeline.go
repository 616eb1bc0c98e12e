package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streamrelay/internal/notify"
	"streamrelay/internal/observability/metrics"
)

// Process names used in spawn-failure reporting.
const (
	ProcessPuller  = "puller"
	ProcessEncoder = "encoder"
)

// SpawnError reports which pipeline process failed to launch.
type SpawnError struct {
	Process string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Process, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Pipeline represents one running relay: a puller process piped into an
// encoder process plus the byte-copy task connecting them. The handle
// exclusively owns both processes; Terminate is the only path to killing them
// besides natural exit.
type Pipeline interface {
	Owner() int64
	Title() string
	// Terminate kills and reaps both processes concurrently. It is
	// idempotent, and terminating an already-exited process is a no-op
	// success. Partial failures are aggregated, never suppressed.
	Terminate(ctx context.Context) error
	// Done is closed once the copy task has observed pipe closure and
	// handed its completion event to the notifier.
	Done() <-chan struct{}
}

// TitleFetcher resolves a human-readable title for a source URL. Failures are
// reported as absent, never as errors.
type TitleFetcher interface {
	PageTitle(ctx context.Context, url string) (string, bool)
}

// Builder constructs and launches relay pipelines. The zero value uses bare
// command names and no recording root.
type Builder struct {
	// PullerPath and EncoderPath locate the external executables,
	// defaulting to "streamlink" and "ffmpeg" on PATH.
	PullerPath  string
	EncoderPath string

	// RecordRoot enables recording when non-empty; the puller then records
	// to RecordPath(RecordRoot, title) while piping. When empty the puller
	// streams to stdout exclusively.
	RecordRoot string

	Push     PushConfig
	Titles   TitleFetcher
	Notifier notify.Queue
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	// Now overrides the clock used for fallback titles. Tests only.
	Now func() time.Time
}

// Build launches the two-process pipeline for desc relaying sourceURL and
// returns a handle owning both processes. A puller spawn failure launches no
// encoder; an encoder spawn failure kills the already-started puller before
// the error propagates.
func (b *Builder) Build(ctx context.Context, desc Descriptor, sourceURL string, notifyTarget int64) (Pipeline, error) {
	title := b.resolveTitle(ctx, sourceURL)

	args := append([]string{}, desc.Args...)
	args = append(args, sourceURL, "best")
	if b.RecordRoot != "" {
		args = append(args, "--record-and-pipe", RecordPath(b.RecordRoot, title))
	} else {
		args = append(args, "-O")
	}

	puller := exec.Command(b.pullerPath(), args...)
	puller.Stderr = os.Stderr
	pullerOut, err := puller.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Process: ProcessPuller, Err: err}
	}
	if err := puller.Start(); err != nil {
		return nil, &SpawnError{Process: ProcessPuller, Err: err}
	}

	address, format := PushAddress(desc, b.Push)
	encoder := exec.Command(b.encoderPath(), encoderArgs(format, address)...)
	encoder.Stderr = os.Stderr
	encoderIn, err := encoder.StdinPipe()
	if err != nil {
		reapProcess(puller)
		return nil, &SpawnError{Process: ProcessEncoder, Err: err}
	}
	if err := encoder.Start(); err != nil {
		reapProcess(puller)
		return nil, &SpawnError{Process: ProcessEncoder, Err: err}
	}

	p := &processPipeline{
		owner:   notifyTarget,
		title:   title,
		puller:  puller,
		encoder: encoder,
		done:    make(chan struct{}),
	}
	go b.relay(p, pullerOut, encoderIn)

	b.logger().Info("pipeline started",
		"room_id", notifyTarget,
		"title", title,
		"transport", string(desc.Transport),
		"recording", b.RecordRoot != "",
	)
	return p, nil
}

// relay copies puller stdout into encoder stdin until either side closes, then
// emits exactly one completion event. It captures everything it needs at
// spawn time and never kills either process; it only observes pipe closure.
func (b *Builder) relay(p *processPipeline, src io.ReadCloser, dst io.WriteCloser) {
	if _, err := io.Copy(dst, src); err != nil {
		b.logger().Debug("pipeline copy ended", "room_id", p.owner, "error", err)
	}
	dst.Close()

	event := notify.Event{
		UserID:     p.owner,
		Title:      p.title,
		Text:       fmt.Sprintf("The relay has ended.\n\nRecording title: %s", p.title),
		OccurredAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if b.Notifier != nil {
		if err := b.Notifier.Publish(ctx, event); err != nil {
			b.logger().Warn("completion notification failed", "room_id", p.owner, "error", err)
		} else if b.Metrics != nil {
			b.Metrics.NotificationPublished()
		}
	}
	close(p.done)
}

func (b *Builder) resolveTitle(ctx context.Context, sourceURL string) string {
	if b.Titles != nil {
		if title, ok := b.Titles.PageTitle(ctx, sourceURL); ok {
			return SanitizeTitle(title)
		}
	}
	return FallbackTitle(b.now())
}

func (b *Builder) pullerPath() string {
	if b.PullerPath != "" {
		return b.PullerPath
	}
	return "streamlink"
}

func (b *Builder) encoderPath() string {
	if b.EncoderPath != "" {
		return b.EncoderPath
	}
	return "ffmpeg"
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func encoderArgs(format, address string) []string {
	return []string{
		"-re",
		"-i", "pipe:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-ar", "44100",
		"-b:a", "192k",
		"-f", format,
		"-drop_pkts_on_overflow", "1",
		"-attempt_recovery", "1",
		"-max_recovery_attempts", "5",
		"-recovery_wait_time", "1",
		address,
	}
}

type processPipeline struct {
	owner   int64
	title   string
	puller  *exec.Cmd
	encoder *exec.Cmd
	done    chan struct{}

	terminateOnce sync.Once
	terminateErr  error
}

func (p *processPipeline) Owner() int64 {
	return p.owner
}

func (p *processPipeline) Title() string {
	return p.title
}

func (p *processPipeline) Done() <-chan struct{} {
	return p.done
}

func (p *processPipeline) Terminate(ctx context.Context) error {
	p.terminateOnce.Do(func() {
		var pullerErr, encoderErr error
		group, _ := errgroup.WithContext(ctx)
		group.Go(func() error {
			pullerErr = reapProcess(p.puller)
			return nil
		})
		group.Go(func() error {
			encoderErr = reapProcess(p.encoder)
			return nil
		})
		_ = group.Wait()

		if pullerErr != nil {
			pullerErr = fmt.Errorf("terminate %s: %w", ProcessPuller, pullerErr)
		}
		if encoderErr != nil {
			encoderErr = fmt.Errorf("terminate %s: %w", ProcessEncoder, encoderErr)
		}
		p.terminateErr = errors.Join(pullerErr, encoderErr)
	})
	return p.terminateErr
}

// reapProcess kills cmd and reaps it. A process that already exited counts as
// success; the Wait outcome is irrelevant because the process was either
// killed or already gone.
func reapProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	_ = cmd.Wait()
	return nil
}

package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"streamrelay/internal/notify"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

type fixedTitles struct {
	title string
	ok    bool
}

func (f fixedTitles) PageTitle(context.Context, string) (string, bool) {
	return f.title, f.ok
}

func TestBuildRelaysAndNotifiesOnce(t *testing.T) {
	dir := t.TempDir()
	puller := writeScript(t, dir, "puller", "echo payload\n")
	encoder := writeScript(t, dir, "encoder", "cat >/dev/null\n")

	queue := notify.NewMemoryQueue(8)
	sub := queue.Subscribe()
	defer sub.Close()

	builder := &Builder{
		PullerPath:  puller,
		EncoderPath: encoder,
		Push:        DefaultPushConfig(),
		Titles:      fixedTitles{title: "late night show", ok: true},
		Notifier:    queue,
	}

	desc := Descriptor{RoomID: 42, Credential: "key", Transport: TransportRTMP}
	p, err := builder.Build(context.Background(), desc, "https://example.com/live", 42)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline did not complete")
	}

	select {
	case event := <-sub.Events():
		if event.UserID != 42 {
			t.Fatalf("unexpected event target %d", event.UserID)
		}
		if event.Title != "late night show" {
			t.Fatalf("unexpected event title %q", event.Title)
		}
		if !strings.Contains(event.Text, "late night show") {
			t.Fatalf("title missing from notification text %q", event.Text)
		}
	case <-time.After(time.Second):
		t.Fatalf("no completion event published")
	}

	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected second event %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	if err := p.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate after natural exit failed: %v", err)
	}
}

func TestTerminateIsIdempotentUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	puller := writeScript(t, dir, "puller", "sleep 30\n")
	encoder := writeScript(t, dir, "encoder", "cat >/dev/null\n")

	builder := &Builder{
		PullerPath:  puller,
		EncoderPath: encoder,
		Push:        DefaultPushConfig(),
	}
	desc := Descriptor{RoomID: 1, Credential: "key", Transport: TransportSRT}
	p, err := builder.Build(context.Background(), desc, "https://example.com/live", 1)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Terminate(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != errs[0] {
			t.Fatalf("caller %d saw a different result: %v vs %v", i, err, errs[0])
		}
	}
	if errs[0] != nil {
		t.Fatalf("terminate failed: %v", errs[0])
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("copy task did not observe pipe closure")
	}
}

func TestBuildPullerSpawnFailure(t *testing.T) {
	builder := &Builder{
		PullerPath:  filepath.Join(t.TempDir(), "missing"),
		EncoderPath: "/bin/sh",
		Push:        DefaultPushConfig(),
	}
	desc := Descriptor{RoomID: 1, Credential: "key", Transport: TransportRTMP}
	_, err := builder.Build(context.Background(), desc, "https://example.com/live", 1)
	if err == nil {
		t.Fatalf("expected spawn failure")
	}
	var spawn *SpawnError
	if !errors.As(err, &spawn) || spawn.Process != ProcessPuller {
		t.Fatalf("expected puller spawn error, got %v", err)
	}
}

func TestBuildEncoderSpawnFailureReapsPuller(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "puller.pid")
	puller := writeScript(t, dir, "puller", "echo $$ > \""+pidFile+"\"\nexec sleep 30\n")

	builder := &Builder{
		PullerPath:  puller,
		EncoderPath: filepath.Join(dir, "missing"),
		Push:        DefaultPushConfig(),
	}
	desc := Descriptor{RoomID: 1, Credential: "key", Transport: TransportRTMP}
	_, err := builder.Build(context.Background(), desc, "https://example.com/live", 1)
	if err == nil {
		t.Fatalf("expected spawn failure")
	}
	var spawn *SpawnError
	if !errors.As(err, &spawn) || spawn.Process != ProcessEncoder {
		t.Fatalf("expected encoder spawn error, got %v", err)
	}

	// Build kills and waits on the already-started puller before returning.
	// The script records its pid as its first statement; if the kill won the
	// race against that write the file never appears, which also proves the
	// process is gone. When the pid was recorded, the process must be dead.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pidFile); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse recorded pid %q: %v", raw, err)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Fatalf("puller process %d still exists (kill 0 returned %v)", pid, err)
	}
}

var fallbackTitlePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)

func TestResolveTitleFallsBackToTimestamp(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	builder := &Builder{
		Titles: fixedTitles{ok: false},
		Now:    func() time.Time { return at },
	}
	got := builder.resolveTitle(context.Background(), "https://example.com/live")
	if got != "2024-01-02 03:04:05" {
		t.Fatalf("unexpected fallback title %q", got)
	}
	if !fallbackTitlePattern.MatchString(got) {
		t.Fatalf("fallback title %q does not look like a timestamp", got)
	}
}

func TestResolveTitleSanitizesFetchedTitle(t *testing.T) {
	builder := &Builder{Titles: fixedTitles{title: "a/b", ok: true}}
	got := builder.resolveTitle(context.Background(), "https://example.com/live")
	if strings.Contains(got, "/") {
		t.Fatalf("resolved title still contains a solidus: %q", got)
	}
}

func TestEncoderArgsCarryFormatAndAddress(t *testing.T) {
	args := encoderArgs("flv", "rtmp://example.com/app/key")
	if args[len(args)-1] != "rtmp://example.com/app/key" {
		t.Fatalf("address must be the final argument, got %v", args)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-f flv") {
		t.Fatalf("format flag missing from %q", joined)
	}
	if !strings.Contains(joined, "-c:v copy") || !strings.Contains(joined, "-c:a aac") {
		t.Fatalf("codec flags missing from %q", joined)
	}
}

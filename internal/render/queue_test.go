package render

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"molrender/internal/config"
	"molrender/internal/engine"
	"molrender/internal/events"
	"molrender/internal/models"
)

type fakeSessions struct {
	known map[string]bool
}

func (f *fakeSessions) Get(sessionID string) (models.EngineProcess, bool) {
	if f.known[sessionID] {
		return models.EngineProcess{ID: sessionID, Status: models.ProcessRunning}, true
	}
	return models.EngineProcess{}, false
}

// fakeCommander simulates the engine: save commands write a real PNG unless
// failing is set. With softwareMode, saves fail with an offscreen error until
// the software-graphics command has been issued. A non-nil gate blocks every
// command until the channel is closed.
type fakeCommander struct {
	mu           sync.Mutex
	failing      bool
	failMsg      string
	softwareMode bool
	softwareSeen bool
	gate         chan struct{}
	commands     []string
}

func (f *fakeCommander) Execute(_ context.Context, _, cmd string, _ time.Duration) (models.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	if cmd == "graphics driver software" {
		f.softwareSeen = true
	}
	failing, failMsg := f.failing, f.failMsg
	softwareMode, softwareSeen := f.softwareMode, f.softwareSeen
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if failing {
		if failMsg != "" {
			return models.CommandResult{Success: false, Error: failMsg}, nil
		}
		return models.CommandResult{}, engine.ErrProcessUnreachable
	}
	if strings.HasPrefix(cmd, "save ") {
		if softwareMode && !softwareSeen {
			return models.CommandResult{Success: false, Error: "OpenGL offscreen rendering unavailable"}, nil
		}
		path := strings.Fields(cmd)[1]
		if err := writeTestPNG(path); err != nil {
			return models.CommandResult{}, err
		}
	}
	return models.CommandResult{Success: true}, nil
}

func (f *fakeCommander) saw(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (f *fakeCommander) ExecuteSequence(ctx context.Context, sessionID string, cmds []string) []models.CommandResult {
	results := make([]models.CommandResult, 0, len(cmds))
	for _, cmd := range cmds {
		res, _ := f.Execute(ctx, sessionID, cmd, 0)
		results = append(results, res)
	}
	return results
}

func writeTestPNG(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	return png.Encode(out, image.NewRGBA(image.Rect(0, 0, 4, 4)))
}

func testQueue(t *testing.T, commander Commander, mutate func(*config.Config)) *Queue {
	t.Helper()
	cfg := config.Config{
		RenderOutputDir:     t.TempDir(),
		RenderMaxConcurrent: 2,
		RenderDefaultWidth:  320,
		RenderDefaultHeight: 240,
		RenderMinDimension:  16,
		RenderMaxDimension:  2048,
		FFmpegPath:          "/nonexistent/ffmpeg",
		PlaceholderEnabled:  true,
		DefaultFrameRate:    10,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	q, err := NewQueue(cfg, &fakeSessions{known: map[string]bool{"s1": true}}, commander, events.NewBus(64), nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func waitTerminal(t *testing.T, q *Queue, id string) models.RenderingJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := q.Get(id); ok && job.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := q.Get(id)
	t.Fatalf("job %s never reached a terminal state (status=%s message=%q)", id, job.Status, job.Message)
	return models.RenderingJob{}
}

func TestSnapshotCompletesViaEngine(t *testing.T) {
	commander := &fakeCommander{}
	q := testQueue(t, commander, nil)

	job, err := q.CreateSnapshot(context.Background(), "s1", models.RenderParams{Style: "stick"})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if job.Status != models.JobPending {
		t.Fatalf("new job not pending: %s", job.Status)
	}

	done := waitTerminal(t, q, job.ID)
	if done.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Message)
	}
	if _, err := os.Stat(done.OutputPath); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if path, ok := q.ArtifactPath(job.ID); !ok || path != done.OutputPath {
		t.Fatalf("artifact path mismatch: %s vs %s", path, done.OutputPath)
	}
}

func TestSnapshotFallsBackToPlaceholder(t *testing.T) {
	commander := &fakeCommander{failing: true, failMsg: "OpenGL offscreen rendering unavailable"}
	q := testQueue(t, commander, nil)

	job, err := q.CreateSnapshot(context.Background(), "s1", models.RenderParams{})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	done := waitTerminal(t, q, job.ID)
	if done.Status != models.JobCompleted {
		t.Fatalf("expected placeholder completion, got %s (%s)", done.Status, done.Message)
	}
	if !strings.Contains(done.Message, "placeholder") {
		t.Fatalf("message does not mention placeholder: %q", done.Message)
	}
	if _, err := os.Stat(done.OutputPath); err != nil {
		t.Fatalf("placeholder artifact missing: %v", err)
	}
}

func TestSnapshotRendersViaVirtualDisplay(t *testing.T) {
	commander := &fakeCommander{softwareMode: true}
	q := testQueue(t, commander, func(cfg *config.Config) {
		cfg.VirtualDisplay = true
	})

	job, err := q.CreateSnapshot(context.Background(), "s1", models.RenderParams{})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	done := waitTerminal(t, q, job.ID)
	if done.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Message)
	}
	if done.Message != "rendered via virtual display" {
		t.Fatalf("unexpected message: %q", done.Message)
	}
	if !commander.saw("graphics driver software") {
		t.Fatalf("software graphics mode never requested: %v", commander.commands)
	}
	if _, err := os.Stat(done.OutputPath); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}

func TestSnapshotVirtualDisplayFailureFallsToPlaceholder(t *testing.T) {
	commander := &fakeCommander{failing: true, failMsg: "OpenGL offscreen rendering unavailable"}
	q := testQueue(t, commander, func(cfg *config.Config) {
		cfg.VirtualDisplay = true
	})

	job, err := q.CreateSnapshot(context.Background(), "s1", models.RenderParams{})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	done := waitTerminal(t, q, job.ID)
	if done.Status != models.JobCompleted {
		t.Fatalf("expected placeholder completion, got %s (%s)", done.Status, done.Message)
	}
	if !strings.Contains(done.Message, "placeholder") {
		t.Fatalf("message does not mention placeholder: %q", done.Message)
	}
	if !commander.saw("graphics driver software") {
		t.Fatalf("virtual display tier never attempted: %v", commander.commands)
	}
	if _, err := os.Stat(done.OutputPath); err != nil {
		t.Fatalf("placeholder artifact missing: %v", err)
	}
}

func TestDeleteWhileProcessingSuppressesTerminalEvents(t *testing.T) {
	gate := make(chan struct{})
	commander := &fakeCommander{gate: gate}
	q := testQueue(t, commander, nil)
	sub, cancelSub := q.bus.Subscribe()
	defer cancelSub()

	job, err := q.CreateSnapshot(context.Background(), "s1", models.RenderParams{})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if j, ok := q.Get(job.ID); ok && j.Status == models.JobProcessing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never started processing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !q.Delete(job.ID) {
		t.Fatalf("delete of processing job refused")
	}
	close(gate)

	timeout := time.After(300 * time.Millisecond)
	for {
		select {
		case msg := <-sub:
			if msg.SessionID == "" {
				t.Fatalf("message %s published with empty session id", msg.Type)
			}
			if msg.Type == events.TypeOperationCompleted || msg.Type == events.TypeOperationFailed {
				t.Fatalf("terminal event %s published for deleted job", msg.Type)
			}
		case <-timeout:
			if _, err := os.Stat(q.outputFile(job.ID, "png")); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("orphaned artifact left behind: %v", err)
			}
			return
		}
	}
}

func TestSnapshotFailsWhenPlaceholderDisabled(t *testing.T) {
	commander := &fakeCommander{failing: true}
	q := testQueue(t, commander, func(cfg *config.Config) {
		cfg.PlaceholderEnabled = false
	})

	job, err := q.CreateSnapshot(context.Background(), "s1", models.RenderParams{})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	done := waitTerminal(t, q, job.ID)
	if done.Status != models.JobFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
}

func TestTerminalJobNeverMutates(t *testing.T) {
	commander := &fakeCommander{}
	q := testQueue(t, commander, nil)

	job, err := q.CreateSnapshot(context.Background(), "s1", models.RenderParams{})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	done := waitTerminal(t, q, job.ID)

	if _, ok := q.jobs.transition(job.ID, func(j *models.RenderingJob) {
		j.Status = models.JobFailed
	}); ok {
		t.Fatalf("terminal job accepted a transition")
	}
	after, _ := q.Get(job.ID)
	if after.Status != done.Status || after.UpdatedAt != done.UpdatedAt {
		t.Fatalf("terminal job mutated: %+v vs %+v", after, done)
	}
}

func TestMovieAssemblesGIFWithoutEncoder(t *testing.T) {
	commander := &fakeCommander{}
	q := testQueue(t, commander, nil)

	job, err := q.CreateMovie(context.Background(), "s1", models.RenderParams{
		Format: "gif",
		Frames: []string{"turn y 10", "turn y 10", "turn y 10"},
	})
	if err != nil {
		t.Fatalf("create movie: %v", err)
	}

	done := waitTerminal(t, q, job.ID)
	if done.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Message)
	}
	if !strings.HasSuffix(done.OutputPath, ".gif") {
		t.Fatalf("expected gif artifact, got %s", done.OutputPath)
	}
	if done.Progress.Completed != 3 || done.Progress.Total != 3 {
		t.Fatalf("progress not tracked: %+v", done.Progress)
	}
	if _, err := os.Stat(done.OutputPath); err != nil {
		t.Fatalf("gif missing: %v", err)
	}
	// Scratch frames are removed after successful assembly.
	if _, err := os.Stat(filepath.Join(filepath.Dir(done.OutputPath), job.ID+"_frames")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("frame scratch dir not cleaned up")
	}
}

func TestValidation(t *testing.T) {
	q := testQueue(t, &fakeCommander{}, nil)
	ctx := context.Background()

	if _, err := q.CreateSnapshot(ctx, "unknown", models.RenderParams{}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if _, err := q.CreateMovie(ctx, "s1", models.RenderParams{Frames: []string{"only-one"}}); !errors.Is(err, ErrBadParams) {
		t.Fatalf("expected ErrBadParams for single frame, got %v", err)
	}
	if _, err := q.CreateSnapshot(ctx, "s1", models.RenderParams{Width: 8}); !errors.Is(err, ErrBadParams) {
		t.Fatalf("expected ErrBadParams for tiny width, got %v", err)
	}
	if _, err := q.CreateSnapshot(ctx, "s1", models.RenderParams{Format: "bmp"}); !errors.Is(err, ErrBadParams) {
		t.Fatalf("expected ErrBadParams for bmp, got %v", err)
	}
}

func TestDeleteRemovesArtifact(t *testing.T) {
	commander := &fakeCommander{}
	q := testQueue(t, commander, nil)

	job, err := q.CreateSnapshot(context.Background(), "s1", models.RenderParams{})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	done := waitTerminal(t, q, job.ID)

	if !q.Delete(job.ID) {
		t.Fatalf("delete returned false")
	}
	if _, err := os.Stat(done.OutputPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact not removed")
	}
	if q.Delete(job.ID) {
		t.Fatalf("delete of unknown job returned true")
	}
}

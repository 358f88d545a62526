package chat

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/supportbot/internal/ai"
	"github.com/suPer8Hu/supportbot/internal/db"
)

var dsnUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// openTestDB returns a private in-memory database for the calling test.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := dsnUnsafe.ReplaceAllString(t.Name(), "_")
	gdb, err := db.Connect("sqlite", "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err, "open sqlite")
	require.NoError(t, AutoMigrate(gdb), "automigrate")
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// scriptedProvider replies from a fixed script; the last entry repeats.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   [][]ai.Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, append([]ai.Message(nil), messages...))
	i := len(p.calls) - 1
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if len(p.replies) == 0 {
		return "", nil
	}
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	return p.replies[i], nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func registryFor(p ai.Provider) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return p, nil
	})
	return reg
}

// frameRecorder collects frames; onFrame runs before a frame is recorded.
type frameRecorder struct {
	mu      sync.Mutex
	frames  []Frame
	onFrame func(Frame)
	failOn  int // fail the n-th write (1-based); 0 never fails
}

func (r *frameRecorder) WriteFrame(f Frame) error {
	if r.onFrame != nil {
		r.onFrame(f)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn > 0 && len(r.frames)+1 == r.failOn {
		return errClientGone
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) types() []FrameType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FrameType, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.FrameType())
	}
	return out
}

func (r *frameRecorder) paragraphs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames {
		if p, ok := f.(ParagraphFrame); ok {
			out = append(out, p.Message.Text)
		}
	}
	return out
}

func (r *frameRecorder) last(ft FrameType) Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].FrameType() == ft {
			return r.frames[i]
		}
	}
	return nil
}

type clientGoneError struct{}

func (clientGoneError) Error() string { return "client gone" }

var errClientGone error = clientGoneError{}

// instantPacer records requested waits without sleeping.
type instantPacer struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (p *instantPacer) Wait(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.waits = append(p.waits, d)
	p.mu.Unlock()
	return ctx.Err()
}

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []MemoryRequest
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req MemoryRequest) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return nil
}

func answerJSON(paragraphs []string, followUps []string, summary string) string {
	ans := structuredAnswer{FollowUps: followUps, Context: summary}
	for _, p := range paragraphs {
		ans.Paragraphs = append(ans.Paragraphs, Paragraph{Content: p})
	}
	b, err := json.Marshal(ans)
	if err != nil {
		panic(err)
	}
	return string(b)
}

package frame_test

import (
	"errors"
	"testing"

	"github.com/overhook/overhook/pkg/bridge"
	"github.com/overhook/overhook/pkg/frame"
	"github.com/overhook/overhook/pkg/keys"
	"github.com/overhook/overhook/pkg/proc"
	"github.com/overhook/overhook/pkg/proc/sandbox"
)

const (
	toggleKey = keys.VkF1 + 8 // F9
	reloadKey = keys.VkF1 + 9
	closeKey  = keys.VkEscape
)

type fakeBackend struct {
	attachErr  error
	attached   int
	detached   int
	filter     frame.MessageFilter
	target     bool
	rebuilt    int
	released   int
	frames     int
	frameOpen  bool
	panicFrame bool
}

func (b *fakeBackend) Attach(sc frame.SwapChain, filter frame.MessageFilter) error {
	if b.attachErr != nil {
		return b.attachErr
	}
	b.attached++
	b.filter = filter
	b.target = true
	return nil
}

func (b *fakeBackend) HasRenderTarget() bool { return b.target }

func (b *fakeBackend) RebuildRenderTarget(sc frame.SwapChain) error {
	b.rebuilt++
	b.target = true
	return nil
}

func (b *fakeBackend) ReleaseRenderTarget() {
	b.released++
	b.target = false
}

func (b *fakeBackend) DisplaySize() (float32, float32) { return 800, 600 }

func (b *fakeBackend) BeginFrame() {
	if b.panicFrame {
		panic("boom")
	}
	b.frameOpen = true
}

func (b *fakeBackend) EndFrame() {
	b.frameOpen = false
	b.frames++
}

func (b *fakeBackend) Detach() error {
	b.detached++
	return nil
}

type fakePainter struct {
	painted  []int
	consume  bool
	messages int
}

func (p *fakePainter) Paint(selected int, scripts []bridge.Script, width, height float32) {
	p.painted = append(p.painted, selected)
}

func (p *fakePainter) HandleMessage(m frame.Message) bool {
	p.messages++
	return p.consume
}

type fakeScripts struct {
	view     []bridge.Script
	executed []string
	framed   []string
}

func (s *fakeScripts) Scripts() []bridge.Script { return s.view }

func (s *fakeScripts) ExecuteOne(key string) string {
	s.executed = append(s.executed, key)
	for i := range s.view {
		if s.view[i].Key == key {
			s.view[i].Result = bridge.StatusLoaded
		}
	}
	return bridge.StatusLoaded
}

func (s *fakeScripts) PerFrameCallback(key string) {
	s.framed = append(s.framed, key)
}

type fixture struct {
	d        *frame.Driver
	backend  *fakeBackend
	painter  *fakePainter
	kb       *sandbox.Keyboard
	scripts  *fakeScripts
	forwards int
}

func newFixture(cfg frame.Config, n int) *fixture {
	f := &fixture{
		backend: &fakeBackend{},
		painter: &fakePainter{},
		kb:      sandbox.NewKeyboard(),
		scripts: &fakeScripts{},
	}
	for i := 0; i < n; i++ {
		key := string(rune('a' + i))
		f.scripts.view = append(f.scripts.view, bridge.Script{Key: key, Name: key, Result: bridge.StatusLoaded})
	}
	cfg.Hotkeys = frame.Hotkeys{Toggle: toggleKey, Reload: reloadKey, Close: closeKey}
	original := func(sc frame.SwapChain, syncInterval, flags uint32) int32 {
		f.forwards++
		return int32(sc) + int32(syncInterval) + int32(flags)
	}
	f.d = frame.New(cfg, original, f.backend, f.painter, f.kb, f.scripts)
	return f
}

// tap presses code for exactly one frame.
func (f *fixture) tap(code int) {
	f.kb.Press(code)
	f.d.Present(1, 0, 0)
	f.kb.Release(code)
	f.d.Present(1, 0, 0)
}

func TestPresentForwards(t *testing.T) {
	f := newFixture(frame.Config{}, 1)
	if hr := f.d.Present(5, 1, 2); hr != 8 {
		t.Fatalf("Present returned %d, want 8", hr)
	}
	if f.forwards != 1 {
		t.Fatalf("original called %d times", f.forwards)
	}
	if f.d.State() != frame.Attached {
		t.Fatalf("state %v after first frame", f.d.State())
	}
	select {
	case <-f.d.Attached():
	default:
		t.Fatal("Attached channel not closed")
	}
}

func TestAttachFailureRetries(t *testing.T) {
	f := newFixture(frame.Config{}, 1)
	f.backend.attachErr = errors.New("no device")
	f.d.Present(1, 0, 0)
	if f.d.State() != frame.Uninitialized || f.forwards != 1 {
		t.Fatalf("state %v forwards %d", f.d.State(), f.forwards)
	}
	f.backend.attachErr = nil
	f.d.Present(1, 0, 0)
	if f.d.State() != frame.Attached || f.backend.attached != 1 {
		t.Fatalf("state %v attached %d", f.d.State(), f.backend.attached)
	}
}

func TestToggleAdvancesSelection(t *testing.T) {
	f := newFixture(frame.Config{}, 3)
	f.d.Present(1, 0, 0)
	if f.d.Visible() {
		t.Fatal("visible before toggle")
	}
	f.tap(toggleKey)
	if !f.d.Visible() || f.d.Selected() != 0 {
		t.Fatalf("visible %v selected %d", f.d.Visible(), f.d.Selected())
	}
	want := []int{1, 2, 0, 1}
	for _, w := range want {
		f.tap(toggleKey)
		if got := f.d.Selected(); got != w {
			t.Fatalf("selected %d, want %d", got, w)
		}
	}
}

func TestHotkeyIsEdgeTriggered(t *testing.T) {
	f := newFixture(frame.Config{ShowOnStartup: true}, 2)
	f.d.Present(1, 0, 0)
	f.kb.Press(toggleKey)
	for i := 0; i < 5; i++ {
		f.d.Present(1, 0, 0)
	}
	if f.d.Selected() != 1 {
		t.Fatalf("holding the key advanced selection to %d", f.d.Selected())
	}
}

func TestCloseAndReload(t *testing.T) {
	f := newFixture(frame.Config{}, 2)
	f.d.Present(1, 0, 0)

	f.tap(reloadKey)
	if len(f.scripts.executed) != 0 {
		t.Fatalf("reload executed %v while hidden", f.scripts.executed)
	}

	f.tap(toggleKey)
	f.tap(toggleKey)
	f.tap(reloadKey)
	if len(f.scripts.executed) != 1 || f.scripts.executed[0] != "b" {
		t.Fatalf("executed %v", f.scripts.executed)
	}

	f.tap(closeKey)
	if f.d.Visible() {
		t.Fatal("visible after close")
	}
	n := len(f.scripts.framed)
	f.d.Present(1, 0, 0)
	if len(f.scripts.framed) != n {
		t.Fatal("per-frame callback ran while hidden")
	}
}

func TestVisibleFrame(t *testing.T) {
	f := newFixture(frame.Config{ShowOnStartup: true}, 2)
	f.scripts.view[0].Result = bridge.StatusPending
	f.d.Present(1, 0, 0)
	if len(f.scripts.executed) != 1 || f.scripts.executed[0] != "a" {
		t.Fatalf("pending script not refreshed: %v", f.scripts.executed)
	}
	f.d.Present(1, 0, 0)
	if len(f.scripts.executed) != 1 {
		t.Fatalf("loaded script executed again: %v", f.scripts.executed)
	}
	if len(f.scripts.framed) != 2 || len(f.painter.painted) != 2 {
		t.Fatalf("framed %v painted %v", f.scripts.framed, f.painter.painted)
	}
	if f.backend.frames != 2 {
		t.Fatalf("frames %d", f.backend.frames)
	}
}

func TestNoScripts(t *testing.T) {
	f := newFixture(frame.Config{ShowOnStartup: true}, 0)
	f.d.Present(1, 0, 0)
	f.tap(toggleKey)
	f.tap(reloadKey)
	if f.d.Selected() != 0 || len(f.painter.painted) != 0 || len(f.scripts.framed) != 0 {
		t.Fatalf("selected %d painted %v framed %v", f.d.Selected(), f.painter.painted, f.scripts.framed)
	}
}

func TestSelectionClampedWhenScriptsRemoved(t *testing.T) {
	f := newFixture(frame.Config{ShowOnStartup: true}, 3)
	f.d.Present(1, 0, 0)
	f.tap(toggleKey)
	f.tap(toggleKey)
	if f.d.Selected() != 2 {
		t.Fatalf("selected %d", f.d.Selected())
	}
	f.scripts.view = f.scripts.view[:2]
	f.d.Present(1, 0, 0)
	if s := f.d.Selected(); s >= 2 {
		t.Fatalf("selection %d out of range", s)
	}
}

func TestResizeReleasesRenderTarget(t *testing.T) {
	f := newFixture(frame.Config{}, 1)
	f.d.Present(1, 0, 0)

	if f.backend.filter(frame.Message{Msg: frame.WM_SIZE, WParam: frame.SIZE_MINIMIZED}) {
		t.Fatal("WM_SIZE consumed")
	}
	if f.backend.released != 0 {
		t.Fatal("render target released on minimize")
	}
	f.backend.filter(frame.Message{Msg: frame.WM_SIZE})
	if f.backend.released != 1 || f.backend.HasRenderTarget() {
		t.Fatalf("released %d", f.backend.released)
	}
	f.d.Present(1, 0, 0)
	if f.backend.rebuilt != 1 || !f.backend.HasRenderTarget() {
		t.Fatalf("rebuilt %d", f.backend.rebuilt)
	}
}

func TestPainterSeesMessagesOnlyWhenVisible(t *testing.T) {
	f := newFixture(frame.Config{}, 1)
	f.d.Present(1, 0, 0)
	f.painter.consume = true
	if f.backend.filter(frame.Message{Msg: 0x0100}) || f.painter.messages != 0 {
		t.Fatal("painter saw message while hidden")
	}
	f.tap(toggleKey)
	if !f.backend.filter(frame.Message{Msg: 0x0100}) {
		t.Fatal("message not consumed while visible")
	}
}

func TestPanicStillForwards(t *testing.T) {
	f := newFixture(frame.Config{ShowOnStartup: true}, 1)
	f.backend.panicFrame = true
	f.d.Present(1, 0, 0)
	f.d.Present(1, 0, 0)
	if f.forwards != 2 {
		t.Fatalf("forwards %d", f.forwards)
	}
}

type fakeCapture struct{ regs proc.Registers }

func (c fakeCapture) CaptureContext() (proc.Registers, bool) { return c.regs, true }

func TestContextCapture(t *testing.T) {
	snap := new(proc.RegisterSnapshot)
	f := newFixture(frame.Config{
		Capture:   fakeCapture{proc.Registers{Eax: 0x42, Eip: 0x1000}},
		Registers: snap,
	}, 1)
	f.d.Present(1, 0, 0)
	f.d.Present(1, 0, 0)
	if r := snap.Load(); r.Eax != 0x42 || r.Eip != 0x1000 {
		t.Fatalf("snapshot %#v", r)
	}
}

func TestDetach(t *testing.T) {
	f := newFixture(frame.Config{ShowOnStartup: true}, 1)
	f.d.Present(1, 0, 0)
	assertNoError(f.d.Detach(), t, "Detach")
	assertNoError(f.d.Detach(), t, "Detach again")
	if f.backend.detached != 1 {
		t.Fatalf("backend detached %d times", f.backend.detached)
	}
	frames := f.backend.frames
	f.d.Present(1, 0, 0)
	if f.backend.frames != frames || f.forwards != 2 {
		t.Fatalf("frames %d forwards %d after detach", f.backend.frames, f.forwards)
	}
}

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

package cmds

import (
	"errors"
	"sync"
	"time"

	"github.com/inkyblackness/imgui-go/v4"

	"github.com/overhook/overhook/pkg/frame"
)

// headlessSize is the initial display size of the headless backend.
var headlessSize = [2]float32{1280, 720}

// headlessBackend is a frame.Backend with a real ImGui context and no
// device. Frames are built and rendered into draw lists that are never
// submitted.
type headlessBackend struct {
	mu     sync.Mutex
	size   [2]float32
	filter frame.MessageFilter
	lists  int

	ctx    *imgui.Context
	io     imgui.IO
	target bool
	last   time.Time
}

func newHeadlessBackend(size [2]float32) *headlessBackend {
	return &headlessBackend{size: size}
}

func (b *headlessBackend) Attach(sc frame.SwapChain, filter frame.MessageFilter) error {
	if sc == 0 {
		return errors.New("no swap chain")
	}
	b.ctx = imgui.CreateContext(nil)
	b.io = imgui.CurrentIO()
	b.io.SetIniFilename("")
	b.io.SetDisplaySize(imgui.Vec2{X: b.size[0], Y: b.size[1]})
	// Builds the font atlas, NewFrame fails without it.
	b.io.Fonts().TextureDataRGBA32()
	b.mu.Lock()
	b.filter = filter
	b.mu.Unlock()
	b.target = true
	return nil
}

func (b *headlessBackend) HasRenderTarget() bool {
	return b.target
}

func (b *headlessBackend) RebuildRenderTarget(sc frame.SwapChain) error {
	b.mu.Lock()
	size := b.size
	b.mu.Unlock()
	b.io.SetDisplaySize(imgui.Vec2{X: size[0], Y: size[1]})
	b.target = true
	return nil
}

func (b *headlessBackend) ReleaseRenderTarget() {
	b.target = false
}

func (b *headlessBackend) DisplaySize() (width, height float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size[0], b.size[1]
}

func (b *headlessBackend) BeginFrame() {
	now := time.Now()
	if !b.last.IsZero() && now.After(b.last) {
		b.io.SetDeltaTime(float32(now.Sub(b.last).Seconds()))
	} else {
		b.io.SetDeltaTime(1.0 / 60.0)
	}
	b.last = now
	imgui.NewFrame()
}

func (b *headlessBackend) EndFrame() {
	imgui.Render()
	n := len(imgui.RenderedDrawData().CommandLists())
	b.mu.Lock()
	b.lists = n
	b.mu.Unlock()
}

func (b *headlessBackend) Detach() error {
	if b.ctx != nil {
		b.ctx.Destroy()
		b.ctx = nil
	}
	b.target = false
	return nil
}

// resize simulates a resize of the host window: the new size is
// recorded and WM_SIZE is sent through the installed message filter.
func (b *headlessBackend) resize(width, height uint16) bool {
	b.mu.Lock()
	b.size = [2]float32{float32(width), float32(height)}
	filter := b.filter
	b.mu.Unlock()
	if filter == nil {
		return false
	}
	filter(frame.Message{Msg: frame.WM_SIZE, LParam: uintptr(height)<<16 | uintptr(width)})
	return true
}

// drawLists returns the number of draw lists of the last frame.
func (b *headlessBackend) drawLists() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

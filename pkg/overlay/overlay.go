// Package overlay paints the script status window with Dear ImGui.
package overlay

import (
	"fmt"
	"strings"

	"github.com/inkyblackness/imgui-go/v4"

	"github.com/overhook/overhook/pkg/bridge"
	"github.com/overhook/overhook/pkg/frame"
)

// Position is the vertical placement of the overlay window.
type Position int

const (
	Top Position = iota
	Bottom
)

// ParsePosition parses "top" or "bottom". Anything else is Top.
func ParsePosition(s string) Position {
	if strings.EqualFold(strings.TrimSpace(s), "bottom") {
		return Bottom
	}
	return Top
}

func (p Position) String() string {
	if p == Bottom {
		return "bottom"
	}
	return "top"
}

// Color is a background color: red, green and blue in 0-255 and alpha as
// a percentage.
type Color [4]int

// DefaultColor is a dark translucent background.
var DefaultColor = Color{0, 0, 0, 70}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

// Vec4 returns the color as an ImGui color.
func (c Color) Vec4() imgui.Vec4 {
	return imgui.Vec4{
		X: float32(clamp(c[0], 255)) / 255,
		Y: float32(clamp(c[1], 255)) / 255,
		Z: float32(clamp(c[2], 255)) / 255,
		W: float32(clamp(c[3], 100)) / 100,
	}
}

// Config configures a Painter.
type Config struct {
	Name     string
	Version  string
	Color    Color
	Position Position
}

// Title returns the first line of the overlay.
func Title(cfg Config, selected int, scripts []bridge.Script) string {
	path := ""
	if selected >= 0 && selected < len(scripts) {
		path = scripts[selected].ScriptPath
	}
	return fmt.Sprintf("%s v%s | Plugin %d/%d | %s", cfg.Name, cfg.Version, selected+1, len(scripts), path)
}

// Lines returns the lines describing s.
func Lines(s bridge.Script) []string {
	return []string{
		fmt.Sprintf("%s | v. %s", s.Name, s.Version),
		fmt.Sprintf("by %s", s.Author),
		fmt.Sprintf("Info: %s", s.StatusInfo),
		fmt.Sprintf("Plugin Status: %s", s.Result),
	}
}

// windowY returns the top edge of the window. A bottom window needs its
// height, which is only known after it has been drawn once.
func windowY(pos Position, displayHeight, height float32) float32 {
	if pos != Bottom || height <= 0 || height > displayHeight {
		return 0
	}
	return displayHeight - height
}

const windowFlags = imgui.WindowFlagsAlwaysAutoResize |
	imgui.WindowFlagsNoScrollbar | imgui.WindowFlagsNoTitleBar |
	imgui.WindowFlagsNoDecoration | imgui.WindowFlagsNoSavedSettings |
	imgui.WindowFlagsNoBringToFrontOnFocus

// Painter draws the overlay into the current ImGui frame.
type Painter struct {
	cfg Config

	// height of the window in the previous frame
	height float32
}

var _ frame.Painter = (*Painter)(nil)

func New(cfg Config) *Painter {
	return &Painter{cfg: cfg}
}

// Paint draws the status of the selected script.
func (p *Painter) Paint(selected int, scripts []bridge.Script, width, height float32) {
	if selected < 0 || selected >= len(scripts) {
		return
	}

	imgui.PushStyleColor(imgui.StyleColorWindowBg, p.cfg.Color.Vec4())
	defer imgui.PopStyleColor()

	imgui.SetNextWindowPos(imgui.Vec2{X: 0, Y: windowY(p.cfg.Position, height, p.height)})
	imgui.SetNextWindowSize(imgui.Vec2{X: width, Y: 0})
	imgui.BeginV("##overhookStatus", nil, windowFlags)
	defer imgui.End()

	imgui.Text(Title(p.cfg, selected, scripts))
	imgui.Separator()
	for _, l := range Lines(scripts[selected]) {
		imgui.Text(l)
	}
	p.height = imgui.WindowHeight()
}

// Window messages forwarded to ImGui.
const (
	wmKeyDown     = 0x0100
	wmKeyUp       = 0x0101
	wmChar        = 0x0102
	wmSysKeyDown  = 0x0104
	wmSysKeyUp    = 0x0105
	wmMouseMove   = 0x0200
	wmLButtonDown = 0x0201
	wmLButtonUp   = 0x0202
	wmRButtonDown = 0x0204
	wmRButtonUp   = 0x0205
	wmMButtonDown = 0x0207
	wmMButtonUp   = 0x0208
	wmMouseWheel  = 0x020A

	wheelDelta = 120
)

type eventKind int

const (
	evNone eventKind = iota
	evMouseMove
	evMouseButton
	evWheel
	evKey
	evChar
)

type event struct {
	kind   eventKind
	x, y   float32
	button int
	down   bool
	wheel  float32
	key    int
	char   rune
}

func loword(v uintptr) uint16 { return uint16(v & 0xffff) }
func hiword(v uintptr) uint16 { return uint16((v >> 16) & 0xffff) }

// decode translates a window message into an input event.
func decode(m frame.Message) event {
	switch m.Msg {
	case wmMouseMove:
		return event{kind: evMouseMove, x: float32(int16(loword(m.LParam))), y: float32(int16(hiword(m.LParam)))}
	case wmLButtonDown, wmLButtonUp:
		return event{kind: evMouseButton, button: 0, down: m.Msg == wmLButtonDown}
	case wmRButtonDown, wmRButtonUp:
		return event{kind: evMouseButton, button: 1, down: m.Msg == wmRButtonDown}
	case wmMButtonDown, wmMButtonUp:
		return event{kind: evMouseButton, button: 2, down: m.Msg == wmMButtonDown}
	case wmMouseWheel:
		return event{kind: evWheel, wheel: float32(int16(hiword(m.WParam))) / wheelDelta}
	case wmKeyDown, wmSysKeyDown, wmKeyUp, wmSysKeyUp:
		return event{kind: evKey, key: int(m.WParam), down: m.Msg == wmKeyDown || m.Msg == wmSysKeyDown}
	case wmChar:
		return event{kind: evChar, char: rune(m.WParam)}
	}
	return event{}
}

// HandleMessage feeds m to ImGui and reports whether ImGui wants to
// consume it.
func (p *Painter) HandleMessage(m frame.Message) bool {
	ev := decode(m)
	if ev.kind == evNone {
		return false
	}
	io := imgui.CurrentIO()
	switch ev.kind {
	case evMouseMove:
		io.SetMousePosition(imgui.Vec2{X: ev.x, Y: ev.y})
	case evMouseButton:
		io.SetMouseButtonDown(ev.button, ev.down)
	case evWheel:
		io.AddMouseWheelDelta(0, ev.wheel)
	case evKey:
		if ev.down {
			io.KeyPress(ev.key)
		} else {
			io.KeyRelease(ev.key)
		}
		return io.WantCaptureKeyboard()
	case evChar:
		io.AddInputCharacters(string(ev.char))
		return io.WantCaptureKeyboard()
	}
	return io.WantCaptureMouse()
}

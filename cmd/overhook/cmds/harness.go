package cmds

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overhook/overhook/pkg/config"
	"github.com/overhook/overhook/pkg/frame"
	"github.com/overhook/overhook/pkg/loader"
	"github.com/overhook/overhook/pkg/proc"
	"github.com/overhook/overhook/pkg/proc/sandbox"
)

// Layout of the simulated process.
const (
	hostModule = "host.exe"
	moduleBase = 0x400000
	codeBase   = 0x401000
	codeSize   = 0x1000
	dataBase   = 0x500000
	dataSize   = 0x10000
	stackTop   = 0x0019ff00
)

// hostCode is the start of the code region: push ebp, mov ebp, esp, four
// nops, pop ebp and ret.
var hostCode = []byte{0x55, 0x8b, 0xec, 0x90, 0x90, 0x90, 0x90, 0x5d, 0xc3}

var errAlreadyStopped = errors.New("harness already stopped")

// newProcess returns the memory and keyboard of a simulated process.
func newProcess() (*sandbox.Memory, *sandbox.Keyboard) {
	mem := sandbox.NewMemory()
	mem.Map(codeBase, codeSize, proc.PageExecuteRead)
	mem.Map(dataBase, dataSize, proc.PageReadWrite)
	mem.AddModule(hostModule, moduleBase)
	if err := mem.Poke(codeBase, hostCode); err != nil {
		panic(err)
	}
	return mem, sandbox.NewKeyboard()
}

// harness is a simulated host: its memory, keyboard and exception
// dispatcher are sandboxed and a goroutine presents frames.
type harness struct {
	conf  *config.Config
	mem   *sandbox.Memory
	kbd   *sandbox.Keyboard
	traps *sandbox.Dispatcher

	l       *loader.Loader
	backend *headlessBackend

	ctxMu sync.Mutex
	regs  proc.Registers

	frames  atomic.Uint64
	stopc   chan struct{}
	done    chan struct{}
	stopped bool
}

func newHarness(conf *config.Config) *harness {
	mem, kbd := newProcess()
	return &harness{
		conf:  conf,
		mem:   mem,
		kbd:   kbd,
		traps: &sandbox.Dispatcher{},
		regs:  proc.Registers{Esp: stackTop, Ebp: stackTop, Eip: codeBase},
	}
}

// original stands in for the host's presentation call.
func (h *harness) original(frame.SwapChain, uint32, uint32) int32 {
	h.frames.Add(1)
	return 0
}

// CaptureContext returns the registers of the simulated rendering thread.
func (h *harness) CaptureContext() (proc.Registers, bool) {
	h.ctxMu.Lock()
	defer h.ctxMu.Unlock()
	return h.regs, true
}

func (h *harness) setRegisters(fn func(*proc.Registers)) {
	h.ctxMu.Lock()
	fn(&h.regs)
	h.ctxMu.Unlock()
}

// start builds the runtime, starts presenting frames and waits for the
// loader to start.
func (h *harness) start(cfgPath string, backend *headlessBackend, fps int) error {
	l, err := loader.New(h.conf, cfgPath, loader.Host{
		Memory:   h.mem,
		Keyboard: h.kbd,
		Traps:    h.traps,
		Original: h.original,
		Backend:  backend,
		Capture:  h,
	})
	if err != nil {
		return err
	}
	h.l = l
	h.backend = backend
	h.stopc = make(chan struct{})
	h.done = make(chan struct{})
	go h.present(time.Second / time.Duration(fps))
	return l.Start(context.Background())
}

func (h *harness) present(interval time.Duration) {
	defer close(h.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-h.stopc:
			return
		case <-t.C:
			h.l.Present(1, 1, 0)
		}
	}
}

// waitFrames blocks until n more frames were presented.
func (h *harness) waitFrames(n uint64) {
	target := h.frames.Load() + n
	for h.frames.Load() < target {
		select {
		case <-h.done:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// trap executes the instruction at addr on the simulated thread.
func (h *harness) trap(addr uint64) (proc.TrapResult, error) {
	regs, _ := h.CaptureContext()
	regs.Eip = addr
	return h.traps.Execute(h.mem, addr, regs)
}

// stop shuts the runtime down and stops presenting frames.
func (h *harness) stop() error {
	if h.stopped {
		return errAlreadyStopped
	}
	h.stopped = true
	var err error
	if h.l != nil {
		err = h.l.Shutdown()
	}
	if h.stopc != nil {
		close(h.stopc)
		<-h.done
	}
	return err
}

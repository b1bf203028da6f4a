package bridge_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/overhook/overhook/pkg/bridge"
	"github.com/overhook/overhook/pkg/keys"
	"github.com/overhook/overhook/pkg/proc"
	"github.com/overhook/overhook/pkg/proc/sandbox"
	"github.com/overhook/overhook/pkg/script"
	"github.com/overhook/overhook/pkg/script/luaengine"
	"github.com/overhook/overhook/pkg/script/starengine"
)

const counterAddr = 0x8000

// counterBody increments the word at counterAddr every time it runs.
const counterBody = `Memory.WriteMemory(0x8000, Memory.ReadMemory(0x8000, 4) + 1, 4)
`

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

type fixture struct {
	dir  string
	mem  *sandbox.Memory
	host *script.Host
	b    *bridge.Bridge
}

func newFixture(t *testing.T, lang script.Language) *fixture {
	mem := sandbox.NewMemory()
	mem.Map(0x1000, 0x1000, proc.PageExecuteRead)
	mem.Map(0x8000, 0x1000, proc.PageReadWrite)
	regs := new(proc.RegisterSnapshot)
	host := &script.Host{
		Memory:      mem,
		Keyboard:    keys.NewTracker(sandbox.NewKeyboard()),
		Registers:   regs,
		Breakpoints: proc.NewBreakpointManager(mem, regs, time.Millisecond),
	}
	b := bridge.New(lang, host)
	host.Breakpoints.SetDispatcher(b)
	t.Cleanup(func() {
		host.Breakpoints.Close()
		b.Close()
	})
	return &fixture{dir: t.TempDir(), mem: mem, host: host, b: b}
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	assertNoError(os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0o644), t, "WriteFile "+name)
}

func (f *fixture) counter(t *testing.T) uint64 {
	t.Helper()
	v, err := proc.ReadUint(f.mem, counterAddr, 4)
	assertNoError(err, t, "ReadUint")
	return v
}

func descriptorFor(name string) string {
	return "[meta]\nname=" + name + "\nversion=1.0\nauthor=tester\n[status]\ninfo=testing\n"
}

func TestLoadAllAndExecuteAll(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	f.write(t, "a.ini", descriptorFor("Alpha"))
	f.write(t, "a.lua", `SCRIPT_RESULT = "alpha ready"`)
	f.write(t, "b.ini", "[meta]\n")
	f.write(t, "b.lua", `local x = 1`)
	f.write(t, "c.ini", descriptorFor("NoBody"))
	f.write(t, "d.lua", `SCRIPT_RESULT = "no descriptor"`)

	if n := f.b.LoadAll(f.dir); n != 2 {
		t.Fatalf("LoadAll = %d, want 2", n)
	}
	scripts := f.b.Scripts()
	if len(scripts) != 2 || scripts[0].Key != "a" || scripts[1].Key != "b" {
		t.Fatalf("unexpected view %#v", scripts)
	}
	for _, s := range scripts {
		if s.Result != bridge.StatusPending {
			t.Fatalf("%s: status %q before execution", s.Key, s.Result)
		}
	}
	a := scripts[0]
	if a.Name != "Alpha" || a.Version != "1.0" || a.Author != "tester" || a.StatusInfo != "testing" {
		t.Fatalf("unexpected descriptor fields %#v", a)
	}
	b := scripts[1]
	if b.Name != "Unnamed" || b.Version != "Unknown" || b.Author != "Anonymous" || b.StatusInfo != "" {
		t.Fatalf("unexpected defaults %#v", b)
	}

	f.b.ExecuteAll()
	scripts = f.b.Scripts()
	if scripts[0].Result != "alpha ready" {
		t.Fatalf("a: status %q", scripts[0].Result)
	}
	if scripts[1].Result != bridge.StatusLoaded {
		t.Fatalf("b: status %q", scripts[1].Result)
	}
}

func TestExecuteAllPartialFailure(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	f.write(t, "a.ini", descriptorFor("Broken"))
	f.write(t, "a.lua", `error("broken script")`)
	f.write(t, "b.ini", descriptorFor("Syntax"))
	f.write(t, "b.lua", `this is not lua`)
	f.write(t, "c.ini", descriptorFor("Fine"))
	f.write(t, "c.lua", counterBody)

	f.b.LoadAll(f.dir)
	f.b.ExecuteAll()

	scripts := f.b.Scripts()
	if len(scripts) != 3 {
		t.Fatalf("unexpected view %#v", scripts)
	}
	for _, s := range scripts[:2] {
		if !s.IsError() || !strings.HasPrefix(s.Result, bridge.StatusErrorPrefix) {
			t.Fatalf("%s: expected error status, got %q", s.Key, s.Result)
		}
	}
	if !strings.Contains(scripts[0].Result, "broken script") {
		t.Fatalf("error message lost: %q", scripts[0].Result)
	}
	if scripts[2].Result != bridge.StatusLoaded {
		t.Fatalf("c: status %q", scripts[2].Result)
	}
	if f.counter(t) != 1 {
		t.Fatalf("c executed %d times", f.counter(t))
	}
}

func TestExecuteOne(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	f.write(t, "a.ini", descriptorFor("A"))
	f.write(t, "a.lua", counterBody+`SCRIPT_RESULT = "run " .. Memory.ReadMemory(0x8000, 4)`)
	f.b.LoadAll(f.dir)

	if s := f.b.ExecuteOne("a"); s != "run 1" {
		t.Fatalf("ExecuteOne = %q", s)
	}
	if s := f.b.ExecuteOne("a"); s != "run 2" {
		t.Fatalf("ExecuteOne = %q", s)
	}
	if s, _ := f.b.Lookup("a"); s.Result != "run 2" {
		t.Fatalf("table status %q", s.Result)
	}
	if v := f.b.Scripts(); v[0].Result != "run 2" {
		t.Fatalf("view status %q", v[0].Result)
	}
	if s := f.b.ExecuteOne("missing"); !strings.HasPrefix(s, bridge.StatusErrorPrefix) {
		t.Fatalf("ExecuteOne of missing script = %q", s)
	}
}

func TestUpdateOnChangeIdempotent(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	f.write(t, "a.ini", descriptorFor("A"))
	f.write(t, "a.lua", counterBody)
	f.b.LoadAll(f.dir)

	f.b.UpdateOnChange("a")
	f.b.UpdateOnChange("a")
	if c := f.counter(t); c != 1 {
		t.Fatalf("body executed %d times for identical content", c)
	}

	f.write(t, "a.ini", descriptorFor("A2"))
	f.b.UpdateOnChange("a")
	if c := f.counter(t); c != 2 {
		t.Fatalf("body executed %d times after descriptor change", c)
	}
	if s, _ := f.b.Lookup("a"); s.Name != "A2" || s.Result != bridge.StatusLoaded {
		t.Fatalf("record not updated: %#v", s)
	}

	f.write(t, "a.lua", counterBody+"-- edited\n")
	f.b.UpdateOnChange("a")
	if c := f.counter(t); c != 3 {
		t.Fatalf("body executed %d times after body change", c)
	}
}

func TestUpdateOnChangeRemoveAndAdd(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	f.write(t, "a.ini", descriptorFor("A"))
	f.write(t, "a.lua", `SCRIPT_RESULT = "a"`)
	f.write(t, "b.ini", descriptorFor("B"))
	f.write(t, "b.lua", `SCRIPT_RESULT = "b"`)
	f.b.LoadAll(f.dir)
	f.b.ExecuteAll()
	for _, s := range f.b.Scripts() {
		if s.Result == bridge.StatusPending {
			t.Fatalf("%s still pending", s.Key)
		}
	}

	assertNoError(os.Remove(filepath.Join(f.dir, "a.ini")), t, "Remove")
	f.b.UpdateOnChange("a")
	scripts := f.b.Scripts()
	if len(scripts) != 1 || scripts[0].Key != "b" {
		t.Fatalf("unexpected view after removal %#v", scripts)
	}
	if _, ok := f.b.Lookup("a"); ok {
		t.Fatal("a still in table")
	}

	f.write(t, "c.ini", descriptorFor("C"))
	f.write(t, "c.lua", `SCRIPT_RESULT = "c"`)
	f.b.UpdateOnChange("c")
	scripts = f.b.Scripts()
	if len(scripts) != 2 || scripts[1].Key != "c" || scripts[1].Result != "c" {
		t.Fatalf("unexpected view after addition %#v", scripts)
	}

	// a body without a descriptor is not a script
	f.write(t, "d.lua", `SCRIPT_RESULT = "d"`)
	f.b.UpdateOnChange("d")
	if _, ok := f.b.Lookup("d"); ok {
		t.Fatal("d added without descriptor")
	}
}

func TestViewIsImmutable(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	f.write(t, "a.ini", descriptorFor("A"))
	f.write(t, "a.lua", `SCRIPT_RESULT = "first"`)
	f.b.LoadAll(f.dir)
	before := f.b.Scripts()
	f.b.ExecuteAll()
	if before[0].Result != bridge.StatusPending {
		t.Fatalf("published view was modified: %q", before[0].Result)
	}
	if after := f.b.Scripts(); after[0].Result != "first" {
		t.Fatalf("new view not published: %q", after[0].Result)
	}
}

func TestPerFrameCallback(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	f.write(t, "a.ini", descriptorFor("A"))
	f.write(t, "a.lua", `
frames = 0
function OnFrame(status)
	frames = frames + 1
	if frames == 2 then
		SCRIPT_RESULT = "frame two"
		return true
	end
	if frames == 3 then
		return "frame three"
	end
	if frames == 4 then
		error("bad frame")
	end
	if frames == 5 then
		SCRIPT_RESULT = ""
		return true
	end
	if frames == 6 then
		return ""
	end
	return false
end
`)
	f.write(t, "b.ini", descriptorFor("B"))
	f.write(t, "b.lua", `SCRIPT_RESULT = "no frame function"`)
	f.b.LoadAll(f.dir)
	f.b.ExecuteAll()

	status := func(key string) string {
		s, _ := f.b.Lookup(key)
		return s.Result
	}

	f.b.PerFrameCallback("a")
	if s := status("a"); s != bridge.StatusLoaded {
		t.Fatalf("frame 1: %q", s)
	}
	f.b.PerFrameCallback("a")
	if s := status("a"); s != "frame two" {
		t.Fatalf("frame 2: %q", s)
	}
	f.b.PerFrameCallback("a")
	if s := status("a"); s != "frame three" {
		t.Fatalf("frame 3: %q", s)
	}
	f.b.PerFrameCallback("a")
	if s := status("a"); !strings.HasPrefix(s, bridge.StatusErrorPrefix) || !strings.Contains(s, "bad frame") {
		t.Fatalf("frame 4: %q", s)
	}
	if v := f.b.Scripts(); v[0].Result != status("a") {
		t.Fatalf("view not updated: %q", v[0].Result)
	}
	failed := status("a")
	f.b.PerFrameCallback("a")
	if s := status("a"); s != failed {
		t.Fatalf("frame 5: empty SCRIPT_RESULT replaced the status with %q", s)
	}
	f.b.PerFrameCallback("a")
	if s := status("a"); s != failed {
		t.Fatalf("frame 6: empty return value replaced the status with %q", s)
	}

	f.b.PerFrameCallback("b")
	if s := status("b"); s != "no frame function" {
		t.Fatalf("b: %q", s)
	}
	f.b.PerFrameCallback("missing")
}

func TestBreakpointCallbackRouting(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	assertNoError(f.mem.Poke(0x1000, []byte{0x55, 0x8b, 0xec}), t, "Poke")
	f.write(t, "a.ini", descriptorFor("A"))
	f.write(t, "a.lua", `
hits = 0
Debug.SetBreakpoint(0x1000, "OnHit")
function OnHit(addr)
	hits = hits + 1
	Memory.WriteMemory(0x8000, addr, 4)
end
`)
	f.write(t, "b.ini", descriptorFor("B"))
	f.write(t, "b.lua", `
function OnHit(addr)
	Memory.WriteMemory(0x8004, 1, 4)
end
`)
	f.b.LoadAll(f.dir)
	f.b.ExecuteAll()

	res := f.host.Breakpoints.HandleTrap(0x1000, proc.Registers{Eax: 1})
	if !res.Handled || res.Action != proc.ContinueExecution || res.ResumePC != 0x1000 {
		t.Fatalf("unexpected trap result %#v", res)
	}
	if f.counter(t) != 0x1000 {
		t.Fatalf("callback of owner not called: %#x", f.counter(t))
	}
	if v, _ := proc.ReadUint(f.mem, 0x8004, 4); v != 0 {
		t.Fatal("callback of another script called")
	}
	if pc := f.host.Registers.Load().Eip; pc != 0x1000 {
		t.Fatalf("eip = %#x", pc)
	}

	if err := f.b.DispatchBreakpoint("a", "Missing", 0x1000); err == nil {
		t.Fatal("expected error for missing callback")
	}
	if err := f.b.DispatchBreakpoint("zzz", "OnHit", 0x1000); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestStarlarkBridge(t *testing.T) {
	f := newFixture(t, starengine.Language{})
	f.write(t, "a.ini", descriptorFor("A"))
	f.write(t, "a.star", `
SCRIPT_RESULT = "star " + PLUGIN_INFO["meta.name"]

def OnFrame(status):
    return status + "."
`)
	f.write(t, "b.ini", descriptorFor("B"))
	f.write(t, "b.star", `fail("nope")`)
	f.b.LoadAll(f.dir)
	f.b.ExecuteAll()

	scripts := f.b.Scripts()
	if len(scripts) != 2 || scripts[0].Result != "star A" || !scripts[1].IsError() {
		t.Fatalf("unexpected view %#v", scripts)
	}
	f.b.PerFrameCallback("a")
	if s, _ := f.b.Lookup("a"); s.Result != "star A." {
		t.Fatalf("after frame: %q", s.Result)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testWatcher(t *testing.T, forcePoll bool) {
	f := newFixture(t, luaengine.Language{})
	f.write(t, "a.ini", descriptorFor("A"))
	f.write(t, "a.lua", `SCRIPT_RESULT = "a"`)
	f.b.LoadAll(f.dir)
	f.b.ExecuteAll()

	w := f.b.Watch(context.Background(), f.dir, 20*time.Millisecond, forcePoll)
	if forcePoll && !w.Polling() {
		t.Fatal("watcher not polling")
	}

	f.write(t, "b.ini", descriptorFor("B"))
	f.write(t, "b.lua", `SCRIPT_RESULT = "b"`)
	waitFor(t, "b to be loaded", func() bool {
		s, ok := f.b.Lookup("b")
		return ok && s.Result == "b"
	})

	assertNoError(os.Remove(filepath.Join(f.dir, "a.lua")), t, "Remove")
	waitFor(t, "a to be removed", func() bool {
		_, ok := f.b.Lookup("a")
		return !ok
	})

	w.Stop()
	f.write(t, "c.ini", descriptorFor("C"))
	f.write(t, "c.lua", `SCRIPT_RESULT = "c"`)
	time.Sleep(100 * time.Millisecond)
	if _, ok := f.b.Lookup("c"); ok {
		t.Fatal("watcher still running after Stop")
	}
}

func TestWatcherNotify(t *testing.T) {
	testWatcher(t, false)
}

func TestWatcherPoll(t *testing.T) {
	testWatcher(t, true)
}

func TestWatcherPollEditAfterWatch(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	f.write(t, "a.ini", descriptorFor("A"))
	f.write(t, "a.lua", `SCRIPT_RESULT = "a"`)
	f.b.LoadAll(f.dir)
	f.b.ExecuteAll()

	w := f.b.Watch(context.Background(), f.dir, 10*time.Millisecond, true)
	defer w.Stop()
	// Changes made as soon as Watch returns must not be folded into the
	// first scan.
	f.write(t, "a.lua", `SCRIPT_RESULT = "edited right away"`)
	waitFor(t, "a to be executed again", func() bool {
		s, ok := f.b.Lookup("a")
		return ok && s.Result == "edited right away"
	})
}

func TestWatcherContextCancel(t *testing.T) {
	f := newFixture(t, luaengine.Language{})
	ctx, cancel := context.WithCancel(context.Background())
	w := f.b.Watch(ctx, f.dir, 0, true)
	cancel()
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on context cancellation")
	}
}

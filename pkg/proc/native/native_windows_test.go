//go:build windows && (amd64 || 386)

package native

import (
	"testing"

	"github.com/overhook/overhook/pkg/proc"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	mem, err := NewMemory()
	assertNoError(err, t, "NewMemory")

	addr, err := mem.Alloc(0x1000)
	assertNoError(err, t, "Alloc")
	defer func() {
		assertNoError(mem.Free(addr), t, "Free")
	}()

	assertNoError(proc.WriteUint(mem, addr+8, 0xdeadbeef, 4), t, "WriteUint")
	v, err := proc.ReadUint(mem, addr+8, 4)
	assertNoError(err, t, "ReadUint")
	if v != 0xdeadbeef {
		t.Fatalf("read back %#x", v)
	}

	old, err := mem.Protect(addr, 0x1000, proc.PageReadOnly)
	assertNoError(err, t, "Protect")
	if old != proc.PageExecuteReadWrite {
		t.Fatalf("unexpected previous protection %#x", old)
	}
	// WriteUint lifts the protection for the duration of the write
	assertNoError(proc.WriteUint(mem, addr, 1, 1), t, "WriteUint read-only")
	old, err = mem.Protect(addr, 0x1000, proc.PageExecuteReadWrite)
	assertNoError(err, t, "Protect")
	if old != proc.PageReadOnly {
		t.Fatalf("protection not restored: %#x", old)
	}
}

func TestModuleBase(t *testing.T) {
	mem, err := NewMemory()
	assertNoError(err, t, "NewMemory")
	base, err := mem.ModuleBase("kernel32.dll")
	assertNoError(err, t, "ModuleBase")
	if base == 0 {
		t.Fatal("kernel32.dll has base 0")
	}
	v, err := proc.ReadUint(mem, base, 2)
	assertNoError(err, t, "ReadUint")
	if v != 0x5a4d { // MZ
		t.Fatalf("unexpected image header %#x", v)
	}
	if _, err := mem.ModuleBase("not-a-module.dll"); err == nil {
		t.Fatal("expected error for missing module")
	}
}

func TestTrapDispatcherInstall(t *testing.T) {
	d, err := NewTrapDispatcher()
	assertNoError(err, t, "NewTrapDispatcher")
	h := func(addr uint64, regs proc.Registers) proc.TrapResult { return proc.TrapResult{} }
	assertNoError(d.Install(h), t, "Install")
	d2, _ := NewTrapDispatcher()
	if err := d2.Install(h); err != ErrAlreadyInstalled {
		t.Fatalf("expected ErrAlreadyInstalled, got %v", err)
	}
	assertNoError(d.Uninstall(), t, "Uninstall")
	assertNoError(d.Uninstall(), t, "second Uninstall")
}

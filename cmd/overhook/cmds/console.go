package cmds

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/overhook/overhook/pkg/keys"
	"github.com/overhook/overhook/pkg/proc"
)

const historyFile string = ".overhook_history"

type exitRequest struct{}

func (exitRequest) Error() string { return "exit requested" }

type cmdfunc func(c *console, args []string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
	// keyArg is true if the arguments of the command are key names.
	keyArg bool
}

// console is the interactive front end of the run harness.
type console struct {
	h    *harness
	out  *output
	cmds []command

	line *liner.State
	// names and keys are used for completion.
	names *trie.Trie
	keys  *trie.Trie
}

func newConsole(h *harness, out *output) *console {
	c := &console{h: h, out: out, names: trie.New(), keys: trie.New()}
	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: (*console).help, helpMsg: `Prints the help message.

	help [command]`},
		{aliases: []string{"scripts", "ls"}, cmdFn: (*console).scripts, helpMsg: `Lists the loaded scripts and their status.`},
		{aliases: []string{"overlay", "o"}, cmdFn: (*console).overlay, helpMsg: `Prints the state of the frame driver and the overlay.`},
		{aliases: []string{"press"}, cmdFn: (*console).press, keyArg: true, helpMsg: `Presses keys and keeps them down.

	press <key>...

Keys are named as in the configuration file: F1-F12, A-Z, 0-9, SPACE,
ENTER, ESCAPE, PLUS, MINUS.`},
		{aliases: []string{"release"}, cmdFn: (*console).release, keyArg: true, helpMsg: `Releases keys.

	release <key>...`},
		{aliases: []string{"tap", "t"}, cmdFn: (*console).tap, keyArg: true, helpMsg: `Presses keys for one frame.

	tap <key>...`},
		{aliases: []string{"frames", "f"}, cmdFn: (*console).frames, helpMsg: `Waits for frames to be presented.

	frames [n]`},
		{aliases: []string{"breakpoints", "bp"}, cmdFn: (*console).breakpoints, helpMsg: `Lists the breakpoints set by scripts.`},
		{aliases: []string{"trap"}, cmdFn: (*console).trap, helpMsg: `Executes the instruction at an address on the simulated thread.

	trap <address>

If a breakpoint is armed there its callback is run.`},
		{aliases: []string{"examinemem", "x"}, cmdFn: (*console).examine, helpMsg: `Reads memory.

	x <address> [size]

size is 1, 2, 4 or 8, the default is 4.`},
		{aliases: []string{"write", "w"}, cmdFn: (*console).write, helpMsg: `Writes memory.

	write <address> <value> [size]`},
		{aliases: []string{"regs"}, cmdFn: (*console).regs, helpMsg: `Prints the registers of the simulated rendering thread, or sets one.

	regs [<name> <value>]`},
		{aliases: []string{"resize"}, cmdFn: (*console).resize, helpMsg: `Resizes the window of the simulated host.

	resize <width> <height>`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: func(*console, []string) error { return exitRequest{} }, helpMsg: `Shuts down and exits.`},
	}
	for i := range c.cmds {
		for _, alias := range c.cmds[i].aliases {
			c.names.Add(alias, i)
		}
	}
	for _, k := range keys.All() {
		c.keys.Add(strings.TrimPrefix(k.Name, "VK_"), k.Code)
	}
	return c
}

func (c *console) find(name string) (command, bool) {
	node, ok := c.names.Find(strings.ToLower(name))
	if !ok {
		return command{}, false
	}
	return c.cmds[node.Meta().(int)], true
}

// complete completes command names, and key names for commands taking
// keys.
func (c *console) complete(line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	if len(fields) == 1 && !strings.HasSuffix(line, " ") {
		r := c.names.PrefixSearch(strings.ToLower(fields[0]))
		sort.Strings(r)
		return r
	}
	cmd, ok := c.find(fields[0])
	if !ok || !cmd.keyArg {
		return nil
	}
	prefix, partial := line, ""
	if !strings.HasSuffix(line, " ") {
		partial = fields[len(fields)-1]
		prefix = line[:len(line)-len(partial)]
	}
	r := c.keys.PrefixSearch(strings.ToUpper(partial))
	sort.Strings(r)
	for i := range r {
		r[i] = prefix + r[i]
	}
	return r
}

// parseArgs splits a command line into words.
func parseArgs(line string) ([]string, error) {
	v, err := argv.Argv(line,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", line)
	}
	return v[0], nil
}

// call executes one command line.
func (c *console) call(line string) error {
	args, err := parseArgs(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := c.find(args[0])
	if !ok {
		return fmt.Errorf("command not available")
	}
	return cmd.cmdFn(c, args[1:])
}

func (c *console) executeFile(name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.call(line); err != nil {
			if _, isExitRequest := err.(exitRequest); isExitRequest {
				return err
			}
			fmt.Fprintf(c.out, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

func (c *console) historyPath() string {
	return filepath.Join(filepath.Dir(configPath), historyFile)
}

// run reads and executes commands until exit or end of input.
func (c *console) run(initFile string) (int, error) {
	c.line = liner.NewLiner()
	defer c.line.Close()
	c.line.SetCtrlCAborts(true)
	c.line.SetCompleter(c.complete)

	if f, err := os.Open(c.historyPath()); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(c.historyPath()); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintln(c.out, "Type 'help' for list of commands.")

	if initFile != "" {
		if err := c.executeFile(initFile); err != nil {
			if _, ok := err.(exitRequest); ok {
				return 0, nil
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := c.line.Prompt("(overhook) ")
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(c.out, "exit")
				return 0, nil
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}
		if strings.TrimSpace(cmdstr) != "" {
			c.line.AppendHistory(cmdstr)
		}

		if err := c.call(cmdstr); err != nil {
			if _, ok := err.(exitRequest); ok {
				return 0, nil
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (c *console) help(args []string) error {
	if len(args) > 0 {
		cmd, ok := c.find(args[0])
		if !ok {
			return fmt.Errorf("command not available")
		}
		fmt.Fprintln(c.out, cmd.helpMsg)
		return nil
	}
	fmt.Fprintln(c.out, "The following commands are available:")
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(c.out, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(c.out, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Type help followed by a command for full documentation.")
	return nil
}

func (c *console) scripts(args []string) error {
	scripts := c.h.l.Bridge().Scripts()
	if len(scripts) == 0 {
		fmt.Fprintln(c.out, "No scripts loaded.")
		return nil
	}
	selected := c.h.l.Driver().Selected()
	for i, s := range scripts {
		marker := " "
		if i == selected {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %d ", marker, i+1)
		c.out.printScript(s)
	}
	return nil
}

func (c *console) overlay(args []string) error {
	d := c.h.l.Driver()
	fmt.Fprintf(c.out, "scripts: %s\n", c.h.l.Dir())
	fmt.Fprintf(c.out, "state: %s\n", d.State())
	fmt.Fprintf(c.out, "visible: %v\n", d.Visible())
	fmt.Fprintf(c.out, "selected: %d\n", d.Selected()+1)
	fmt.Fprintf(c.out, "frames: %d\n", c.h.frames.Load())
	if c.h.backend != nil {
		fmt.Fprintf(c.out, "draw lists: %d\n", c.h.backend.drawLists())
	}
	return nil
}

func keyCodes(args []string) ([]int, error) {
	if len(args) == 0 {
		return nil, errors.New("not enough arguments")
	}
	r := make([]int, len(args))
	for i, name := range args {
		r[i] = keys.Code(name)
		if r[i] == 0 {
			return nil, fmt.Errorf("invalid key %q", name)
		}
	}
	return r, nil
}

func (c *console) press(args []string) error {
	codes, err := keyCodes(args)
	if err != nil {
		return err
	}
	for _, code := range codes {
		c.h.kbd.Press(code)
	}
	return nil
}

func (c *console) release(args []string) error {
	codes, err := keyCodes(args)
	if err != nil {
		return err
	}
	for _, code := range codes {
		c.h.kbd.Release(code)
	}
	return nil
}

func (c *console) tap(args []string) error {
	codes, err := keyCodes(args)
	if err != nil {
		return err
	}
	for _, code := range codes {
		c.h.kbd.Press(code)
	}
	c.h.waitFrames(2)
	for _, code := range codes {
		c.h.kbd.Release(code)
	}
	c.h.waitFrames(1)
	return nil
}

func (c *console) frames(args []string) error {
	n := uint64(1)
	if len(args) > 0 {
		var err error
		n, err = strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return err
		}
	}
	c.h.waitFrames(n)
	return nil
}

func (c *console) breakpoints(args []string) error {
	bps := c.h.l.Breakpoints().ListBreakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(c.out, "No breakpoints.")
		return nil
	}
	for _, bp := range bps {
		state := "disabled"
		if bp.Active {
			state = "enabled"
		}
		fmt.Fprintf(c.out, "%#x\t%s\t%s (%s)\n", bp.Addr, state, bp.Callback, bp.Owner)
	}
	return nil
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func (c *console) trap(args []string) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	res, err := c.h.trap(addr)
	if err != nil {
		return err
	}
	if !res.Handled {
		fmt.Fprintf(c.out, "%#x: no trap\n", addr)
		return nil
	}
	fmt.Fprintf(c.out, "%#x: %s, resume at %#x\n", addr, res.Action, res.ResumePC)
	return nil
}

func sizeArg(args []string, i int) (int, error) {
	if len(args) <= i {
		return 4, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *console) examine(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("wrong number of arguments")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	size, err := sizeArg(args, 1)
	if err != nil {
		return err
	}
	v, err := proc.ReadUint(c.h.mem, addr, size)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%#x: %#x (%d)\n", addr, v, v)
	return nil
}

func (c *console) write(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("wrong number of arguments")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return err
	}
	size, err := sizeArg(args, 2)
	if err != nil {
		return err
	}
	return proc.WriteUint(c.h.mem, addr, v, size)
}

func (c *console) regs(args []string) error {
	switch len(args) {
	case 0:
		regs, _ := c.h.CaptureContext()
		for _, r := range regs.Slice() {
			fmt.Fprintln(c.out, r)
		}
		fmt.Fprintln(c.out, "last capture:")
		for _, r := range c.h.l.Registers().Load().Slice() {
			fmt.Fprintln(c.out, r)
		}
		return nil
	case 2:
	default:
		return errors.New("wrong number of arguments")
	}
	v, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return err
	}
	var found bool
	c.h.setRegisters(func(regs *proc.Registers) {
		fields := map[string]*uint64{
			"eax": &regs.Eax, "ebx": &regs.Ebx, "ecx": &regs.Ecx, "edx": &regs.Edx,
			"esi": &regs.Esi, "edi": &regs.Edi, "ebp": &regs.Ebp, "esp": &regs.Esp,
			"eip": &regs.Eip,
		}
		var p *uint64
		if p, found = fields[strings.ToLower(args[0])]; found {
			*p = v
		}
	})
	if !found {
		return fmt.Errorf("unknown register %q", args[0])
	}
	return nil
}

func (c *console) resize(args []string) error {
	if len(args) != 2 {
		return errors.New("wrong number of arguments")
	}
	w, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return err
	}
	h, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		return err
	}
	if c.h.backend == nil || !c.h.backend.resize(uint16(w), uint16(h)) {
		return errors.New("not attached")
	}
	return nil
}

// Package keys maps human readable key names to Windows virtual-key codes.
//
// The same table backs the hotkey settings of the configuration file and
// the Keys table exposed to scripts.
package keys

import (
	"sort"
	"strconv"
	"strings"
)

// Virtual-key codes used by the loader.
const (
	VkReturn    = 0x0D
	VkEscape    = 0x1B
	VkSpace     = 0x20
	VkF1        = 0x70
	VkOemPlus   = 0xBB
	VkOemMinus  = 0xBD
	numFunction = 12
)

var table = func() map[string]int {
	m := map[string]int{
		"PLUS":   VkOemPlus,
		"MINUS":  VkOemMinus,
		"SPACE":  VkSpace,
		"ENTER":  VkReturn,
		"ESCAPE": VkEscape,
	}
	for i := 0; i <= 9; i++ {
		m[strconv.Itoa(i)] = 0x30 + i
	}
	for c := 'A'; c <= 'Z'; c++ {
		m[string(c)] = int(c)
	}
	for i := 1; i <= numFunction; i++ {
		m["F"+strconv.Itoa(i)] = VkF1 + i - 1
	}
	return m
}()

// Code returns the virtual-key code for name. Unknown names fall back to
// the upper-cased code of their first character; the empty name maps to 0.
func Code(name string) int {
	name = strings.TrimSpace(name)
	if code, ok := table[strings.ToUpper(name)]; ok {
		return code
	}
	if name == "" {
		return 0
	}
	return int(strings.ToUpper(name[:1])[0])
}

// Named is one entry of the virtual-key table.
type Named struct {
	Name string // e.g. "VK_F9"
	Code int
}

// All returns the table with the VK_ prefix scripts see, sorted by name.
func All() []Named {
	r := make([]Named, 0, len(table))
	for name, code := range table {
		r = append(r, Named{"VK_" + name, code})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Name < r[j].Name })
	return r
}

// Keyboard is a source of key state.
type Keyboard interface {
	// KeyState reports whether the key is down now, and whether it was
	// pressed since the previous query.
	KeyState(code int) (down, pressed bool)
}

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/overhook/overhook/pkg/keys"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", configFile)
	c, err := LoadConfig(path)
	assertNoError(err, t, "LoadConfig")
	if !reflect.DeepEqual(c, Default()) {
		t.Fatalf("loaded %#v, want defaults", c)
	}
	data, err := os.ReadFile(path)
	assertNoError(err, t, "ReadFile")
	if !bytes.HasPrefix(data, []byte("# Configuration file for overhook.")) {
		t.Fatalf("default file not written:\n%s", data)
	}
	assertNoError(Default().Validate(), t, "Validate")
}

func TestDefaultFileMentionsEveryOption(t *testing.T) {
	var buf bytes.Buffer
	assertNoError(writeDefaultConfig(&buf), t, "writeDefaultConfig")
	it := iterateConfiguration(Default())
	for it.Next() {
		name, _ := it.Field()
		if !strings.Contains(buf.String(), "# "+name+":") {
			t.Errorf("option %q not documented", name)
		}
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	content := `name: Tool
toggle-key: F2
overlay-color: [10, 20, 30, 50]
overlay-position: bottom
script-engine: starlark
attach-timeout: 2s
`
	assertNoError(os.WriteFile(path, []byte(content), 0o600), t, "WriteFile")
	c, err := LoadConfig(path)
	assertNoError(err, t, "LoadConfig")
	if c.Name != "Tool" || c.Version != "1.0" {
		t.Errorf("name %q version %q", c.Name, c.Version)
	}
	if c.ToggleCode() != keys.VkF1+1 || c.CloseCode() != keys.VkF1+9 || c.ReloadCode() != keys.VkF1+7 {
		t.Errorf("hotkeys %#x %#x %#x", c.ToggleCode(), c.CloseCode(), c.ReloadCode())
	}
	if c.Color() != [4]int{10, 20, 30, 50} {
		t.Errorf("color %v", c.Color())
	}
	if c.AttachTimeout != 2*time.Second || c.RearmDelay != time.Millisecond {
		t.Errorf("durations %v %v", c.AttachTimeout, c.RearmDelay)
	}
	assertNoError(c.Validate(), t, "Validate")
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	assertNoError(os.WriteFile(path, []byte("name: [unterminated\n"), 0o600), t, "WriteFile")
	c, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if c == nil || c.ToggleKey != "F9" {
		t.Fatalf("expected defaults on error, got %#v", c)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	c := Default()
	c.Name = "Saved"
	c.PollInterval = time.Second
	assertNoError(SaveConfig(c, path), t, "SaveConfig")
	c2, err := LoadConfig(path)
	assertNoError(err, t, "LoadConfig")
	if !reflect.DeepEqual(c, c2) {
		t.Fatalf("round trip mismatch:\n%#v\n%#v", c, c2)
	}
}

func TestColorPadding(t *testing.T) {
	c := &Config{OverlayColor: []int{255}}
	if got := c.Color(); got != [4]int{255, 0, 0, 70} {
		t.Fatalf("Color = %v", got)
	}
}

func TestPluginDir(t *testing.T) {
	c := Default()
	cfgPath := filepath.Join("host", "bin", configFile)
	if got, want := c.PluginDir(cfgPath), filepath.Join("host", "bin", "plugins"); got != want {
		t.Errorf("PluginDir = %q, want %q", got, want)
	}
	abs, _ := filepath.Abs("scripts")
	c.PluginFolder = abs
	if got := c.PluginDir(cfgPath); got != abs {
		t.Errorf("PluginDir = %q, want %q", got, abs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(c *Config)
	}{
		{"engine", func(c *Config) { c.ScriptEngine = "python" }},
		{"position", func(c *Config) { c.OverlayPosition = "left" }},
		{"color", func(c *Config) { c.OverlayColor = []int{1, 2, 3, 4, 5} }},
		{"hotkey", func(c *Config) { c.CloseKey = "" }},
		{"duration", func(c *Config) { c.RearmDelay = -time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mod(c)
			if c.Validate() == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSet(t *testing.T) {
	tests := []struct {
		args  string
		check func(c *Config) bool
	}{
		{`name "My Tool"`, func(c *Config) bool { return c.Name == "My Tool" }},
		{`show-on-startup true`, func(c *Config) bool { return c.ShowOnStartup }},
		{`overlay-color 10, 20,30 80`, func(c *Config) bool { return reflect.DeepEqual(c.OverlayColor, []int{10, 20, 30, 80}) }},
		{`rearm-delay 5ms`, func(c *Config) bool { return c.RearmDelay == 5*time.Millisecond }},
		{`log-dest ""`, func(c *Config) bool { return c.LogDest == "" }},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			c := Default()
			c.LogDest = "x"
			assertNoError(Set(c, tt.args), t, "Set")
			if !tt.check(c) {
				t.Fatalf("unexpected config %#v", c)
			}
		})
	}

	for _, args := range []string{"", "nonexistent 1", "overlay-color a b", "rearm-delay soon", "name a b"} {
		if err := Set(Default(), args); err == nil {
			t.Errorf("Set(%q): expected error", args)
		}
	}
}

func TestList(t *testing.T) {
	var buf bytes.Buffer
	assertNoError(List(&buf, Default()), t, "List")
	got := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		fields := strings.SplitN(line, " ", 2)
		if len(fields) == 2 {
			got[fields[0]] = strings.TrimSpace(fields[1])
		}
	}
	want := map[string]string{
		"toggle-key":     "F9",
		"attach-timeout": "5s",
		"overlay-color":  "[0 0 0 70]",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q\n%s", k, got[k], v, buf.String())
		}
	}
}

func TestSplitFields(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`a b  c`, []string{"a", "b", "c"}},
		{`1,2, 3`, []string{"1", "2", "3"}},
		{`name "two words"`, []string{"name", "two words"}},
		{`x "" y`, []string{"x", "", "y"}},
		{`"a\"b"`, []string{`a"b`}},
		{`   `, []string{}},
	}
	for _, tt := range tests {
		if got := splitFields(tt.in, '"'); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitFields(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDurationsMarshalAsStrings(t *testing.T) {
	out, err := yaml.Marshal(Default())
	assertNoError(err, t, "Marshal")
	if !strings.Contains(string(out), "attach-timeout: 5s") {
		t.Fatalf("unexpected yaml:\n%s", out)
	}
}

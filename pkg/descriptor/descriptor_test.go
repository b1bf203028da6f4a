package descriptor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `; speed display
[meta]
name = Speedometer
version=1.1
author=someone

[status]
info=shows car speed
# comment
garbage line
[custom]
offset = 0x1C
`

func TestParse(t *testing.T) {
	d, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if d.Name() != "Speedometer" || d.Version() != "1.1" || d.Author() != "someone" {
		t.Fatalf("unexpected meta values %#v", d.Values)
	}
	if d.StatusInfo() != "shows car speed" {
		t.Fatalf("unexpected status info %q", d.StatusInfo())
	}
	if d.Values["custom.offset"] != "0x1C" {
		t.Fatalf("unknown key not retained: %#v", d.Values)
	}
	if len(d.Values) != 5 {
		t.Fatalf("expected 5 values, got %d: %#v", len(d.Values), d.Values)
	}
}

func TestDefaults(t *testing.T) {
	d, err := Parse([]byte("top=1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Name() != DefaultName || d.Version() != DefaultVersion || d.Author() != DefaultAuthor || d.StatusInfo() != "" {
		t.Fatalf("defaults not applied: %#v", d)
	}
	if d.Values[".top"] != "1" {
		t.Fatalf("key without section not stored as .top: %#v", d.Values)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.ini")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}
	d, raw, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != sample || d.Name() != "Speedometer" {
		t.Fatalf("ReadFile mismatch")
	}
	if _, _, err := ReadFile(filepath.Join(t.TempDir(), "missing.ini")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseByteOrderMark(t *testing.T) {
	d, err := Parse([]byte("\xef\xbb\xbf[meta]\r\nname=Speed\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Name() != "Speed" {
		t.Fatalf("first section lost: %#v", d.Values)
	}
}

func TestParseLongLine(t *testing.T) {
	long := strings.Repeat("x", 70*1024)
	d, err := Parse([]byte("[meta]\nname=Long\n[custom]\nblob=" + long + "\n[status]\ninfo=after\n"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Values["custom.blob"] != long || d.StatusInfo() != "after" {
		t.Fatalf("keys after a long line lost: info %q, blob length %d", d.StatusInfo(), len(d.Values["custom.blob"]))
	}
}

func TestParseValues(t *testing.T) {
	d, err := Parse([]byte("[meta]\nname=A ; not a comment\nauthor: nobody\nname2=x=y\n"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Name() != "A ; not a comment" {
		t.Fatalf("inline text stripped: %q", d.Name())
	}
	if d.Author() != DefaultAuthor {
		t.Fatalf("':' accepted as delimiter: %#v", d.Values)
	}
	if d.Values["meta.name2"] != "x=y" {
		t.Fatalf("value split at second '=': %#v", d.Values)
	}
}

func TestParseUnclosedSection(t *testing.T) {
	if _, err := Parse([]byte("[meta\nname=A\n")); err == nil {
		t.Fatal("unterminated section header accepted")
	}
	path := filepath.Join(t.TempDir(), "bad.ini")
	if err := os.WriteFile(path, []byte("[meta\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, raw, err := ReadFile(path); err == nil || string(raw) != "[meta\n" {
		t.Fatalf("ReadFile: %v %q", err, raw)
	}
}

// Package descriptor parses the metadata file that accompanies every
// script body.
//
// A descriptor is a list of key=value pairs grouped under [section]
// headers. Keys are flattened to "section.key"; keys that appear before
// any header are stored as ".key". Lines starting with ';' or '#' are
// comments.
package descriptor

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Recognised keys.
const (
	KeyName    = "meta.name"
	KeyVersion = "meta.version"
	KeyAuthor  = "meta.author"
	KeyInfo    = "status.info"
)

// Defaults used when a recognised key is missing.
const (
	DefaultName    = "Unnamed"
	DefaultVersion = "Unknown"
	DefaultAuthor  = "Anonymous"
)

// Descriptor is a parsed descriptor file.
type Descriptor struct {
	Values map[string]string
}

var loadOptions = ini.LoadOptions{
	KeyValueDelimiters:      "=",
	IgnoreInlineComment:     true,
	IgnoreContinuation:      true,
	SkipUnrecognizableLines: true,
}

// Parse parses descriptor content. Lines that are not a header, a
// comment or a key=value pair are ignored; an unterminated section
// header is an error.
func Parse(data []byte) (Descriptor, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{Values: map[string]string{}}
	for _, sec := range f.Sections() {
		prefix := sec.Name()
		if prefix == ini.DefaultSection {
			prefix = ""
		}
		for _, k := range sec.Keys() {
			d.Values[prefix+"."+k.Name()] = k.Value()
		}
	}
	return d, nil
}

// ReadFile reads and parses the descriptor at path, returning the raw
// content alongside the parsed form.
func ReadFile(path string) (Descriptor, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, nil, err
	}
	d, err := Parse(data)
	if err != nil {
		return Descriptor{}, data, fmt.Errorf("%s: %v", path, err)
	}
	return d, data, nil
}

// Get returns the value of key or def if it is not set.
func (d Descriptor) Get(key, def string) string {
	if v, ok := d.Values[key]; ok {
		return v
	}
	return def
}

func (d Descriptor) Name() string       { return d.Get(KeyName, DefaultName) }
func (d Descriptor) Version() string    { return d.Get(KeyVersion, DefaultVersion) }
func (d Descriptor) Author() string     { return d.Get(KeyAuthor, DefaultAuthor) }
func (d Descriptor) StatusInfo() string { return d.Get(KeyInfo, "") }

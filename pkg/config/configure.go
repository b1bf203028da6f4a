package config

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode"
)

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
}

func iterateConfiguration(conf *Config) *configureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()

	return &configureIterator{cfgValue, cfgType, -1}
}

func (it *configureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get("yaml")
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

func findFieldByName(conf *Config, name string) reflect.Value {
	it := iterateConfiguration(conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return field
		}
	}
	return reflect.ValueOf(nil)
}

var durationType = reflect.TypeOf(time.Duration(0))

// List writes every option of conf and its value to w.
func List(w io.Writer, conf *Config) error {
	tw := new(tabwriter.Writer)
	tw.Init(w, 0, 8, 1, ' ', 0)

	it := iterateConfiguration(conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" {
			continue
		}
		if field.Type() == durationType {
			fmt.Fprintf(tw, "%s\t%v\n", fieldName, time.Duration(field.Int()))
			continue
		}
		fmt.Fprintf(tw, "%s\t%v\n", fieldName, field)
	}
	return tw.Flush()
}

// Set parses args, an option name followed by its value, and sets the
// option in conf. List values are separated by spaces or commas.
func Set(conf *Config, args string) error {
	argv := splitFields(args, '"')
	if len(argv) == 0 {
		return fmt.Errorf("wrong number of arguments to \"config\"")
	}
	cfgname, rest := argv[0], argv[1:]

	field := findFieldByName(conf, cfgname)
	if !field.CanAddr() {
		return fmt.Errorf("%q is not a configuration parameter", cfgname)
	}

	if field.Kind() == reflect.Slice {
		if field.Type().Elem().Kind() != reflect.Int {
			return fmt.Errorf("unsupported type for configuration key %q", cfgname)
		}
		v := make([]int, len(rest))
		for i := range rest {
			n, err := strconv.Atoi(rest[i])
			if err != nil {
				return fmt.Errorf("argument to %q must be a list of numbers", cfgname)
			}
			v[i] = n
		}
		field.Set(reflect.ValueOf(v))
		return nil
	}

	if len(rest) != 1 {
		return fmt.Errorf("%q takes exactly one value", cfgname)
	}
	arg := rest[0]

	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(arg)
		if err != nil {
			return fmt.Errorf("argument to %q must be a duration: %v", cfgname, err)
		}
		if d < 0 {
			return fmt.Errorf("argument to %q must not be negative", cfgname)
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.Bool:
		field.SetBool(arg == "true")
	case field.Kind() == reflect.String:
		field.SetString(arg)
	default:
		return fmt.Errorf("unsupported type for configuration key %q", cfgname)
	}
	return nil
}

// splitFields is like strings.Fields but also splits at commas, and
// ignores separators inside areas surrounded by the quote character.
// A backslash inside quotes escapes the next character.
func splitFields(in string, quote rune) []string {
	type stateEnum int
	const (
		inSep stateEnum = iota
		inField
		inQuote
		inQuoteEscaped
	)
	isSep := func(ch rune) bool { return ch == ',' || unicode.IsSpace(ch) }

	state := inSep
	r := []string{}
	var buf bytes.Buffer
	quoted := false

	flush := func() {
		if buf.Len() != 0 || quoted {
			r = append(r, buf.String())
		}
		buf.Reset()
		quoted = false
	}

	for _, ch := range in {
		switch state {
		case inSep, inField:
			switch {
			case ch == quote:
				state = inQuote
				quoted = true
			case isSep(ch):
				if state == inField {
					flush()
				}
				state = inSep
			default:
				buf.WriteRune(ch)
				state = inField
			}
		case inQuote:
			switch ch {
			case quote:
				state = inField
			case '\\':
				state = inQuoteEscaped
			default:
				buf.WriteRune(ch)
			}
		case inQuoteEscaped:
			buf.WriteRune(ch)
			state = inQuote
		}
	}
	if state != inSep {
		flush()
	}
	return r
}

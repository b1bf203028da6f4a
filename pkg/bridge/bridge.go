// Package bridge loads scripts from a directory, executes them and keeps
// track of their status.
//
// A script is a pair of files sharing a base name: a descriptor
// (<name>.ini) and a body whose extension belongs to the configured
// script language. The base name is the script's identity key. The
// bridge owns the authoritative table of scripts, keyed by identity key,
// and publishes an immutable view of it sorted by key after every change.
package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/overhook/overhook/pkg/descriptor"
	"github.com/overhook/overhook/pkg/logflags"
	"github.com/overhook/overhook/pkg/script"
)

// Status values.
const (
	StatusPending = "Pending execution"
	StatusLoaded  = "Loaded successfully"
	// StatusErrorPrefix starts the status of a script that failed.
	StatusErrorPrefix = "Error: "
)

// DescriptorExt is the extension of descriptor files.
const DescriptorExt = ".ini"

// ErrBusy is returned by DispatchBreakpoint when the owning script is
// being executed on another thread.
var ErrBusy = errors.New("script is busy")

// Script is the externally visible state of a script.
type Script struct {
	Key            string
	Name           string
	Version        string
	Author         string
	StatusInfo     string
	Result         string
	ScriptPath     string
	DescriptorPath string
	Metadata       map[string]string
}

// IsError reports whether the script's status is an error.
func (s Script) IsError() bool {
	return strings.HasPrefix(s.Result, StatusErrorPrefix)
}

func (s Script) clone() Script {
	m := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		m[k] = v
	}
	s.Metadata = m
	return s
}

// Record is an entry of the authoritative table.
type Record struct {
	Script

	// descData and bodyData are the file contents observed by the last
	// UpdateOnChange that executed the script.
	descData, bodyData []byte
	observed           bool

	// engineMu guards engine.
	engineMu sync.Mutex
	engine   script.Engine
}

// Bridge is the script bridge.
type Bridge struct {
	lang script.Language
	host *script.Host
	log  logflags.Logger

	mu    sync.Mutex
	dir   string
	table map[string]*Record

	view atomic.Value // []Script
}

// New returns a bridge executing bodies with lang and exposing host to
// them.
func New(lang script.Language, host *script.Host) *Bridge {
	b := &Bridge{
		lang:  lang,
		host:  host,
		log:   logflags.ScriptsLogger(),
		table: make(map[string]*Record),
	}
	b.view.Store([]Script{})
	return b
}

// Language returns the language of script bodies.
func (b *Bridge) Language() script.Language { return b.lang }

func (b *Bridge) paths(dir, key string) (desc, body string) {
	return filepath.Join(dir, key+DescriptorExt), filepath.Join(dir, key+b.lang.Ext())
}

func newRecord(key, descPath, bodyPath string, d descriptor.Descriptor) *Record {
	return &Record{Script: Script{
		Key:            key,
		Name:           d.Name(),
		Version:        d.Version(),
		Author:         d.Author(),
		StatusInfo:     d.StatusInfo(),
		Result:         StatusPending,
		ScriptPath:     bodyPath,
		DescriptorPath: descPath,
		Metadata:       d.Values,
	}}
}

// LoadAll scans dir for descriptor and body pairs and replaces the table
// with fresh records in the pending state. Descriptors without a body are
// skipped. Nothing is executed. It returns the number of scripts loaded.
func (b *Bridge) LoadAll(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		b.log.Errorf("could not read script directory: %v", err)
	}
	table := make(map[string]*Record)
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != DescriptorExt {
			continue
		}
		key := strings.TrimSuffix(ent.Name(), DescriptorExt)
		descPath, bodyPath := b.paths(dir, key)
		if _, err := os.Stat(bodyPath); err != nil {
			b.log.Debugf("skipping %s: no body", key)
			continue
		}
		d, _, err := descriptor.ReadFile(descPath)
		if err != nil {
			b.log.Errorf("could not read descriptor: %v", err)
			continue
		}
		rec := newRecord(key, descPath, bodyPath, d)
		b.log.Debugf("parsed script %s: name %s version %s author %s", key, rec.Name, rec.Version, rec.Author)
		table[key] = rec
	}

	b.mu.Lock()
	old := b.table
	b.dir = dir
	b.table = table
	b.publishLocked()
	b.mu.Unlock()

	for _, rec := range old {
		rec.closeEngine()
	}
	b.log.Infof("loaded %d scripts (not executed yet)", len(table))
	return len(table)
}

// ExecuteAll executes every script in identity key order. A failing
// script gets an error status and does not stop the others.
func (b *Bridge) ExecuteAll() {
	recs := b.records()
	b.log.Infof("executing all %d scripts", len(recs))
	for i, rec := range recs {
		b.log.Debugf("executing script %d/%d: %s", i+1, len(recs), rec.Key)
		status := b.run(rec)
		b.setResult(rec, status)
	}
}

// ExecuteOne executes the script key again and returns its new status.
func (b *Bridge) ExecuteOne(key string) string {
	b.mu.Lock()
	rec := b.table[key]
	b.mu.Unlock()
	if rec == nil {
		return StatusErrorPrefix + fmt.Sprintf("script %q not loaded", key)
	}
	status := b.run(rec)
	b.setResult(rec, status)
	return status
}

// UpdateOnChange reconciles the table with the files of script key. A
// script whose descriptor or body is gone is removed. Otherwise, unless
// both files are byte for byte what the previous call observed, the
// descriptor is parsed again and the body executed.
func (b *Bridge) UpdateOnChange(key string) {
	b.mu.Lock()
	dir := b.dir
	rec := b.table[key]
	b.mu.Unlock()

	descPath, bodyPath := b.paths(dir, key)
	descData, derr := os.ReadFile(descPath)
	bodyData, berr := os.ReadFile(bodyPath)
	if derr != nil || berr != nil {
		if rec != nil {
			b.remove(rec)
			b.log.Infof("script removed: %s", key)
		}
		return
	}

	if rec != nil {
		b.mu.Lock()
		same := rec.observed && bytes.Equal(rec.descData, descData) && bytes.Equal(rec.bodyData, bodyData)
		b.mu.Unlock()
		if same {
			return
		}
	}

	d, err := descriptor.Parse(descData)
	if err != nil {
		// The previous state stays; the next change is tried again.
		b.log.Errorf("could not parse descriptor %s: %v", descPath, err)
		return
	}
	isNew := rec == nil
	if isNew {
		rec = newRecord(key, descPath, bodyPath, d)
	} else {
		b.mu.Lock()
		fresh := newRecord(key, descPath, bodyPath, d)
		fresh.Result = rec.Result
		rec.Script = fresh.Script
		b.mu.Unlock()
	}

	status := b.run(rec)

	b.mu.Lock()
	if cur, ok := b.table[key]; ok && cur != rec {
		// replaced by a concurrent LoadAll
		b.mu.Unlock()
		rec.closeEngine()
		return
	}
	rec.Result = status
	rec.descData, rec.bodyData, rec.observed = descData, bodyData, true
	b.table[key] = rec
	b.publishLocked()
	b.mu.Unlock()

	if isNew {
		b.log.Infof("new script detected and executed: %s: %s", key, status)
	} else {
		b.log.Infof("script updated and executed again: %s: %s", key, status)
	}
}

// PerFrameCallback calls the OnFrame function of script key, if it has
// one. OnFrame receives the current status; returning a string sets a
// new status, returning true publishes the value of SCRIPT_RESULT. The
// call is skipped if the script is being executed on another thread.
func (b *Bridge) PerFrameCallback(key string) {
	b.mu.Lock()
	rec := b.table[key]
	var status string
	if rec != nil {
		status = rec.Result
	}
	b.mu.Unlock()
	if rec == nil {
		return
	}

	if !rec.engineMu.TryLock() {
		return
	}
	newStatus, ok := b.callFrame(rec, status)
	rec.engineMu.Unlock()

	// An empty result leaves the status unchanged.
	if ok && newStatus != "" && newStatus != status {
		b.setResult(rec, newStatus)
	}
}

func (b *Bridge) callFrame(rec *Record, status string) (newStatus string, ok bool) {
	defer func() {
		if ierr := recover(); ierr != nil {
			newStatus, ok = fmt.Sprintf("%spanic in %s: %v", StatusErrorPrefix, script.FrameFunc, ierr), true
		}
	}()
	eng := rec.engine
	if eng == nil || !eng.HasFunction(script.FrameFunc) {
		return "", false
	}
	if err := eng.SetGlobal(script.ResultGlobal, status); err != nil {
		b.log.Errorf("could not set %s: %v", script.ResultGlobal, err)
	}
	r, err := eng.Call(script.FrameFunc, status)
	if err != nil {
		if s := StatusErrorPrefix + err.Error(); s != status {
			b.log.Errorf("error in %s of %s: %v", script.FrameFunc, rec.Key, err)
			return s, true
		}
		return "", false
	}
	switch r := r.(type) {
	case string:
		return r, true
	case bool:
		if r {
			return eng.Global(script.ResultGlobal)
		}
	}
	return "", false
}

// DispatchBreakpoint calls the function callback of the script owner,
// passing it addr. It never waits for the script: if the script is
// being executed it returns ErrBusy.
func (b *Bridge) DispatchBreakpoint(owner, callback string, addr uint64) error {
	b.mu.Lock()
	rec := b.table[owner]
	b.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("breakpoint owner %q not loaded", owner)
	}
	if !rec.engineMu.TryLock() {
		return fmt.Errorf("breakpoint callback %s of %s skipped: %w", callback, owner, ErrBusy)
	}
	defer rec.engineMu.Unlock()
	if rec.engine == nil || !rec.engine.HasFunction(callback) {
		return fmt.Errorf("breakpoint callback function not found: %s", callback)
	}
	_, err := rec.engine.Call(callback, addr)
	return err
}

// Scripts returns the current view, sorted by identity key. The returned
// slice must not be modified.
func (b *Bridge) Scripts() []Script {
	return b.view.Load().([]Script)
}

// Lookup returns the script called key.
func (b *Bridge) Lookup(key string) (Script, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.table[key]
	if !ok {
		return Script{}, false
	}
	return rec.Script.clone(), true
}

// Close releases the engines of every script and empties the table.
func (b *Bridge) Close() {
	b.mu.Lock()
	old := b.table
	b.table = make(map[string]*Record)
	b.publishLocked()
	b.mu.Unlock()
	for _, rec := range old {
		rec.closeEngine()
	}
}

// records returns the records of the table sorted by identity key.
func (b *Bridge) records() []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := make([]*Record, 0, len(b.table))
	for _, rec := range b.table {
		r = append(r, rec)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Key < r[j].Key })
	return r
}

// run executes the body of rec in a new engine, which replaces the
// record's previous one, and returns the resulting status.
func (b *Bridge) run(rec *Record) string {
	b.mu.Lock()
	key, path, meta := rec.Key, rec.ScriptPath, rec.Metadata
	b.mu.Unlock()

	eng, err := b.lang.NewEngine(script.NewAPI(b.host, key, meta))
	if err != nil {
		return StatusErrorPrefix + err.Error()
	}

	rec.engineMu.Lock()
	defer rec.engineMu.Unlock()
	if rec.engine != nil {
		rec.engine.Close()
	}
	rec.engine = eng

	status := execute(eng, path)
	if strings.HasPrefix(status, StatusErrorPrefix) {
		b.log.Errorf("script %s: %s", key, status)
	} else {
		b.log.Debugf("script %s executed with result: %s", key, status)
	}
	return status
}

func execute(eng script.Engine, path string) (status string) {
	defer func() {
		if ierr := recover(); ierr != nil {
			status = fmt.Sprintf("%spanic: %v", StatusErrorPrefix, ierr)
		}
	}()
	if err := eng.SetGlobal(script.ResultGlobal, ""); err != nil {
		return StatusErrorPrefix + err.Error()
	}
	if err := eng.Exec(path); err != nil {
		return StatusErrorPrefix + err.Error()
	}
	if s, ok := eng.Global(script.ResultGlobal); ok && s != "" {
		return s
	}
	return StatusLoaded
}

// setResult records status as the result of rec, if rec is still in the
// table.
func (b *Bridge) setResult(rec *Record, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.table[rec.Key] != rec {
		return
	}
	rec.Result = status
	b.publishLocked()
}

func (b *Bridge) remove(rec *Record) {
	b.mu.Lock()
	if b.table[rec.Key] == rec {
		delete(b.table, rec.Key)
		b.publishLocked()
	}
	b.mu.Unlock()
	rec.closeEngine()
}

func (rec *Record) closeEngine() {
	rec.engineMu.Lock()
	if rec.engine != nil {
		rec.engine.Close()
		rec.engine = nil
	}
	rec.engineMu.Unlock()
}

// publishLocked rebuilds the view from the table and publishes it.
// Must be called with b.mu held.
func (b *Bridge) publishLocked() {
	view := make([]Script, 0, len(b.table))
	for _, rec := range b.table {
		view = append(view, rec.Script.clone())
	}
	sort.Slice(view, func(i, j int) bool { return view[i].Key < view[j].Key })
	if err := reconcile(view, b.table); err != nil {
		b.log.Errorf("view not published: %v", err)
		return
	}
	b.view.Store(view)
}

// reconcile checks that every entry of view is in table with the same
// script path, and that view has no duplicate keys.
func reconcile(view []Script, table map[string]*Record) error {
	for i := range view {
		rec, ok := table[view[i].Key]
		if !ok {
			return fmt.Errorf("script %s is not in the table", view[i].Key)
		}
		if rec.ScriptPath != view[i].ScriptPath {
			return fmt.Errorf("script %s: path %s, table has %s", view[i].Key, view[i].ScriptPath, rec.ScriptPath)
		}
		if i > 0 && view[i-1].Key == view[i].Key {
			return fmt.Errorf("duplicate script %s", view[i].Key)
		}
	}
	return nil
}

//go:build !windows || !(amd64 || 386)

package native

import (
	"errors"
	"testing"
)

func TestUnsupported(t *testing.T) {
	if _, err := NewMemory(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("NewMemory: %v", err)
	}
	if _, err := NewKeyboard(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("NewKeyboard: %v", err)
	}
	if _, err := NewTrapDispatcher(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("NewTrapDispatcher: %v", err)
	}
}

//go:build linux

package ble

import (
	"errors"
	"testing"
)

type fakeCommandChar struct {
	commands [][]byte
	err      error
}

func (f *fakeCommandChar) WriteWithoutResponse(p []byte) (int, error) {
	f.commands = append(f.commands, append([]byte(nil), p...))
	return len(p), f.err
}

func TestWriteAcknowledgedFallsBackToCommand(t *testing.T) {
	ch := &fakeCommandChar{}
	acked, err := writeAcknowledged(ch, []byte{1, 2})
	if err != nil {
		t.Fatalf("writeAcknowledged() error = %v", err)
	}
	if acked {
		t.Error("acked = true, want false on linux")
	}
	if len(ch.commands) != 1 || len(ch.commands[0]) != 2 {
		t.Errorf("commands = %v, want one 2-byte command", ch.commands)
	}

	ch.err = errors.New("not connected")
	if _, err := writeAcknowledged(ch, []byte{3}); !errors.Is(err, ch.err) {
		t.Errorf("writeAcknowledged() error = %v, want %v", err, ch.err)
	}
}

package webrtc

import (
	"bytes"
	"errors"
	"testing"
)

func TestFragmentRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		messages int
	}{
		{"empty", 0, 1},
		{"small", 100, 1},
		{"exactly one message", maxMessageSize - 1, 1},
		{"one byte over", maxMessageSize, 2},
		{"default data packet", 128*1024 + 9, 3},
	}

	for _, tt := range tests {
		frame := make([]byte, tt.size)
		for i := range frame {
			frame[i] = byte(i % 251)
		}

		messages := fragment(frame, maxMessageSize)
		if len(messages) != tt.messages {
			t.Errorf("%s: expected %d messages, got %d", tt.name, tt.messages, len(messages))
		}

		var a assembler
		var got []byte
		for i, msg := range messages {
			if len(msg) > maxMessageSize {
				t.Errorf("%s: message %d is %d bytes", tt.name, i, len(msg))
			}
			out, err := a.push(msg)
			if err != nil {
				t.Fatalf("%s: push failed: %v", tt.name, err)
			}
			if out != nil && i != len(messages)-1 {
				t.Errorf("%s: frame completed early at message %d", tt.name, i)
			}
			got = out
		}
		if !bytes.Equal(got, frame) {
			t.Errorf("%s: reassembled %d bytes, want %d", tt.name, len(got), len(frame))
		}
	}
}

func TestAssemblerRejectsGarbage(t *testing.T) {
	var a assembler
	if _, err := a.push(nil); !errors.Is(err, errFragment) {
		t.Errorf("expected errFragment for an empty message, got %v", err)
	}
	if _, err := a.push([]byte{7, 1, 2}); !errors.Is(err, errFragment) {
		t.Errorf("expected errFragment for an unknown marker, got %v", err)
	}

	// A bad message drops any partial frame.
	if _, err := a.push([]byte{fragmentMore, 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.push([]byte{9}); err == nil {
		t.Fatal("expected error")
	}
	got, err := a.push([]byte{fragmentLast, 2})
	if err != nil || !bytes.Equal(got, []byte{2}) {
		t.Errorf("expected fresh frame [2], got %v (%v)", got, err)
	}
}

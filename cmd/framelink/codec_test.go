package main

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/creachadair/framelink"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		code string
		args []string
		want framelink.Message
	}{
		{"available", nil, framelink.FrameAvailable()},
		{"COMPLETE", nil, framelink.FrameComplete()},
		{"fd", nil, framelink.StreamFileDescriptor()},
		{"state", []string{"waiting"}, framelink.StreamState(framelink.StateWaitingForFd)},
		{"state", []string{"2"}, framelink.StreamState(framelink.StateError)},
		{"0x99", nil, framelink.Message{Code: 0x99}},
	}
	for _, tc := range tests {
		got, err := parseMessage(tc.code, tc.args)
		if err != nil {
			t.Errorf("parseMessage(%q, %q): unexpected error: %v", tc.code, tc.args, err)
		} else if got != tc.want {
			t.Errorf("parseMessage(%q, %q): got %v, want %v", tc.code, tc.args, got, tc.want)
		}
	}

	for _, bad := range [][]string{
		{"available", "extra"},
		{"state"},
		{"state", "confused"},
		{"nonesuch"},
		{"70000"},
	} {
		if got, err := parseMessage(bad[0], bad[1:]); err == nil {
			t.Errorf("parseMessage(%q): got %v, want error", bad, got)
		}
	}
}

func TestEncodedForm(t *testing.T) {
	m := framelink.StreamState(framelink.StateConnected)
	want := "04000000" + "01000000" + strings.Repeat("00", 24)
	if got := hex.EncodeToString(m.Encode()); got != want {
		t.Errorf("Encode: got %s, want %s", got, want)
	}
}

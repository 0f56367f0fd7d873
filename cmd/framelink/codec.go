package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/framelink"
)

var codeNames = map[string]framelink.Message{
	"available": framelink.FrameAvailable(),
	"complete":  framelink.FrameComplete(),
	"fd":        framelink.StreamFileDescriptor(),
}

var stateNames = map[string]framelink.StreamStateValue{
	"waiting":   framelink.StateWaitingForFd,
	"connected": framelink.StateConnected,
	"error":     framelink.StateError,
}

func runEncode(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing message code")
	}
	msg, err := parseMessage(env.Args[0], env.Args[1:])
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(msg.Encode()))
	return nil
}

func parseMessage(code string, args []string) (framelink.Message, error) {
	name := strings.ToLower(code)
	if m, ok := codeNames[name]; ok {
		if len(args) != 0 {
			return framelink.Message{}, fmt.Errorf("extra arguments: %q", args)
		}
		return m, nil
	}
	if name == "state" {
		if len(args) != 1 {
			return framelink.Message{}, fmt.Errorf("state requires one argument, got %d", len(args))
		}
		if s, ok := stateNames[strings.ToLower(args[0])]; ok {
			return framelink.StreamState(s), nil
		}
		v, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return framelink.Message{}, fmt.Errorf("invalid state %q", args[0])
		}
		return framelink.StreamState(framelink.StreamStateValue(v)), nil
	}

	// Anything else is a numeric code, possibly unknown, with no payload.
	v, err := strconv.ParseUint(code, 0, 16)
	if err != nil {
		return framelink.Message{}, fmt.Errorf("invalid message code %q", code)
	}
	return framelink.NewMessage(framelink.Code(v), 0, nil)
}

func runDecode(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected one hex record")
	}
	data, err := hex.DecodeString(strings.Join(strings.Fields(env.Args[0]), ""))
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	var msg framelink.Message
	if err := msg.UnmarshalBinary(data); err != nil {
		return err
	}
	known := "known"
	if !msg.Code.Known() {
		known = "unknown, would be discarded"
	}
	fmt.Printf("%v (%s)\n", msg, known)
	return nil
}

package framelink

import (
	"errors"
	"os"
	"syscall"
	"testing"
)

func openFD(t *testing.T) int {
	t.Helper()
	fd, err := syscall.Open(os.DevNull, syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Open %s: %v", os.DevNull, err)
	}
	return fd
}

func TestToken(t *testing.T) {
	t.Run("Bind", func(t *testing.T) {
		tok := &Token{h: NewHandle(openFD(t))}
		var got int
		if err := tok.Bind(func(fd int) error { got = fd; return nil }); err != nil {
			t.Fatalf("Bind: unexpected error: %v", err)
		}
		if got < 0 {
			t.Errorf("Bind: got descriptor %d", got)
		}
		if !tok.Consumed() || tok.h.Valid() {
			t.Error("Token was not consumed by Bind")
		}
		if err := tok.Bind(func(int) error { t.Error("Bind called f twice"); return nil }); !errors.Is(err, ErrTokenConsumed) {
			t.Errorf("Bind again: got %v, want %v", err, ErrTokenConsumed)
		}
	})

	t.Run("BindFails", func(t *testing.T) {
		tok := &Token{h: NewHandle(openFD(t))}
		bad := errors.New("no good")
		err := tok.Bind(func(int) error { return bad })
		if !errors.Is(err, ErrHandleBind) || !errors.Is(err, bad) {
			t.Errorf("Bind: got %v, want %v wrapping %v", err, ErrHandleBind, bad)
		}
		if tok.h.Valid() {
			t.Error("Descriptor is still open after a failed Bind")
		}
	})

	t.Run("Close", func(t *testing.T) {
		tok := &Token{h: NewHandle(openFD(t))}
		if err := tok.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
		if err := tok.Close(); err != nil {
			t.Errorf("Close again: unexpected error: %v", err)
		}
		if err := tok.Bind(func(int) error { return nil }); !errors.Is(err, ErrTokenConsumed) {
			t.Errorf("Bind after Close: got %v, want %v", err, ErrTokenConsumed)
		}
	})
}

func TestHandle(t *testing.T) {
	h := NewHandle(openFD(t))
	if !h.Valid() {
		t.Fatal("New handle is not valid")
	}
	fd := h.Release()
	if h.Valid() || h.Fd() != -1 {
		t.Errorf("After Release: got Fd %d, want -1", h.Fd())
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close after Release: unexpected error: %v", err)
	}
	if err := syscall.Close(fd); err != nil {
		t.Errorf("Released descriptor was closed: %v", err)
	}

	var nh *Handle
	if nh.Fd() != -1 || nh.Release() != -1 {
		t.Error("Nil handle owns a descriptor")
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		code  Code
		known bool
		want  string
	}{
		{0, false, "CODE:0"},
		{CodeFrameAvailable, true, "FRAME_AVAILABLE"},
		{CodeFrameComplete, true, "FRAME_COMPLETE"},
		{CodeStreamFileDescriptor, true, "STREAM_FD"},
		{CodeStreamState, true, "STREAM_STATE"},
		{5, false, "CODE:5"},
		{0xffff, false, "CODE:65535"},
	}
	for _, tc := range tests {
		if got := tc.code.Known(); got != tc.known {
			t.Errorf("Known(%d): got %v, want %v", tc.code, got, tc.known)
		}
		if got := tc.code.String(); got != tc.want {
			t.Errorf("String(%d): got %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestMessageString(t *testing.T) {
	tests := []struct {
		info MessageInfo
		want string
	}{
		{MessageInfo{Message: ptr(FrameAvailable()), Sent: true},
			"send Message(FRAME_AVAILABLE, handles=0)"},
		{MessageInfo{Message: ptr(StreamFileDescriptor())},
			"recv Message(STREAM_FD, handles=1)"},
		{MessageInfo{Message: ptr(StreamState(StateError)), Sent: true},
			"send Message(STREAM_STATE, handles=0, ERROR)"},
	}
	for _, tc := range tests {
		if got := tc.info.String(); got != tc.want {
			t.Errorf("String: got %q, want %q", got, tc.want)
		}
	}
}

func ptr[T any](v T) *T { return &v }

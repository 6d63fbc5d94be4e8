package errors

import (
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain error", New("boom"), "Error"},
		{"dirty exit", NewDirtyExitError(7, ""), "DirtyExit"},
		{"wrapped dirty exit", fmt.Errorf("child: %w", NewDirtyExitError(1, "")), "DirtyExit"},
		{"cannot perform", NewCannotPerformError("X", ErrUnknownHandler), "CannotPerform"},
		{"communication", NewCommunicationError("127.0.0.1:9000", 3, io.EOF), "CommunicationError"},
		{"panic", &PanicError{Value: "oops"}, "Panic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestDirtyExitError_Message(t *testing.T) {
	assert.Equal(t, "job exited with exit code 7", NewDirtyExitError(7, "").Error())
	assert.Contains(t, NewDirtyExitError(-1, "worker went away").Error(), "worker went away")
}

func TestBacktrace(t *testing.T) {
	assert.Empty(t, Backtrace(New("x")))

	p := &PanicError{Value: "x", Stack: []byte("goroutine 1 [running]:\n\tmain.go:10\n\n")}
	assert.Equal(t, []string{"goroutine 1 [running]:", "main.go:10"}, Backtrace(p))
}

func TestWithStack(t *testing.T) {
	assert.Nil(t, WithStack(nil))

	cause := NewDirtyExitError(3, "")
	err := WithStack(cause)
	assert.Equal(t, cause.Error(), err.Error())
	assert.Equal(t, "DirtyExit", Kind(err))
	assert.ErrorIs(t, err, cause)
	assert.NotEmpty(t, Backtrace(err))
	assert.Contains(t, strings.Join(Backtrace(err), "\n"), "TestWithStack")

	p := &PanicError{Value: "x", Stack: []byte("main.go:10")}
	assert.Same(t, p, WithStack(p))
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"timeout", timeoutErr{}, true},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, false},
		{"plain", New("bad"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTemporary(tt.err))
		})
	}
}

func TestStoreError_Unwrap(t *testing.T) {
	err := NewStoreError("blpop", "queue:mail", ErrImplausibleBlockingPop)
	assert.ErrorIs(t, err, ErrImplausibleBlockingPop)
	assert.Equal(t, "store blpop on queue:mail: blocking pop returned empty before its timeout", err.Error())
}

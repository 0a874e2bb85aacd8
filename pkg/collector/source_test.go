package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"testing"
)

func TestClassifyMapsErrno(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"esrch", syscall.ESRCH, KindNotFound},
		{"eperm", syscall.EPERM, KindAccessDenied},
		{"eacces wrapped", fmt.Errorf("open: %w", syscall.EACCES), KindAccessDenied},
		{"enosys", syscall.ENOSYS, KindUnsupported},
		{"not exist", os.ErrNotExist, KindNotFound},
		{"permission", os.ErrPermission, KindAccessDenied},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"other", errors.New("boom"), KindTransient},
	}
	for _, tc := range cases {
		err := Classify("op", 7, tc.err)
		if got := KindOf(err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		if !errors.Is(err, tc.err) {
			t.Fatalf("%s: classified error should wrap the cause", tc.name)
		}
	}
}

func TestClassifyPassesThroughAndNil(t *testing.T) {
	if Classify("op", 1, nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	orig := &Error{Kind: KindAccessDenied, Op: "inner"}
	if got := Classify("outer", 1, orig); got != orig {
		t.Fatalf("existing *Error should pass through, got %v", got)
	}
}

func TestSentinelsMatchByKind(t *testing.T) {
	err := Classify("set priority", 42, syscall.ESRCH)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound match for %v", err)
	}
	if errors.Is(err, ErrAccessDenied) {
		t.Fatalf("kinds should not cross-match")
	}
	if !strings.Contains(err.Error(), "set priority pid 42") {
		t.Fatalf("message should carry op and pid: %q", err.Error())
	}
}

func TestRegisterNotFound(t *testing.T) {
	gone := errors.New("process gone")
	saved := notRunning
	t.Cleanup(func() { notRunning = saved })

	RegisterNotFound(gone)
	if KindOf(Classify("op", 3, fmt.Errorf("wrap: %w", gone))) != KindNotFound {
		t.Fatalf("registered error should classify as not found")
	}
}

package systemd

import (
	"context"
	"errors"
	"testing"
)

func TestNotifierStates(t *testing.T) {
	var got []string
	n := Notifier{send: func(_ bool, state string) (bool, error) {
		got = append(got, state)
		return true, nil
	}}
	_, _ = n.Ready()
	_, _ = n.Status("queue=3")
	_, _ = n.Stopping()

	want := []string{"READY=1", "STATUS=queue=3", "STOPPING=1"}
	if len(got) != len(want) {
		t.Fatalf("sent %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNotifierOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	var n Notifier
	sent, err := n.Ready()
	if sent || err != nil {
		t.Fatalf("Ready() = %v, %v outside systemd", sent, err)
	}
	if err := n.Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestNotifierPropagatesErrors(t *testing.T) {
	boom := errors.New("socket gone")
	n := Notifier{send: func(bool, string) (bool, error) { return false, boom }}
	if _, err := n.Ready(); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

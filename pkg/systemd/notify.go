// Package systemd reports service state to the systemd service manager.
// Every call is a no-op when the process was not started by systemd
// (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value is ready to use.
type Notifier struct {
	// send is daemon.SdNotify; tests replace it.
	send func(unsetEnvironment bool, state string) (bool, error)
}

func (n Notifier) notify(state string) (bool, error) {
	send := n.send
	if send == nil {
		send = daemon.SdNotify
	}
	return send(false, state)
}

// Ready reports READY=1. sent is false outside systemd.
func (n Notifier) Ready() (sent bool, err error) { return n.notify(daemon.SdNotifyReady) }

func (n Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

func (n Notifier) Reloading() (bool, error) { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(msg string) (bool, error) { return n.notify("STATUS=" + msg) }

// Watchdog pings WATCHDOG=1 at half the unit's WatchdogSec until ctx ends.
// It returns immediately when the watchdog is not enabled for this unit.
func (n Notifier) Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}

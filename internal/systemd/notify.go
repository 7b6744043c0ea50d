package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Notifier provides systemd integration
type Notifier struct {
	socket string

	mu   sync.Mutex
	conn net.Conn
}

// NewNotifier creates a notifier for $NOTIFY_SOCKET.
func NewNotifier() *Notifier {
	return NewNotifierFor(os.Getenv("NOTIFY_SOCKET"))
}

// NewNotifierFor creates a notifier for an explicit socket path. A leading
// '@' names an abstract socket.
func NewNotifierFor(socket string) *Notifier {
	return &Notifier{socket: socket}
}

// IsAvailable checks if systemd notification is available
func (n *Notifier) IsAvailable() bool {
	return n.socket != ""
}

func (n *Notifier) send(message string) error {
	if !n.IsAvailable() {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		addr := n.socket
		if addr[0] == '@' {
			addr = "\x00" + addr[1:]
		}
		conn, err := net.Dial("unixgram", addr)
		if err != nil {
			return fmt.Errorf("failed to connect to systemd socket: %w", err)
		}
		n.conn = conn
	}

	_, err := n.conn.Write([]byte(message))
	return err
}

// NotifyReady notifies systemd that the service is ready
func (n *Notifier) NotifyReady() error {
	return n.send("READY=1\n")
}

// NotifyStopping notifies systemd that the service is stopping
func (n *Notifier) NotifyStopping() error {
	return n.send("STOPPING=1\n")
}

// NotifyReloading notifies systemd that the service is reloading
func (n *Notifier) NotifyReloading() error {
	return n.send("RELOADING=1\n")
}

// NotifyWatchdog notifies systemd watchdog
func (n *Notifier) NotifyWatchdog() error {
	return n.send("WATCHDOG=1\n")
}

// NotifyStatus updates systemd status
func (n *Notifier) NotifyStatus(status string) error {
	return n.send("STATUS=" + status + "\n")
}

// Close closes the systemd notification connection
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}

// WatchdogInterval returns half of $WATCHDOG_USEC, the interval systemd
// recommends for pings, or zero when the watchdog is off.
func WatchdogInterval() time.Duration {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	return time.Duration(usec) * time.Microsecond / 2
}

// RunWatchdog pings the watchdog every interval until ctx is done.
func (n *Notifier) RunWatchdog(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if !n.IsAvailable() || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.NotifyWatchdog(); err != nil {
				logger.Warn("Failed to notify systemd watchdog", "error", err)
			}
		}
	}
}

// Package irkd implements a submit-only IRC relay daemon. It accepts short
// JSON notification requests on a local transport and delivers them as
// channel messages to arbitrary IRC servers, multiplexing any number of
// server connections and joined channels behind a single process.
package irkd

import "time"

// Version is the daemon version reported by -V.
const Version = "1.0.0"

// Tunables groups the timing and sizing knobs of the daemon. The defaults
// are tuned for public IRC networks; tests shrink them.
type Tunables struct {
	// QueueMax bounds each channel's send queue. On overflow the oldest
	// line is dropped.
	QueueMax int

	// AntiFloodGap is the minimum gap between PRIVMSGs to one channel
	// once the burst credit is spent. Burst is the number of messages
	// that may go out back-to-back.
	AntiFloodGap time.Duration
	Burst        int

	// ChannelTTL is how long a channel session may sit with an empty
	// queue before it is parted and dropped. ServerTTL is how long a
	// server session may sit with no channel sessions before it sends
	// QUIT and goes away.
	ChannelTTL time.Duration
	ServerTTL  time.Duration

	PingInterval time.Duration
	PingTimeout  time.Duration

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxReconnects int

	ShutdownGrace time.Duration
}

// DefaultTunables returns the production defaults.
func DefaultTunables() Tunables {
	return Tunables{
		QueueMax:         128,
		AntiFloodGap:     time.Second,
		Burst:            4,
		ChannelTTL:       240 * time.Second,
		ServerTTL:        time.Minute,
		PingInterval:     3 * time.Minute,
		PingTimeout:      time.Minute,
		ConnectTimeout:   15 * time.Second,
		HandshakeTimeout: time.Minute,
		WriteTimeout:     10 * time.Second,
		BackoffBase:      2 * time.Second,
		BackoffCap:       30 * time.Minute,
		MaxReconnects:    12,
		ShutdownGrace:    5 * time.Second,
	}
}

package irkd

import (
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatcherOptions configures a Dispatcher. The zero value of every field
// picks a sensible default.
type DispatcherOptions struct {
	// Nick is the default IRC nick for targets that don't override it.
	Nick string
	// Logger receives daemon logs. Defaults to a discard logger.
	Logger Logger
	// Tunables overrides the timing and sizing knobs.
	Tunables Tunables
	// InsecureSkipVerify disables TLS certificate verification for ircs
	// targets. Verification is strict by default.
	InsecureSkipVerify bool
	// MetricsRegistry receives the daemon's metrics. Defaults to a
	// private registry.
	MetricsRegistry prometheus.Registerer
}

// Dispatcher routes submitted lines to server sessions keyed by
// (scheme, host, port, nick), creating sessions on demand. Sessions remove
// themselves when they go idle or give up on their server.
type Dispatcher struct {
	logger      Logger
	tun         Tunables
	nick        string
	insecureTLS bool
	metrics     *metrics

	lock    sync.Mutex
	servers map[serverKey]*serverEntry
	closed  bool
}

// serverEntry is a session slot. While the session for a key is being
// constructed, concurrent submitters wait on ready instead of holding the
// dispatcher lock.
type serverEntry struct {
	ready chan struct{}
	ss    *serverSession
}

func NewDispatcher(opts *DispatcherOptions) *Dispatcher {
	if opts == nil {
		opts = &DispatcherOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(io.Discard, LogLevelError)
	}
	tun := opts.Tunables
	if tun.QueueMax == 0 {
		tun = DefaultTunables()
	}
	nick := opts.Nick
	if nick == "" {
		nick = "irkd"
	}
	reg := opts.MetricsRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Dispatcher{
		logger:      logger,
		tun:         tun,
		nick:        nick,
		insecureTLS: opts.InsecureSkipVerify,
		metrics:     newMetrics(reg),
		servers:     make(map[serverKey]*serverEntry),
	}
}

// Submit enqueues lines on the target's channel session. It returns
// promptly: all network work happens asynchronously in the server session,
// and a full channel queue drops lines rather than blocking.
func (d *Dispatcher) Submit(t *Target, lines []string) {
	key := t.serverKey(d.nick)
	for {
		ss := d.session(key)
		if ss == nil {
			return // shutting down
		}
		if ss.submit(t.Channel, t.Key, lines) {
			return
		}
		// The session stopped while we looked it up; forget it and retry.
		d.remove(key, ss)
	}
}

func (d *Dispatcher) session(key serverKey) *serverSession {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil
	}
	e := d.servers[key]
	if e == nil {
		e = &serverEntry{ready: make(chan struct{})}
		d.servers[key] = e
		d.lock.Unlock()
		e.ss = newServerSession(d, key)
		close(e.ready)
		return e.ss
	}
	d.lock.Unlock()
	<-e.ready
	return e.ss
}

// remove forgets a server session. It is a no-op if the key has already
// been re-assigned to a newer session.
func (d *Dispatcher) remove(key serverKey, ss *serverSession) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if e := d.servers[key]; e != nil && e.ss == ss {
		delete(d.servers, key)
	}
}

// Shutdown stops all server sessions, waiting up to grace for each of them
// to queue its QUIT and stop. It does not wait for the QUITs to reach the
// wire: each session closes its socket shortly afterwards on its own.
// Lines not yet written are discarded; the sessions log counts.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.lock.Lock()
	d.closed = true
	entries := make([]*serverEntry, 0, len(d.servers))
	for _, e := range d.servers {
		entries = append(entries, e)
	}
	d.lock.Unlock()

	deadline := time.After(grace)
	var dones []chan struct{}
	for _, e := range entries {
		<-e.ready
		done := make(chan struct{})
		select {
		case e.ss.events <- eventStop{done}:
			dones = append(dones, done)
		case <-e.ss.stopped:
		}
	}
	for _, done := range dones {
		select {
		case <-done:
		case <-deadline:
			d.logger.Printf("shutdown grace expired with sessions still draining")
			return
		}
	}
}

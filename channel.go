package irkd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type joinState int

const (
	joinNone joinState = iota
	joinPending
	joinJoined
	joinFailed
)

// channelSession owns the send queue and pacing for one channel on one
// server session. Lines are produced by submit and consumed by the pacer
// goroutine; the queue is bounded and drops the oldest line on overflow.
//
// The join handshake is coordinated through gate: the pacer blocks on it
// until the server session observes our JOIN echoed back (or a rejection
// numeric). The gate is re-armed whenever the channel falls out of the
// joined state.
type channelSession struct {
	name    string // casefolded, with leading '#' or '&'
	ss      *serverSession
	logger  Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	notify chan struct{}

	lock         sync.Mutex
	key          string
	queue        []string
	lastActivity time.Time
	state        joinState
	gate         chan struct{}
	dropped      uint64
	lastDropLog  time.Time
	stopped      bool
}

func newChannelSession(ss *serverSession, name, key string) *channelSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &channelSession{
		name:         name,
		key:          key,
		ss:           ss,
		logger:       &prefixLogger{ss.logger, fmt.Sprintf("channel %q: ", name)},
		limiter:      rate.NewLimiter(rate.Every(ss.tun.AntiFloodGap), ss.tun.Burst),
		ctx:          ctx,
		cancel:       cancel,
		notify:       make(chan struct{}, 1),
		gate:         make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// push appends a line to the queue, dropping the oldest line when the
// queue is full. It reports whether the session is still accepting lines.
func (ch *channelSession) push(line string) bool {
	ch.lock.Lock()
	if ch.stopped {
		ch.lock.Unlock()
		return false
	}
	if len(ch.queue) >= ch.ss.tun.QueueMax {
		ch.queue = ch.queue[1:]
		ch.dropped++
		ch.ss.metrics.linesDropped.Inc()
		if now := time.Now(); now.Sub(ch.lastDropLog) >= time.Minute {
			ch.lastDropLog = now
			ch.logger.Printf("queue overflow, %d lines dropped so far", ch.dropped)
		}
	}
	ch.queue = append(ch.queue, line)
	ch.lastActivity = time.Now()
	ch.lock.Unlock()

	ch.ss.metrics.linesQueued.Inc()
	select {
	case ch.notify <- struct{}{}:
	default:
	}
	return true
}

func (ch *channelSession) pop() (string, bool) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if len(ch.queue) == 0 {
		return "", false
	}
	line := ch.queue[0]
	ch.queue = ch.queue[1:]
	return line, true
}

func (ch *channelSession) hasWork() bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return len(ch.queue) > 0
}

// setKey updates the join key. The key is join-time data, not identity:
// a later request may supply the key for a channel first seen without one.
func (ch *channelSession) setKey(key string) {
	if key == "" {
		return
	}
	ch.lock.Lock()
	ch.key = key
	ch.lock.Unlock()
}

func (ch *channelSession) joinKey() string {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.key
}

func (ch *channelSession) isJoined() bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.state == joinJoined
}

func (ch *channelSession) isPending() bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.state == joinPending
}

// setJoined marks the JOIN handshake complete and releases the pacer.
func (ch *channelSession) setJoined() {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.state == joinJoined || ch.state == joinFailed {
		return
	}
	ch.state = joinJoined
	close(ch.gate)
}

// setUnjoined resets the join state after a KICK, PART or disconnect.
// With rejoin set the channel is rejoined automatically on the next
// registration; otherwise the next send triggers a fresh JOIN.
func (ch *channelSession) setUnjoined(rejoin bool) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.state != joinJoined {
		return
	}
	ch.gate = make(chan struct{})
	if rejoin {
		ch.state = joinPending
	} else {
		ch.state = joinNone
	}
}

// setFailed marks the join permanently rejected and wakes the pacer so it
// can stop.
func (ch *channelSession) setFailed() {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.state == joinFailed {
		return
	}
	prev := ch.state
	ch.state = joinFailed
	if prev != joinJoined {
		close(ch.gate)
	}
}

// joinStatus returns the current state and gate. An idle channel is moved
// to pending here so that exactly one join request goes out per attempt.
func (ch *channelSession) joinStatus() (joinState, chan struct{}, bool) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	requested := false
	if ch.state == joinNone {
		ch.state = joinPending
		requested = true
	}
	return ch.state, ch.gate, requested
}

// awaitJoined blocks until the channel is joined. It reports false if the
// join was rejected or the session is going away.
func (ch *channelSession) awaitJoined() bool {
	for {
		state, gate, request := ch.joinStatus()
		switch state {
		case joinJoined:
			return true
		case joinFailed:
			return false
		}
		if request {
			select {
			case ch.ss.events <- eventChannelJoin{ch}:
			case <-ch.ctx.Done():
				return false
			}
		}
		select {
		case <-gate:
		case <-ch.ctx.Done():
			return false
		}
	}
}

func (ch *channelSession) idle(ttl time.Duration) bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return len(ch.queue) == 0 && time.Since(ch.lastActivity) >= ttl
}

// run is the pacer: it moves lines from the queue to the server writer at
// the permitted rate, and reports idleness to the server session so the
// channel can be parted and dropped.
func (ch *channelSession) run() {
	ttl := ch.ss.tun.ChannelTTL
	idle := time.NewTimer(ttl)
	defer idle.Stop()

	for {
		select {
		case <-ch.ctx.Done():
			return
		case <-ch.notify:
			ch.drain()
		case <-idle.C:
			if ch.idle(ttl) {
				select {
				case ch.ss.events <- eventChannelIdle{ch}:
				case <-ch.ctx.Done():
					return
				}
			}
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(ttl)
	}
}

func (ch *channelSession) drain() {
	for {
		// Wait for the join before popping: while the channel is not
		// joined, the bounded queue is the only place lines live, so
		// overflow accounting stays exact.
		if !ch.hasWork() {
			return
		}
		if !ch.awaitJoined() {
			return
		}
		line, ok := ch.pop()
		if !ok {
			return
		}
		if line == "" {
			// An empty payload joins the channel without saying anything.
			continue
		}
		if err := ch.limiter.Wait(ch.ctx); err != nil {
			return
		}
		ch.ss.sendPrivmsg(ch.name, line)
	}
}

// stop tears the session down, discarding queued lines. It returns the
// number of lines flushed.
func (ch *channelSession) stop() int {
	ch.lock.Lock()
	flushed := len(ch.queue)
	ch.queue = nil
	ch.stopped = true
	ch.lock.Unlock()
	ch.cancel()
	return flushed
}

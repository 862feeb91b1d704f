package irkd

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/irc.v3"
)

// quitFlushDelay gives the writer goroutine a moment to put QUIT on the
// wire before the socket is closed underneath it.
const quitFlushDelay = 100 * time.Millisecond

type event interface{}

type eventConnected struct {
	c    *conn
	nick string
}

type eventDisconnected struct {
	err error
}

type eventMessage struct {
	msg *irc.Message
}

type eventChannelJoin struct {
	ch *channelSession
}

type eventChannelIdle struct {
	ch *channelSession
}

type eventServerIdle struct{}

type eventExpired struct{}

type eventStop struct {
	done chan<- struct{}
}

type registrationError string

func (err registrationError) Error() string {
	return fmt.Sprintf("registration error: %v", string(err))
}

// serverSession owns one IRC server connection and the channel sessions
// riding it. The connect loop dials, registers and reads; parsed messages
// flow as events into the run loop, which owns all session state. Writes
// are serialised by the conn's writer goroutine.
type serverSession struct {
	key     serverKey
	d       *Dispatcher
	logger  Logger
	tun     Tunables
	metrics *metrics

	events  chan event
	stopped chan struct{}

	lock       sync.Mutex
	channels   map[string]*channelSession
	conn       *conn
	nick       string
	registered bool
	idleTimer  *time.Timer
	quitting   bool

	// run-loop state, untouched by other goroutines
	lastTraffic time.Time
	pingPending bool
	pingSent    time.Time
	pingToken   int
}

func newServerSession(d *Dispatcher, key serverKey) *serverSession {
	ss := &serverSession{
		key:      key,
		d:        d,
		logger:   &prefixLogger{d.logger, fmt.Sprintf("server %v: ", key)},
		tun:      d.tun,
		metrics:  d.metrics,
		events:   make(chan event, 64),
		stopped:  make(chan struct{}),
		channels: make(map[string]*channelSession),
		nick:     key.nick,
	}
	ss.metrics.serverSessions.Inc()
	go ss.run()
	go ss.connectLoop()
	return ss
}

func (ss *serverSession) isStopped() bool {
	select {
	case <-ss.stopped:
		return true
	default:
		return false
	}
}

// sendEvent delivers e to the run loop. It reports false if the session
// has stopped.
func (ss *serverSession) sendEvent(e event) bool {
	select {
	case ss.events <- e:
		return true
	case <-ss.stopped:
		return false
	}
}

// submit enqueues lines for a channel, creating the channel session on
// demand. It never blocks on network I/O. It reports false if the session
// is going away and the caller should route elsewhere.
func (ss *serverSession) submit(channel, key string, lines []string) bool {
	for {
		ss.lock.Lock()
		if ss.quitting || ss.isStopped() {
			ss.lock.Unlock()
			return false
		}
		ch := ss.channels[channel]
		if ch == nil {
			ch = newChannelSession(ss, channel, key)
			ss.channels[channel] = ch
			ss.metrics.channelSessions.Inc()
			if ss.idleTimer != nil {
				ss.idleTimer.Stop()
				ss.idleTimer = nil
			}
			go ch.run()
		}
		ss.lock.Unlock()

		ch.setKey(key)
		ok := true
		for i, line := range lines {
			if !ch.push(line) {
				// Lost a race with eviction; retry with a fresh session.
				lines = lines[i:]
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
}

func (ss *serverSession) connectLoop() {
	b := newBackoffer(ss.tun.BackoffBase, ss.tun.BackoffCap)
	failures := 0
	dialed := false
	for {
		if ss.isStopped() {
			return
		}
		if delay := b.Next(); delay > 0 {
			ss.logger.Printf("waiting %v before reconnecting", delay.Truncate(time.Second))
			select {
			case <-time.After(delay):
			case <-ss.stopped:
				return
			}
		}

		if dialed {
			ss.metrics.reconnects.Inc()
		}
		dialed = true
		c, nick, err := ss.connect()
		if err != nil {
			ss.logger.Printf("%v", err)
			failures++
			if failures >= ss.tun.MaxReconnects {
				ss.sendEvent(eventExpired{})
				return
			}
			continue
		}

		connectedAt := time.Now()
		if !ss.sendEvent(eventConnected{c, nick}) {
			c.Close()
			return
		}
		err = ss.readMessages(c)
		if !ss.sendEvent(eventDisconnected{err}) {
			return
		}

		// A full minute of stable service clears the failure history.
		if time.Since(connectedAt) >= time.Minute {
			failures = 0
			b.Reset()
		} else {
			failures++
			if failures >= ss.tun.MaxReconnects {
				ss.sendEvent(eventExpired{})
				return
			}
		}
	}
}

func (ss *serverSession) connect() (*conn, string, error) {
	dialer := net.Dialer{Timeout: ss.tun.ConnectTimeout}
	addr := ss.key.Addr()

	var netConn net.Conn
	var err error
	if ss.key.tls {
		ss.logger.Debugf("connecting to TLS server at address %q", addr)
		tlsConfig := &tls.Config{
			ServerName:         ss.key.host,
			InsecureSkipVerify: ss.d.insecureTLS,
		}
		netConn, err = tls.DialWithDialer(&dialer, "tcp", addr, tlsConfig)
	} else {
		ss.logger.Debugf("connecting to plain-text server at address %q", addr)
		netConn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to dial %q: %v", addr, err)
	}

	c := newConn(newNetIRCConn(netConn), ss.logger, ss.tun.WriteTimeout)
	nick, err := ss.register(c)
	if err != nil {
		c.Close()
		return nil, "", fmt.Errorf("failed to register: %v", err)
	}
	return c, nick, nil
}

// register performs the NICK/USER handshake, mutating the nick on
// collision, and returns the nick the server accepted.
func (ss *serverSession) register(c *conn) (string, error) {
	nick := ss.key.nick
	c.SendMessage(&irc.Message{Command: "NICK", Params: []string{nick}})
	c.SendMessage(&irc.Message{
		Command: "USER",
		Params:  []string{"irkd", "0", "*", "irkd relaying daemon"},
	})

	c.SetReadDeadline(time.Now().Add(ss.tun.HandshakeTimeout))
	defer c.SetReadDeadline(time.Time{})

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return "", err
		}
		switch msg.Command {
		case "PING":
			c.SendMessage(&irc.Message{Command: "PONG", Params: msg.Params})
		case irc.RPL_WELCOME:
			return nick, nil
		case irc.ERR_NICKNAMEINUSE, irc.ERR_NICKCOLLISION, irc.ERR_UNAVAILRESOURCE, irc.ERR_ERRONEUSNICKNAME:
			nick = nextNick(nick)
			ss.logger.Debugf("nick rejected, trying %q", nick)
			c.SendMessage(&irc.Message{Command: "NICK", Params: []string{nick}})
		case "ERROR":
			return "", registrationError(strings.Join(msg.Params, " "))
		}
	}
}

// nextNick appends or bumps a numeric suffix. The random skip keeps a
// squatter from predicting the next trial nick.
func nextNick(nick string) string {
	i := len(nick)
	for i > 0 && nick[i-1] >= '0' && nick[i-1] <= '9' {
		i--
	}
	n := 0
	if i < len(nick) {
		n, _ = strconv.Atoi(nick[i:])
	}
	n += 1 + rand.Intn(3)
	return fmt.Sprintf("%s%d", nick[:i], n)
}

func (ss *serverSession) readMessages(c *conn) error {
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return err
		}
		if !ss.sendEvent(eventMessage{msg}) {
			return nil
		}
	}
}

func (ss *serverSession) run() {
	tick := ss.tun.PingInterval / 4
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case e := <-ss.events:
			ss.handleEvent(e)
		case <-ticker.C:
			ss.checkLiveness()
		case <-ss.stopped:
			return
		}
	}
}

func (ss *serverSession) handleEvent(e event) {
	switch e := e.(type) {
	case eventConnected:
		ss.lock.Lock()
		ss.conn = e.c
		ss.nick = e.nick
		ss.registered = true
		chans := ss.channelList()
		ss.lock.Unlock()

		ss.lastTraffic = time.Now()
		ss.pingPending = false
		ss.logger.Printf("registered as %q", e.nick)
		for _, ch := range chans {
			if ch.isPending() {
				ss.sendJoin(ch)
			}
		}
	case eventDisconnected:
		ss.lock.Lock()
		c := ss.conn
		ss.conn = nil
		ss.registered = false
		chans := ss.channelList()
		ss.lock.Unlock()

		if c != nil && !c.isClosed() {
			c.Close()
		}
		for _, ch := range chans {
			ch.setUnjoined(true)
		}
		ss.pingPending = false
		if e.err != nil && !isErrClosed(e.err) {
			ss.logger.Printf("disconnected: %v", e.err)
		} else {
			ss.logger.Printf("disconnected")
		}
	case eventMessage:
		ss.lastTraffic = time.Now()
		ss.pingPending = false
		if err := ss.handleMessage(e.msg); err != nil {
			ss.logger.Printf("failed to handle message %q: %v", e.msg, err)
		}
	case eventChannelJoin:
		ss.lock.Lock()
		registered := ss.registered
		ss.lock.Unlock()
		if registered {
			ss.sendJoin(e.ch)
		}
	case eventChannelIdle:
		ss.evictChannel(e.ch)
	case eventServerIdle:
		ss.lock.Lock()
		empty := len(ss.channels) == 0
		ss.lock.Unlock()
		if empty {
			ss.logger.Printf("idle, disconnecting")
			ss.shutdown("idle timeout")
		}
	case eventExpired:
		ss.logger.Errorf("giving up on %q after %d failed connection attempts",
			ss.key.Addr(), ss.tun.MaxReconnects)
		ss.shutdown("cannot reach server")
	case eventStop:
		ss.shutdown("shutting down")
		if e.done != nil {
			close(e.done)
		}
	default:
		panic(fmt.Sprintf("received unknown event type: %T", e))
	}
}

// channelList snapshots the channel set. The caller must hold ss.lock.
func (ss *serverSession) channelList() []*channelSession {
	chans := make([]*channelSession, 0, len(ss.channels))
	for _, ch := range ss.channels {
		chans = append(chans, ch)
	}
	return chans
}

func (ss *serverSession) handleMessage(msg *irc.Message) error {
	switch msg.Command {
	case "PING":
		ss.send(&irc.Message{Command: "PONG", Params: msg.Params})
	case "PONG":
		// any traffic already refreshed liveness
	case "JOIN":
		if msg.Prefix == nil || !ss.isOurNick(msg.Prefix.Name) {
			break
		}
		var name string
		if err := parseMessageParams(msg, &name); err != nil {
			return err
		}
		if ch := ss.getChannel(name); ch != nil {
			ss.logger.Printf("joined %q", ch.name)
			ch.setJoined()
		}
	case irc.ERR_NOSUCHCHANNEL, irc.ERR_TOOMANYCHANNELS, irc.ERR_CHANNELISFULL,
		irc.ERR_INVITEONLYCHAN, irc.ERR_BANNEDFROMCHAN, irc.ERR_BADCHANNELKEY:
		// <nick> <channel> :<reason>
		var name string
		if err := parseMessageParams(msg, nil, &name); err != nil {
			return err
		}
		ch := ss.getChannel(name)
		if ch == nil {
			break
		}
		var reason string
		if len(msg.Params) > 2 {
			reason = msg.Params[2]
		}
		ss.logger.Printf("cannot join %q: %v", ch.name, reason)
		ch.setFailed()
		ss.dropChannel(ch)
	case "KICK":
		var name, kicked string
		if err := parseMessageParams(msg, &name, &kicked); err != nil {
			return err
		}
		if !ss.isOurNick(kicked) {
			break
		}
		if ch := ss.getChannel(name); ch != nil {
			ss.logger.Printf("kicked from %q", ch.name)
			ch.setUnjoined(false)
		}
	case "PART":
		if msg.Prefix == nil || !ss.isOurNick(msg.Prefix.Name) {
			break
		}
		var name string
		if err := parseMessageParams(msg, &name); err != nil {
			return err
		}
		if ch := ss.getChannel(name); ch != nil {
			ch.setUnjoined(false)
		}
	case "ERROR":
		ss.logger.Printf("server error: %v", strings.Join(msg.Params, " "))
		ss.closeConn()
	}
	return nil
}

func (ss *serverSession) isOurNick(nick string) bool {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return strings.EqualFold(nick, ss.nick)
}

func (ss *serverSession) getChannel(name string) *channelSession {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.channels[strings.ToLower(name)]
}

func (ss *serverSession) send(msg *irc.Message) {
	ss.lock.Lock()
	c := ss.conn
	ss.lock.Unlock()
	if c != nil {
		c.SendMessage(msg)
	}
}

func (ss *serverSession) sendPrivmsg(channel, text string) {
	ss.send(&irc.Message{Command: "PRIVMSG", Params: []string{channel, text}})
	ss.metrics.linesDelivered.Inc()
}

func (ss *serverSession) sendJoin(ch *channelSession) {
	params := []string{ch.name}
	if key := ch.joinKey(); key != "" {
		params = append(params, key)
	}
	ss.send(&irc.Message{Command: "JOIN", Params: params})
}

func (ss *serverSession) closeConn() {
	ss.lock.Lock()
	c := ss.conn
	ss.lock.Unlock()
	if c != nil && !c.isClosed() {
		c.Close()
	}
}

func (ss *serverSession) checkLiveness() {
	ss.lock.Lock()
	c := ss.conn
	ss.lock.Unlock()
	if c == nil {
		return
	}

	now := time.Now()
	if ss.pingPending {
		if now.Sub(ss.pingSent) >= ss.tun.PingTimeout {
			ss.logger.Printf("ping timeout, dropping connection")
			ss.pingPending = false
			c.Close()
		}
		return
	}
	if now.Sub(ss.lastTraffic) >= ss.tun.PingInterval {
		ss.pingToken++
		c.SendMessage(&irc.Message{
			Command: "PING",
			Params:  []string{fmt.Sprintf("irkd-%d", ss.pingToken)},
		})
		ss.pingPending = true
		ss.pingSent = now
	}
}

// evictChannel parts and drops an idle channel session. The idleness is
// re-checked first: a line may have arrived after the pacer reported idle,
// and a session is never destroyed while its queue is non-empty.
func (ss *serverSession) evictChannel(ch *channelSession) {
	if !ch.idle(ss.tun.ChannelTTL) {
		return
	}
	if ch.isJoined() {
		ss.send(&irc.Message{Command: "PART", Params: []string{ch.name}})
	}
	ss.logger.Printf("parting idle channel %q", ch.name)
	ss.dropChannel(ch)
}

// dropChannel removes a channel session from the map and stops it. When
// the last channel goes, the server idle timer starts ticking.
func (ss *serverSession) dropChannel(ch *channelSession) {
	ss.lock.Lock()
	if ss.channels[ch.name] != ch {
		ss.lock.Unlock()
		return
	}
	delete(ss.channels, ch.name)
	if len(ss.channels) == 0 && ss.idleTimer == nil && !ss.quitting {
		ss.idleTimer = time.AfterFunc(ss.tun.ServerTTL, func() {
			ss.sendEvent(eventServerIdle{})
		})
	}
	ss.lock.Unlock()

	if flushed := ch.stop(); flushed > 0 {
		ss.metrics.linesDropped.Add(float64(flushed))
		ss.logger.Printf("dropped %d undelivered lines for %q", flushed, ch.name)
	}
	ss.metrics.channelSessions.Dec()
}

// shutdown quits the server and removes the session from the dispatcher.
// Queued lines are discarded with a logged count.
func (ss *serverSession) shutdown(reason string) {
	ss.lock.Lock()
	if ss.quitting {
		ss.lock.Unlock()
		return
	}
	ss.quitting = true
	c := ss.conn
	ss.conn = nil
	chans := ss.channelList()
	ss.channels = make(map[string]*channelSession)
	if ss.idleTimer != nil {
		ss.idleTimer.Stop()
		ss.idleTimer = nil
	}
	ss.lock.Unlock()

	ss.d.remove(ss.key, ss)
	if c != nil && !c.isClosed() {
		c.SendMessage(&irc.Message{Command: "QUIT", Params: []string{reason}})
		go func() {
			time.Sleep(quitFlushDelay)
			if !c.isClosed() {
				c.Close()
			}
		}()
	}

	var flushed int
	for _, ch := range chans {
		flushed += ch.stop()
	}
	if flushed > 0 {
		ss.metrics.linesDropped.Add(float64(flushed))
		ss.logger.Printf("dropped %d undelivered lines", flushed)
	}
	ss.metrics.channelSessions.Sub(float64(len(chans)))
	ss.metrics.serverSessions.Dec()
	close(ss.stopped)
}

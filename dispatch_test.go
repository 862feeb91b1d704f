package irkd

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func TestSubmitSharesConnection(t *testing.T) {
	srv := startTestServer(t)
	d := newTestDispatcher(t, testTunables())
	target := mustTarget(t, "irc://"+srv.addr()+"/#a")

	// Concurrent submissions for one server key must end up on a single
	// connection, even while the session is still being constructed.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Submit(target, []string{fmt.Sprintf("line%d", i)})
		}()
	}
	wg.Wait()

	uc := acceptConn(t, srv)
	nick := registerConn(t, uc)
	expectJoin(t, uc, nick, "#a")
	for i := 0; i < 8; i++ {
		expectMessage(t, uc, "PRIVMSG")
	}

	select {
	case <-srv.Accept:
		t.Fatalf("a second connection was opened for the same server key")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNickOverrideSelectsSeparateConnection(t *testing.T) {
	srv := startTestServer(t)
	d := newTestDispatcher(t, testTunables())

	d.Submit(mustTarget(t, "irc://"+srv.addr()+"/#a"), []string{"one"})
	d.Submit(mustTarget(t, "irc://"+srv.addr()+"/#a?nick=other"), []string{"two"})

	acceptConn(t, srv)
	acceptConn(t, srv)
}

func TestServerExpiresAfterMaxReconnects(t *testing.T) {
	// Grab a port and close it again so connection attempts fail fast.
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to create TCP listener: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tun := testTunables()
	tun.MaxReconnects = 2
	tun.BackoffBase = 5 * time.Millisecond
	tun.BackoffCap = 10 * time.Millisecond
	tun.ConnectTimeout = time.Second

	d := newTestDispatcher(t, tun)
	d.Submit(mustTarget(t, "irc://"+addr+"/#a"), []string{"doomed"})

	for start := time.Now(); ; time.Sleep(10 * time.Millisecond) {
		d.lock.Lock()
		n := len(d.servers)
		d.lock.Unlock()
		if n == 0 {
			break
		}
		if time.Since(start) > 5*time.Second {
			t.Fatalf("unreachable server session was not evicted")
		}
	}
}

func TestShutdownReturnsWithinGrace(t *testing.T) {
	srv := startTestServer(t)
	d := NewDispatcher(&DispatcherOptions{Nick: "irkdtest", Tunables: testTunables()})
	target := mustTarget(t, "irc://"+srv.addr()+"/#a")

	d.Submit(target, []string{"hello"})
	uc := acceptConn(t, srv)
	nick := registerConn(t, uc)
	expectJoin(t, uc, nick, "#a")
	expectPrivmsg(t, uc, "#a", "hello")

	start := time.Now()
	d.Shutdown(2 * time.Second)
	if elapsed := time.Since(start); elapsed > 2*time.Second+500*time.Millisecond {
		t.Fatalf("Shutdown took %v, longer than the grace period", elapsed)
	}
	expectMessage(t, uc, "QUIT")
}

package irkd

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func TestParseRequest(t *testing.T) {
	valid := []struct {
		name string
		raw  string
		urls int
	}{
		{"single", `{"to": "irc://h/#c", "privmsg": "hi"}`, 1},
		{"list", `{"to": ["irc://h/#c", "ircs://h/#d"], "privmsg": "hi"}`, 2},
		{"emptyPrivmsg", `{"to": "irc://h/#c", "privmsg": ""}`, 1},
	}
	for _, tc := range valid {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			targets, _, err := parseRequest([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parseRequest(%s) failed: %v", tc.raw, err)
			}
			if len(targets) != tc.urls {
				t.Errorf("parseRequest(%s) = %d targets, but want %d", tc.raw, len(targets), tc.urls)
			}
		})
	}

	invalid := []struct {
		name string
		raw  string
	}{
		{"unknownKey", `{"to": "irc://h/#c", "privmsg": "hi", "extra": 1}`},
		{"missingTo", `{"privmsg": "hi"}`},
		{"missingPrivmsg", `{"to": "irc://h/#c"}`},
		{"toNumber", `{"to": 42, "privmsg": "hi"}`},
		{"privmsgNumber", `{"to": "irc://h/#c", "privmsg": 42}`},
		{"emptyList", `{"to": [], "privmsg": "hi"}`},
		{"listOfNumbers", `{"to": [1], "privmsg": "hi"}`},
		{"notAnObject", `[1, 2]`},
		{"badURL", `{"to": "http://h/#c", "privmsg": "hi"}`},
	}
	for _, tc := range invalid {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := parseRequest([]byte(tc.raw)); err == nil {
				t.Errorf("parseRequest(%s) succeeded, but want an error", tc.raw)
			}
		})
	}
}

func startTestIngress(t *testing.T, d *Dispatcher) net.Conn {
	t.Helper()
	in := NewIngress(d, nil)
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to create ingress listener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go in.Serve(ln)

	pc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial ingress: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc
}

func TestIngressStream(t *testing.T) {
	srv := startTestServer(t)
	d := newTestDispatcher(t, testTunables())
	pc := startTestIngress(t, d)

	url := "irc://" + srv.addr() + "/#a"
	// Two valid objects with an invalid one in between: the bad object is
	// dropped, the rest of the stream keeps flowing.
	fmt.Fprintf(pc, "{\"to\": %q, \"privmsg\": \"one\"}\n", url)
	fmt.Fprintf(pc, " {\"bogus\": 1} ")
	fmt.Fprintf(pc, "{\"to\": %q, \"privmsg\": \"two\"}", url)

	uc := acceptConn(t, srv)
	nick := registerConn(t, uc)
	expectJoin(t, uc, nick, "#a")
	expectPrivmsg(t, uc, "#a", "one")
	expectPrivmsg(t, uc, "#a", "two")
}

func TestIngressMalformedJSONClosesConn(t *testing.T) {
	srv := startTestServer(t)
	d := newTestDispatcher(t, testTunables())
	pc := startTestIngress(t, d)

	url := "irc://" + srv.addr() + "/#a"
	fmt.Fprintf(pc, "{\"to\": %q, \"privmsg\": \"before\"}", url)
	fmt.Fprintf(pc, "{{{")

	// The accepted object stays valid...
	uc := acceptConn(t, srv)
	nick := registerConn(t, uc)
	expectJoin(t, uc, nick, "#a")
	expectPrivmsg(t, uc, "#a", "before")

	// ...but the producer connection is closed.
	pc.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := pc.Read(buf); err == nil {
		t.Fatalf("producer connection still open after malformed JSON")
	}
}

func TestIngressBroadcast(t *testing.T) {
	srv := startTestServer(t)
	d := newTestDispatcher(t, testTunables())
	pc := startTestIngress(t, d)

	addr := srv.addr()
	fmt.Fprintf(pc, "{\"to\": [\"irc://%s/#x\", \"irc://%s/#y\"], \"privmsg\": \"fanout\"}", addr, addr)

	uc := acceptConn(t, srv)
	nick := registerConn(t, uc)

	// Both channels share the connection; join order depends on which
	// pacer asks first.
	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		msg := expectMessage(t, uc, "JOIN")
		name := msg.Params[0]
		uc.WriteMessage(mustJoinEcho(nick, name))
		seen[name] = true
	}
	if !seen["#x"] || !seen["#y"] {
		t.Fatalf("joined %v, but want #x and #y", seen)
	}

	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		msg := expectMessage(t, uc, "PRIVMSG")
		if msg.Params[1] != "fanout" {
			t.Fatalf("PRIVMSG %q, but want %q", msg.Params[1], "fanout")
		}
		got[msg.Params[0]] = true
	}
	if !got["#x"] || !got["#y"] {
		t.Fatalf("delivered to %v, but want #x and #y", got)
	}
}

func TestIngressUDP(t *testing.T) {
	srv := startTestServer(t)
	d := newTestDispatcher(t, testTunables())
	in := NewIngress(d, nil)

	pconn, err := net.ListenPacket("udp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to create UDP listener: %v", err)
	}
	t.Cleanup(func() { pconn.Close() })
	go in.ServePacket(pconn)

	uconn, err := net.Dial("udp", pconn.LocalAddr().String())
	if err != nil {
		t.Fatalf("failed to dial UDP ingress: %v", err)
	}
	defer uconn.Close()
	fmt.Fprintf(uconn, "{\"to\": \"irc://%s/#a\", \"privmsg\": \"datagram\"}", srv.addr())

	uc := acceptConn(t, srv)
	nick := registerConn(t, uc)
	expectJoin(t, uc, nick, "#a")
	expectPrivmsg(t, uc, "#a", "datagram")
}

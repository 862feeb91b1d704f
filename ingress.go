package irkd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// Ingress accepts producer connections carrying a stream of JSON request
// objects and feeds valid requests to the dispatcher. Producers are
// local and trusted; validation protects the daemon, not the network.
type Ingress struct {
	d      *Dispatcher
	logger Logger
}

func NewIngress(d *Dispatcher, logger Logger) *Ingress {
	if logger == nil {
		logger = d.logger
	}
	return &Ingress{d: d, logger: logger}
}

// Serve accepts producer connections on ln until the listener is closed.
func (in *Ingress) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if isErrClosed(err) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to accept connection: %v", err)
		}

		go func() {
			if err := in.handleConn(c); err != nil {
				in.logger.Printf("producer %v: %v", c.RemoteAddr(), err)
			}
		}()
	}
}

// handleConn consumes a stream of JSON objects separated by arbitrary
// whitespace. A schema violation drops the one object; malformed JSON
// poisons the rest of the stream, so the connection is closed. Objects
// accepted before the error stay valid either way.
func (in *Ingress) handleConn(c net.Conn) error {
	defer c.Close()

	dec := json.NewDecoder(c)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("malformed JSON: %v", err)
		}
		if err := in.handleRequest(raw); err != nil {
			in.d.metrics.invalidRequests.Inc()
			in.logger.Printf("invalid request from %v: %v", c.RemoteAddr(), err)
		}
	}
}

// ServePacket serves the same wire format over datagrams. Each datagram
// carries one or more objects; there is no reply path, so bad input is
// only logged.
func (in *Ingress) ServePacket(pc net.PacketConn) error {
	buf := make([]byte, 65536)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if isErrClosed(err) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read datagram: %v", err)
		}

		dec := json.NewDecoder(bytes.NewReader(buf[:n]))
		for {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err == io.EOF {
				break
			} else if err != nil {
				in.logger.Printf("producer %v: malformed JSON: %v", addr, err)
				break
			}
			if err := in.handleRequest(raw); err != nil {
				in.d.metrics.invalidRequests.Inc()
				in.logger.Printf("invalid request from %v: %v", addr, err)
			}
		}
	}
}

func (in *Ingress) handleRequest(raw []byte) error {
	targets, privmsg, err := parseRequest(raw)
	if err != nil {
		return err
	}
	in.d.metrics.requests.Inc()
	for _, t := range targets {
		in.d.Submit(t, splitPrivmsg(privmsg, t.Channel))
	}
	return nil
}

// urlList accepts the two shapes producers may put in "to": a single URL
// string or a non-empty array of URL strings.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		var urls []string
		if err := json.Unmarshal(b, &urls); err != nil {
			return err
		}
		if len(urls) == 0 {
			return fmt.Errorf("empty target list")
		}
		*l = urls
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*l = urlList{s}
	return nil
}

type request struct {
	To      *urlList `json:"to"`
	Privmsg *string  `json:"privmsg"`
}

// parseRequest validates one request object against the closed schema:
// exactly the keys "to" and "privmsg", "privmsg" a string, "to" a target
// URL or list of target URLs. Unknown keys are a hard error so that
// drifting producers are caught early.
func parseRequest(raw []byte) ([]*Target, string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var req request
	if err := dec.Decode(&req); err != nil {
		return nil, "", err
	}
	if req.To == nil {
		return nil, "", fmt.Errorf("missing %q key", "to")
	}
	if req.Privmsg == nil {
		return nil, "", fmt.Errorf("missing %q key", "privmsg")
	}

	targets := make([]*Target, 0, len(*req.To))
	for _, u := range *req.To {
		t, err := ParseTarget(u)
		if err != nil {
			return nil, "", err
		}
		targets = append(targets, t)
	}
	return targets, *req.Privmsg, nil
}

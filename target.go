package irkd

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Target is a parsed irc[s]:// URL naming one channel on one server.
//
// The channel key is join-time data, not identity: two targets differing
// only by key resolve to the same channel session. A nick override selects
// a different server key, and with it a separate connection.
type Target struct {
	Scheme  string // "irc" or "ircs"
	Host    string // case-folded
	Port    int    // explicit, 6667 plain / 6697 TLS
	Channel string // case-folded, leading '#' or '&'
	Key     string
	Nick    string // optional per-target nick override
}

// ParseTarget parses an irc[s]://host[:port]/channel[?key] reference.
//
// The channel part need not carry its leading '#'; '#' is the default
// prefix. Channel names are case-insensitive on IRC, so the name is folded
// here once rather than at every comparison. A query of the form
// "?secret" or "?key=secret" supplies the channel key, and "?nick=name"
// overrides the default nick. The URL is parsed by hand because a literal
// '#' in the channel part would otherwise shift everything after it into
// the fragment.
func ParseTarget(rawurl string) (*Target, error) {
	scheme, rest, ok := strings.Cut(rawurl, "://")
	if !ok {
		return nil, fmt.Errorf("invalid target URL %q: missing scheme", rawurl)
	}
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "irc", "ircs":
		// ok
	default:
		return nil, fmt.Errorf("invalid target URL %q: unknown scheme %q", rawurl, scheme)
	}

	hostport, path, _ := strings.Cut(rest, "/")
	path, query, _ := strings.Cut(path, "?")

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host, portStr = hostport, ""
	}
	host = strings.ToLower(host)
	if host == "" {
		return nil, fmt.Errorf("invalid target URL %q: missing host", rawurl)
	}

	port := 6667
	if scheme == "ircs" {
		port = 6697
	}
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid target URL %q: bad port %q", rawurl, portStr)
		}
	}

	channel := strings.ToLower(path)
	if strings.HasSuffix(channel, ",isnick") {
		return nil, fmt.Errorf("invalid target URL %q: nick targets are not supported", rawurl)
	}
	if channel == "" {
		return nil, fmt.Errorf("invalid target URL %q: missing channel", rawurl)
	}
	if !isChannelName(channel) {
		channel = "#" + channel
	}

	t := &Target{
		Scheme:  scheme,
		Host:    host,
		Port:    port,
		Channel: channel,
	}
	if query != "" {
		// channel?secret and channel?key=secret both supply the key
		for _, part := range strings.Split(query, "&") {
			switch {
			case strings.HasPrefix(part, "key="):
				t.Key = part[len("key="):]
			case strings.HasPrefix(part, "nick="):
				t.Nick = part[len("nick="):]
			default:
				t.Key = part
			}
		}
	}
	return t, nil
}

// TLS reports whether the target requires a TLS connection.
func (t *Target) TLS() bool {
	return t.Scheme == "ircs"
}

// Addr returns the dialable host:port.
func (t *Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// String returns the canonical form of the target URL. Parsing the result
// yields an identical Target.
func (t *Target) String() string {
	s := fmt.Sprintf("%s://%s/%s", t.Scheme, t.Addr(), t.Channel)
	switch {
	case t.Key != "" && t.Nick != "":
		s += "?key=" + t.Key + "&nick=" + t.Nick
	case t.Key != "":
		s += "?key=" + t.Key
	case t.Nick != "":
		s += "?nick=" + t.Nick
	}
	return s
}

// serverKey identifies a shared server connection. All channels with the
// same key ride one socket.
type serverKey struct {
	tls  bool
	host string
	port int
	nick string
}

func (t *Target) serverKey(defaultNick string) serverKey {
	nick := t.Nick
	if nick == "" {
		nick = defaultNick
	}
	return serverKey{
		tls:  t.TLS(),
		host: t.Host,
		port: t.Port,
		nick: nick,
	}
}

func (k serverKey) Addr() string {
	return net.JoinHostPort(k.host, strconv.Itoa(k.port))
}

func (k serverKey) String() string {
	scheme := "irc"
	if k.tls {
		scheme = "ircs"
	}
	return fmt.Sprintf("%s://%s as %s", scheme, k.Addr(), k.nick)
}

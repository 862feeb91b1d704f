// Package config parses the irkd configuration file.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"git.sr.ht/~emersion/go-scfg"
)

type IPSet []*net.IPNet

func (set IPSet) Contains(ip net.IP) bool {
	for _, n := range set {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// loopbackIPs contains the loopback networks 127.0.0.0/8 and ::1/128.
var loopbackIPs = IPSet{
	&net.IPNet{
		IP:   net.IP{127, 0, 0, 0},
		Mask: net.CIDRMask(8, 32),
	},
	&net.IPNet{
		IP:   net.IPv6loopback,
		Mask: net.CIDRMask(128, 128),
	},
}

type Server struct {
	Listen   []string
	Nick     string
	LogLevel int

	TLSInsecureSkipVerify bool
	AcceptProxyIPs        IPSet

	// Zero values mean "use the built-in default".
	FloodDelay    time.Duration
	FloodBurst    int
	ChannelTTL    time.Duration
	ServerTTL     time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	QueueMax      int
	MaxReconnects int
}

func Defaults() *Server {
	return &Server{
		LogLevel: 0,
	}
}

func Load(path string) (*Server, error) {
	cfg, err := scfg.Load(path)
	if err != nil {
		return nil, err
	}
	return parse(cfg)
}

func parse(cfg scfg.Block) (*Server, error) {
	srv := Defaults()
	for _, d := range cfg {
		switch d.Name {
		case "listen":
			var uri string
			if err := d.ParseParams(&uri); err != nil {
				return nil, err
			}
			srv.Listen = append(srv.Listen, uri)
		case "nick":
			if err := d.ParseParams(&srv.Nick); err != nil {
				return nil, err
			}
		case "log-level":
			v, err := parseInt(d)
			if err != nil {
				return nil, err
			}
			if v < 0 || v > 2 {
				return nil, fmt.Errorf("directive %q: level out of range", d.Name)
			}
			srv.LogLevel = v
		case "tls-insecure-skip-verify":
			srv.TLSInsecureSkipVerify = true
		case "accept-proxy-ip":
			srv.AcceptProxyIPs = nil
			for _, s := range d.Params {
				if s == "localhost" {
					srv.AcceptProxyIPs = append(srv.AcceptProxyIPs, loopbackIPs...)
					continue
				}
				_, n, err := net.ParseCIDR(s)
				if err != nil {
					return nil, fmt.Errorf("directive %q: failed to parse CIDR: %v", d.Name, err)
				}
				srv.AcceptProxyIPs = append(srv.AcceptProxyIPs, n)
			}
		case "flood-delay":
			v, err := parseDuration(d)
			if err != nil {
				return nil, err
			}
			srv.FloodDelay = v
		case "flood-burst":
			v, err := parseInt(d)
			if err != nil {
				return nil, err
			}
			srv.FloodBurst = v
		case "channel-ttl":
			v, err := parseDuration(d)
			if err != nil {
				return nil, err
			}
			srv.ChannelTTL = v
		case "server-ttl":
			v, err := parseDuration(d)
			if err != nil {
				return nil, err
			}
			srv.ServerTTL = v
		case "ping-interval":
			v, err := parseDuration(d)
			if err != nil {
				return nil, err
			}
			srv.PingInterval = v
		case "ping-timeout":
			v, err := parseDuration(d)
			if err != nil {
				return nil, err
			}
			srv.PingTimeout = v
		case "queue-max":
			v, err := parseInt(d)
			if err != nil {
				return nil, err
			}
			srv.QueueMax = v
		case "max-reconnects":
			v, err := parseInt(d)
			if err != nil {
				return nil, err
			}
			srv.MaxReconnects = v
		default:
			return nil, fmt.Errorf("unknown directive %q", d.Name)
		}
	}
	return srv, nil
}

func parseInt(d *scfg.Directive) (int, error) {
	var s string
	if err := d.ParseParams(&s); err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("directive %q: invalid integer: %v", d.Name, err)
	}
	return v, nil
}

func parseDuration(d *scfg.Directive) (time.Duration, error) {
	var s string
	if err := d.ParseParams(&s); err != nil {
		return 0, err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("directive %q: invalid duration: %v", d.Name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("directive %q: negative duration", d.Name)
	}
	return v, nil
}

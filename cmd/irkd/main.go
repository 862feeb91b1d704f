package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irkd/irkd"
	"github.com/irkd/irkd/config"
)

var (
	configPath  string
	logLevel    int
	logPath     string
	nick        string
	ingressPort int
	bindAddr    string
	showVersion bool
)

// defaultNick derives a nick from the process name and PID so that several
// daemons on one network don't collide out of the box.
func defaultNick() string {
	name := filepath.Base(os.Args[0])
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return -1
	}, name)
	if name == "" {
		name = "irkd"
	}
	return fmt.Sprintf("%s%03d", name, os.Getpid()%1000)
}

func main() {
	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.IntVar(&logLevel, "d", 0, "log verbosity (0 errors, 1 events, 2 protocol)")
	flag.StringVar(&logPath, "l", "", "log file (default stderr)")
	flag.StringVar(&nick, "n", "", "default IRC nick")
	flag.IntVar(&ingressPort, "p", 6659, "ingress TCP port")
	flag.StringVar(&bindAddr, "i", "localhost", "ingress bind address")
	flag.BoolVar(&showVersion, "V", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("irkd %s\n", irkd.Version)
		return
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument %q\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Defaults()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
	}

	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	if !setFlags["d"] {
		logLevel = cfg.LogLevel
	}
	if nick == "" {
		nick = cfg.Nick
	}
	if nick == "" {
		nick = defaultNick()
	}

	logOut := io.Writer(os.Stderr)
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := irkd.NewLogger(logOut, logLevel)

	tun := irkd.DefaultTunables()
	if cfg.FloodDelay > 0 {
		tun.AntiFloodGap = cfg.FloodDelay
	}
	if cfg.FloodBurst > 0 {
		tun.Burst = cfg.FloodBurst
	}
	if cfg.ChannelTTL > 0 {
		tun.ChannelTTL = cfg.ChannelTTL
	}
	if cfg.ServerTTL > 0 {
		tun.ServerTTL = cfg.ServerTTL
	}
	if cfg.PingInterval > 0 {
		tun.PingInterval = cfg.PingInterval
	}
	if cfg.PingTimeout > 0 {
		tun.PingTimeout = cfg.PingTimeout
	}
	if cfg.QueueMax > 0 {
		tun.QueueMax = cfg.QueueMax
	}
	if cfg.MaxReconnects > 0 {
		tun.MaxReconnects = cfg.MaxReconnects
	}

	dispatcher := irkd.NewDispatcher(&irkd.DispatcherOptions{
		Nick:               nick,
		Logger:             logger,
		Tunables:           tun,
		InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		MetricsRegistry:    prometheus.DefaultRegisterer,
	})
	ingress := irkd.NewIngress(dispatcher, logger)

	addr := net.JoinHostPort(bindAddr, strconv.Itoa(ingressPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %q: %v", addr, err)
	}
	go serveIngress(logger, ingress, proxyListener(ln, cfg), addr)
	logger.Printf("ingress listening on %q", addr)

	for _, listen := range cfg.Listen {
		listen := listen // copy
		u, err := url.Parse(listen)
		if err != nil {
			log.Fatalf("failed to parse listen URI %q: %v", listen, err)
		}

		switch u.Scheme {
		case "tcp", "":
			ln, err := net.Listen("tcp", u.Host)
			if err != nil {
				log.Fatalf("failed to start listener on %q: %v", listen, err)
			}
			go serveIngress(logger, ingress, proxyListener(ln, cfg), listen)
		case "udp":
			pc, err := net.ListenPacket("udp", u.Host)
			if err != nil {
				log.Fatalf("failed to start listener on %q: %v", listen, err)
			}
			go func() {
				if err := ingress.ServePacket(pc); err != nil {
					logger.Errorf("serving %q: %v", listen, err)
				}
			}()
		case "unix":
			ln, err := net.Listen("unix", u.Path)
			if err != nil {
				log.Fatalf("failed to start listener on %q: %v", listen, err)
			}
			go serveIngress(logger, ingress, ln, listen)
		case "http+prometheus":
			// Only allow localhost as listening host for security reasons.
			// Users can always explicitly setup reverse proxies if desirable.
			hostname, _, err := net.SplitHostPort(u.Host)
			if err != nil {
				log.Fatalf("invalid host in URI %q: %v", listen, err)
			} else if hostname != "localhost" {
				log.Fatalf("Prometheus listening host must be localhost")
			}

			metricsHandler := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
				MaxRequestsInFlight: 10,
				Timeout:             10 * time.Second,
				EnableOpenMetrics:   true,
			})
			metricsHandler = promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer, metricsHandler)

			httpSrv := http.Server{
				Addr:    u.Host,
				Handler: metricsHandler,
			}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil {
					log.Fatalf("serving %q: %v", listen, err)
				}
			}()
		case "http+pprof":
			hostname, _, err := net.SplitHostPort(u.Host)
			if err != nil {
				log.Fatalf("invalid host in URI %q: %v", listen, err)
			} else if hostname != "localhost" {
				log.Fatalf("pprof listening host must be localhost")
			}

			// net/http/pprof registers its handlers in http.DefaultServeMux
			httpSrv := http.Server{
				Addr:    u.Host,
				Handler: http.DefaultServeMux,
			}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil {
					log.Fatalf("serving %q: %v", listen, err)
				}
			}()
		default:
			log.Fatalf("failed to listen on %q: unsupported scheme", listen)
		}

		logger.Printf("listening on %q", listen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Printf("shutting down")
	dispatcher.Shutdown(tun.ShutdownGrace)
}

func serveIngress(logger irkd.Logger, in *irkd.Ingress, ln net.Listener, name string) {
	if err := in.Serve(ln); err != nil {
		logger.Errorf("serving %q: %v", name, err)
	}
}

func proxyListener(ln net.Listener, cfg *config.Server) net.Listener {
	if len(cfg.AcceptProxyIPs) == 0 {
		return ln
	}
	return &proxyproto.Listener{
		Listener: ln,
		Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
			tcpAddr, ok := upstream.(*net.TCPAddr)
			if !ok {
				return proxyproto.IGNORE, nil
			}
			if cfg.AcceptProxyIPs.Contains(tcpAddr.IP) {
				return proxyproto.USE, nil
			}
			return proxyproto.IGNORE, nil
		},
		ReadHeaderTimeout: 5 * time.Second,
	}
}

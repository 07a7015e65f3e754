package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/prtunnel/internal/conn"
	"github.com/die-net/prtunnel/internal/dialer"
	"github.com/die-net/prtunnel/internal/logger"
	"github.com/die-net/prtunnel/internal/proxy"
	"github.com/die-net/prtunnel/internal/resolve"
	"github.com/die-net/prtunnel/internal/trust"
)

const usage = "usage: prtunnel [flags] <local port> [<remote host> <remote port>]"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		daemon  = pflag.BoolP("daemon", "D", false, "Serve many sessions instead of exiting after the first one")
		verbose = pflag.BoolP("verbose", "V", false, "Dump relayed data to stdout and log per-connection details")
		ipv6    = pflag.BoolP("ipv6", "6", false, "Listen, trust and reach proxies over IPv6")

		proxyType = pflag.StringP("type", "t", "http", "Upstream type: direct | direct6 | http | https | socks5")
		proxyHost = pflag.StringP("proxy-host", "H", "", "Upstream proxy host")
		proxyPort = pflag.Uint16P("proxy-port", "P", 0, "Upstream proxy port (default 8080 http, 443 https, 1080 socks5)")
		username  = pflag.StringP("username", "u", "", "Upstream proxy username")
		password  = pflag.StringP("password", "p", "", "Upstream proxy password")
		trusted   = pflag.StringArrayP("trusted", "T", nil, "Trusted peer address or host, optionally with /bits (repeatable)")

		http10        = pflag.Bool("http-1.0", false, "Send HTTP/1.0 CONNECT requests")
		ircAutoPong   = pflag.Bool("irc-auto-pong", false, "Answer IRC PING lines from upstream")
		telnetKA      = pflag.Int("telnet-keep-alive", 0, "Send a telnet NOP upstream every N seconds (0 disables)")
		crlfKA        = pflag.Int("crlf-keep-alive", 0, "Send CRLF upstream every N seconds (0 disables)")
		clientTimeout = pflag.Duration("timeout", 0, "Close sessions whose local client sends nothing for this long (0 disables)")
		serverTimeout = pflag.Duration("server-timeout", 0, "Close sessions whose upstream sends nothing for this long (0 disables)")

		listenAddress      = pflag.String("listen-address", "", "Local address to listen on (default all addresses of the family)")
		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		dnsServer          = pflag.String("dns-server", "", "Resolve names with this DNS server (host[:port]) instead of the system resolver")
		maxSessions        = pflag.Int("max-sessions", 0, "Maximum concurrent sessions (0 is unlimited)")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	args := pflag.Args()
	if len(args) != 1 && len(args) != 3 {
		return errors.New(usage)
	}

	localPort, err := parsePort(args[0])
	if err != nil {
		return fmt.Errorf("invalid local port: %w", err)
	}

	var target string
	if len(args) == 3 {
		port, err := parsePort(args[2])
		if err != nil {
			return fmt.Errorf("invalid remote port: %w", err)
		}
		target = net.JoinHostPort(args[1], strconv.Itoa(int(port)))
	}

	family := resolve.IPv4
	if *ipv6 {
		family = resolve.IPv6
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	appKA, err := keepAliveConfig(*telnetKA, *crlfKA)
	if err != nil {
		return err
	}

	upstream, err := upstreamURL(*proxyType, *proxyHost, *proxyPort, *username, *password)
	if err != nil {
		return err
	}

	log := logger.New(os.Stderr, *verbose)

	var resolver resolve.Resolver = resolve.System{}
	if *dnsServer != "" {
		resolver = resolve.NewDNS(*dnsServer)
	}
	resolver = &resolve.Group{Resolver: resolver}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	entries := make([]trust.Entry, 0, len(*trusted))
	for _, s := range *trusted {
		e, err := trust.ParseEntry(ctx, s, family, resolver)
		if err != nil {
			return err
		}
		log.Info("added trusted address", "entry", e.String())
		entries = append(entries, e)
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		ServerTimeout:      *serverTimeout,
		KeepAlive:          ka,
		Family:             family,
		Resolver:           resolver,
		HTTP10:             *http10,
	}

	d, err := dialer.New(dialCfg, upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	obs := proxy.LogObserver{Logger: log}
	if *verbose {
		obs.Dumper = logger.NewDumper(os.Stdout)
	}

	cfg := proxy.Config{
		Target:             target,
		Daemon:             *daemon,
		Family:             family,
		Trust:              trust.New(family, entries...),
		KeepAlive:          appKA,
		IRCAutoPong:        *ircAutoPong,
		ClientTimeout:      *clientTimeout,
		NegotiationTimeout: *negotiationTimeout,
		MaxSessions:        *maxSessions,
		Dialer:             d,
		Observer:           obs,
		Logger:             log,
	}

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info("debug listening", "addr", *debugListen)
	}

	ln, err := conn.ListenTCP(ctx, family, *listenAddress, localPort, ka)
	if err != nil {
		return err
	}

	srv := proxy.NewServer(cfg)
	g.Go(func() error {
		defer stop()
		if err := srv.Serve(ctx, ln); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	log.Info("waiting for connections", "addr", ln.Addr().String(), "upstream", redact(upstream), "target", target)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

// upstreamURL builds the dialer URL for the -t/-H/-P/-u/-p flags.
func upstreamURL(proxyType, host string, port uint16, username, password string) (string, error) {
	proxyType = strings.ToLower(proxyType)

	switch proxyType {
	case "direct", "direct6":
		return proxyType + "://", nil
	case "http", "https", "socks5":
	default:
		return "", fmt.Errorf("invalid --type %q", proxyType)
	}

	if host == "" {
		return "", fmt.Errorf("--proxy-host is required for --type %s", proxyType)
	}

	u := url.URL{Scheme: proxyType, Host: host}
	if port != 0 {
		u.Host = net.JoinHostPort(host, strconv.Itoa(int(port)))
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	}
	if username != "" || password != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String(), nil
}

func redact(upstream string) string {
	u, err := url.Parse(upstream)
	if err != nil {
		return upstream
	}
	return u.Redacted()
}

func keepAliveConfig(telnet, crlf int) (proxy.KeepAlive, error) {
	switch {
	case telnet < 0 || crlf < 0:
		return proxy.KeepAlive{}, errors.New("keep-alive interval must be >= 0")
	case telnet > 0 && crlf > 0:
		return proxy.KeepAlive{}, errors.New("--telnet-keep-alive and --crlf-keep-alive are mutually exclusive")
	case telnet > 0:
		return proxy.KeepAlive{Interval: telnet, Kind: proxy.KeepAliveTelnet}, nil
	default:
		return proxy.KeepAlive{Interval: crlf, Kind: proxy.KeepAliveCRLF}, nil
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("must be > 0")
	}
	return uint16(n), nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/apex/log"
	socks5 "github.com/armon/go-socks5"
	"github.com/gamavpn/wgtunnel/internal/metrics"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/ping"
	"github.com/gamavpn/wgtunnel/pkg/config"
	"github.com/gamavpn/wgtunnel/pkg/tracex"
	"github.com/gamavpn/wgtunnel/pkg/tunnel"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

var errNoTunnel = errors.New("tunnel is not up")

// session is one run of the command.
type session struct {
	cfg      *cmdConfig
	vpncfg   *config.Config
	manager  *tunnel.Manager
	tracer   *tracex.Tracer
	registry *prometheus.Registry

	// tnet is the userspace stack of the netstack backend.
	tnet atomic.Pointer[netstack.Net]

	// unpin removes the host route to the endpoint.
	unpin func() error
}

func newSession(cfg *cmdConfig) (*session, error) {
	if cfg.configPath == "" {
		return nil, fmt.Errorf("%w: need config path", model.ErrConfigInvalid)
	}
	opts, err := config.LoadFile(cfg.configPath)
	if err != nil {
		return nil, err
	}
	vpncfg, err := config.New(opts)
	if err != nil {
		return nil, err
	}
	log.Debugf("config file: %s", cfg.configPath)

	s := &session{cfg: cfg, vpncfg: vpncfg}
	managerOpts := []tunnel.Option{
		tunnel.WithLogger(log.Log),
	}

	switch cfg.backend {
	case "kernel":
		opener, err := kernelOpener()
		if err != nil {
			return nil, err
		}
		managerOpts = append(managerOpts, tunnel.WithDeviceOpener(opener))
	case "netstack":
		managerOpts = append(managerOpts, tunnel.WithDeviceOpener(tunnel.NetstackDevice(func(tnet *netstack.Net) {
			s.tnet.Store(tnet)
		})))
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", model.ErrConfigInvalid, cfg.backend)
	}

	if cfg.doTrace {
		s.tracer = tracex.NewTracer(startTime)
		managerOpts = append(managerOpts, tunnel.WithHandshakeTracer(s.tracer))
	}

	s.manager = tunnel.NewManager(managerOpts...)

	if cfg.metricsAddr != "" {
		s.registry = prometheus.NewRegistry()
		m := metrics.New(s.registry, s.manager.Info)
		s.manager.SubscribeFunc(func(status tunnel.Status, reason error) {
			m.ObserveStatus(model.StatusEvent{Status: status, Reason: reason, At: time.Now()})
		})
	}
	return s, nil
}

// connect brings the tunnel up, waiting at most the configured timeout.
func (s *session) connect() error {
	if s.cfg.backend == "kernel" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		unpin, err := pinEndpointRoute(ctx, s.vpncfg.Endpoint())
		cancel()
		if err != nil {
			log.Warnf("could not pin the route to the endpoint, routes might be broken: %s", err.Error())
		}
		s.unpin = unpin
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.timeout)*time.Second)
	defer cancel()
	status, err := s.manager.Connect(ctx, s.vpncfg)
	if err != nil {
		return err
	}
	info := s.manager.Info()
	log.Infof("tunnel %s: %s via %s (handle %s)", info.Interface, status, info.Endpoint, info.HandleID)
	fmt.Printf("elapsed: %v\n", time.Since(startTime))
	return nil
}

// close tears everything down and writes the trace.
func (s *session) close() error {
	var result error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.manager.Disconnect(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	s.manager.Close()
	if s.unpin != nil {
		if err := s.unpin(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.tracer != nil {
		if err := s.writeTrace(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (s *session) writeTrace() error {
	fileName := fmt.Sprintf("handshake-trace-%s.json", time.Now().Format("2006-01-02-15:04:05"))
	fp, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer fp.Close()
	if err := s.tracer.WriteJSON(fp); err != nil {
		return err
	}
	fmt.Println("trace written to", fileName)
	return nil
}

// watch logs status events and fails when the tunnel enters the error state.
func (s *session) watch(ctx context.Context) error {
	sub := s.manager.Subscribe(0)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			log.Infof("tunnel: %s", ev)
			if ev.Status == tunnel.StatusError {
				return ev.Reason
			}
		}
	}
}

func (s *session) serveMetrics(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.metricsAddr,
		Handler:           promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	log.Infof("metrics: serving on http://%s/metrics", s.cfg.metricsAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// dial dials through the tunnel.
func (s *session) dial(ctx context.Context, network, address string) (net.Conn, error) {
	tnet := s.tnet.Load()
	if tnet == nil {
		return nil, errNoTunnel
	}
	return tnet.DialContext(ctx, network, address)
}

// tunnelResolver resolves names with the DNS servers of the tunnel.
type tunnelResolver struct {
	s *session
}

var _ socks5.NameResolver = tunnelResolver{}

// Resolve implements socks5.NameResolver.
func (r tunnelResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	tnet := r.s.tnet.Load()
	if tnet == nil {
		return ctx, nil, errNoTunnel
	}
	addrs, err := tnet.LookupContextHost(ctx, name)
	if err != nil {
		return ctx, nil, err
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil {
			return ctx, ip, nil
		}
	}
	return ctx, nil, fmt.Errorf("no address for %s", name)
}

func (s *session) serveSocks(ctx context.Context) error {
	server, err := socks5.New(&socks5.Config{
		Dial:     s.dial,
		Resolver: tunnelResolver{s: s},
	})
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.socksAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Infof("socks5: serving on %s", ln.Addr())
	if err := server.Serve(ln); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runUp keeps the tunnel up until interrupted.
func runUp(cfg *cmdConfig) (err error) {
	if cfg.socksAddr != "" && cfg.backend != "netstack" {
		return fmt.Errorf("%w: --socks needs the netstack backend", model.ErrConfigInvalid)
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := s.connect(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.watch(gctx)
	})
	if cfg.metricsAddr != "" {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}
	if cfg.socksAddr != "" {
		g.Go(func() error {
			return s.serveSocks(gctx)
		})
	}
	return g.Wait()
}

// runPing brings a netstack tunnel up and pings target through it.
func runPing(cfg *cmdConfig, target string) (err error) {
	if cfg.backend != "netstack" {
		log.Infof("ping: using the netstack backend")
		cfg.backend = "netstack"
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := s.connect(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := s.dial(ctx, "ping4", target)
	if err != nil {
		return err
	}
	defer conn.Close()

	pinger := ping.New(target, log.Log)
	pinger.Count = int(cfg.count)
	pinger.OnRecv = func(r ping.Reply) {
		fmt.Printf("%d bytes from %s: icmp_seq=%d time=%v\n", r.Nbytes, target, r.Seq, r.Rtt)
	}
	stats, err := pinger.Run(ctx, conn)
	stats.Print(os.Stdout)
	if err != nil {
		return err
	}
	if stats.PacketsRecv == 0 {
		return fmt.Errorf("no reply from %s", target)
	}
	return nil
}

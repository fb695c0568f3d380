package tunnel

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gamavpn/wgtunnel/internal/engine"
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/notifier"
	"github.com/gamavpn/wgtunnel/internal/session"
	"github.com/gamavpn/wgtunnel/internal/tun"
	"github.com/gamavpn/wgtunnel/internal/vpntest"
	"github.com/gamavpn/wgtunnel/internal/wire"
	"github.com/gamavpn/wgtunnel/pkg/config"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var (
	localAddr  = netip.MustParseAddrPort("10.0.0.2:4000")
	remoteAddr = netip.MustParseAddrPort("10.0.0.1:53")
)

// countingTracer counts the initiations we send.
type countingTracer struct {
	model.DummyTracer
	initiations atomic.Int64
}

func (ct *countingTracer) OnOutgoingMessage(msg model.LoggedMessage, attempt int) {
	if msg.Type == model.MessageInitiation {
		ct.initiations.Add(1)
	}
}

func testTimers() Timers {
	return Timers{
		HealthTick:           50 * time.Millisecond,
		MissedKeepalives:     3,
		MaxReconnectAttempts: 3,
		Handshake: engine.RetryPolicy{
			Attempts:      3,
			InitialWindow: 500 * time.Millisecond,
			Multiplier:    1,
			MaxWindow:     500 * time.Millisecond,
		},
		SetupAttempts: 3,
		SetupInterval: 10 * time.Millisecond,
	}
}

type fixtureOptions struct {
	name     string
	peer     vpntest.PeerConfig
	timers   Timers
	limits   session.Limits
	opener   tun.Opener
	listener model.PacketListener
	resolver model.Resolver

	// host replaces the peer address in the configured endpoint.
	host string
}

type fixture struct {
	machine  *Machine
	notifier *notifier.Notifier
	peer     *vpntest.Peer
	tracer   *countingTracer
	logger   *model.TestLogger
	loopback *vpntest.LoopbackListener
	config   *config.Config
	devices  chan *vpntest.MemDevice
	torn     chan *handle
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.name == "" {
		opts.name = "wgtest0"
	}
	if opts.timers == (Timers{}) {
		opts.timers = testTimers()
	}
	clientKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	opts.peer.ClientPublic = clientKey.PublicKey()
	peer, err := vpntest.NewPeer(opts.peer)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	endpoint := peer.Endpoint().String()
	if opts.host != "" {
		endpoint = net.JoinHostPort(opts.host, strconv.Itoa(int(peer.Endpoint().Port())))
	}
	cfg, err := config.New(&config.Options{
		InterfaceName:       opts.name,
		PrivateKey:          clientKey.String(),
		Addresses:           []string{"10.0.0.2/32"},
		PeerPublicKey:       peer.PublicKey().String(),
		Endpoint:            endpoint,
		AllowedIPs:          []string{"10.0.0.0/24"},
		PersistentKeepalive: 1,
	})
	require.NoError(t, err)

	f := &fixture{
		peer:     peer,
		tracer:   &countingTracer{},
		logger:   model.NewTestLogger(),
		loopback: vpntest.NewLoopbackListener(),
		config:   cfg,
		devices:  make(chan *vpntest.MemDevice, 8),
		torn:     make(chan *handle, 8),
	}
	opener := opts.opener
	if opener == nil {
		opener = tun.OpenerFunc(func(c tun.Config) (tun.Device, error) {
			dev := vpntest.NewMemDevice(c.Name, c.MTU)
			f.devices <- dev
			return dev, nil
		})
	}
	var listener model.PacketListener = f.loopback
	if opts.listener != nil {
		listener = opts.listener
	}
	f.notifier = notifier.New(f.logger, model.StatusEvent{Status: model.StatusDisconnected})
	f.machine = NewMachine(Config{
		Logger:   f.logger,
		Tracer:   f.tracer,
		Opener:   opener,
		Listener: listener,
		Resolver: opts.resolver,
		Notifier: f.notifier,
		Timers:   opts.timers,
		Limits:   opts.limits,
	})
	f.machine.onTeardown = func(h *handle) { f.torn <- h }
	t.Cleanup(func() {
		f.machine.Close()
		f.notifier.Close()
	})
	return f
}

func (f *fixture) connect(t *testing.T) *vpntest.MemDevice {
	t.Helper()
	status, err := f.machine.Connect(context.Background(), f.config)
	require.NoError(t, err)
	require.Equal(t, model.StatusConnected, status)
	dev := recv(t, f.devices)
	// the confirming keepalive makes the peer switch to the new keys
	require.Eventually(t, func() bool { return f.peer.Epoch() == 1 }, 2*time.Second, 10*time.Millisecond)
	return dev
}

func (f *fixture) dropped(reason model.DropReason) uint64 {
	return f.machine.Info().Stats.Dropped[reason]
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting on channel")
	}
	panic("unreachable")
}

// waitStatus consumes events until one with the wanted status.
func waitStatus(t *testing.T, sub *notifier.Subscription, want model.TunnelStatus, timeout time.Duration) model.StatusEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed")
			}
			if ev.Status == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestConnectDisconnect(t *testing.T) {
	f := newFixture(t, fixtureOptions{peer: vpntest.PeerConfig{Echo: true}})
	sub := f.notifier.Subscribe(64)
	defer sub.Close()

	dev := f.connect(t)
	info := f.machine.Info()
	require.NotEmpty(t, info.HandleID)
	require.Equal(t, "wgtest0", info.Interface)
	require.Equal(t, f.peer.Endpoint().Port(), info.Endpoint.Port())
	require.Equal(t, uint64(1), info.Epoch)
	require.True(t, tun.InUse("wgtest0"))

	// a packet goes through the tunnel and its echo comes back
	pkt := vpntest.UDPPacket(localAddr, remoteAddr, []byte("ping"))
	dev.Inject(pkt)
	if diff := cmp.Diff(pkt, recv(t, f.peer.Received())); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff(vpntest.SwapAddresses(pkt), recv(t, dev.Written())); diff != "" {
		t.Fatal(diff)
	}

	require.NoError(t, f.machine.Disconnect(context.Background()))
	require.Equal(t, model.StatusDisconnected, f.machine.Status())
	h := recv(t, f.torn)
	require.True(t, h.keys.IsZeroed())
	require.True(t, dev.IsClosed())
	require.False(t, tun.InUse("wgtest0"))
	require.Empty(t, f.machine.Info().HandleID)

	var got []model.TunnelStatus
	for len(got) < 6 {
		got = append(got, recv(t, sub.Events()).Status)
	}
	want := []model.TunnelStatus{
		model.StatusDisconnected,
		model.StatusConnecting,
		model.StatusHandshaking,
		model.StatusConnected,
		model.StatusDisconnecting,
		model.StatusDisconnected,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestConcurrentConnect(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	var (
		wg       sync.WaitGroup
		statuses [2]model.TunnelStatus
		errs     [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], errs[i] = f.machine.Connect(context.Background(), f.config)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		require.True(t, statuses[i].IsActive(), statuses[i].String())
	}
	require.Eventually(t, func() bool {
		return f.machine.Status() == model.StatusConnected
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), f.peer.Initiations())
	require.Len(t, f.devices, 1)

	// connecting again while connected is a no-op
	status, err := f.machine.Connect(context.Background(), f.config)
	require.NoError(t, err)
	require.Equal(t, model.StatusConnected, status)
	require.Equal(t, int64(1), f.peer.Initiations())
}

func TestConnectInvalidConfig(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	sub := f.notifier.Subscribe(64)
	defer sub.Close()

	status, err := f.machine.Connect(context.Background(), nil)
	require.ErrorIs(t, err, model.ErrConfigInvalid)
	require.Equal(t, model.StatusError, status)
	require.ErrorIs(t, f.machine.Info().Reason, model.ErrConfigInvalid)

	// from the error state, disconnect only publishes disconnected
	require.NoError(t, f.machine.Disconnect(context.Background()))
	require.Equal(t, model.StatusDisconnected, f.machine.Status())

	var got []model.TunnelStatus
	for len(got) < 3 {
		got = append(got, recv(t, sub.Events()).Status)
	}
	want := []model.TunnelStatus{model.StatusDisconnected, model.StatusError, model.StatusDisconnected}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
	require.Empty(t, f.devices)
}

func TestConnectHandshakeFailures(t *testing.T) {
	type testcase struct {
		name            string
		peer            vpntest.PeerConfig
		dropHandshakes  bool
		wantErr         error
		wantInitiations int64
	}
	for _, tc := range []testcase{{
		name:            "unreachable peer",
		dropHandshakes:  true,
		wantErr:         model.ErrHandshakeTimeout,
		wantInitiations: 3,
	}, {
		name:            "bad response",
		peer:            vpntest.PeerConfig{CorruptResponse: true},
		wantErr:         model.ErrHandshakeAuthFailed,
		wantInitiations: 1,
	}} {
		t.Run(tc.name, func(t *testing.T) {
			timers := testTimers()
			timers.Handshake.InitialWindow = 200 * time.Millisecond
			timers.Handshake.MaxWindow = 200 * time.Millisecond
			f := newFixture(t, fixtureOptions{peer: tc.peer, timers: timers})
			f.peer.SetDropHandshakes(tc.dropHandshakes)

			status, err := f.machine.Connect(context.Background(), f.config)
			require.ErrorIs(t, err, tc.wantErr)
			require.Equal(t, model.StatusError, status)
			require.Equal(t, tc.wantInitiations, f.peer.Initiations())

			h := recv(t, f.torn)
			require.True(t, h.keys.IsZeroed())
			require.True(t, recv(t, f.devices).IsClosed())
			require.False(t, tun.InUse("wgtest0"))

			// connect from the error state starts fresh
			f.peer.SetDropHandshakes(false)
			if tc.peer.CorruptResponse {
				return
			}
			status, err = f.machine.Connect(context.Background(), f.config)
			require.NoError(t, err)
			require.Equal(t, model.StatusConnected, status)
		})
	}
}

func TestConnectSetupFailures(t *testing.T) {
	t.Run("transient device failures are retried", func(t *testing.T) {
		var calls atomic.Int32
		opener := tun.OpenerFunc(func(c tun.Config) (tun.Device, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("device not ready")
			}
			return vpntest.NewMemDevice(c.Name, c.MTU), nil
		})
		f := newFixture(t, fixtureOptions{opener: opener})
		status, err := f.machine.Connect(context.Background(), f.config)
		require.NoError(t, err)
		require.Equal(t, model.StatusConnected, status)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("persistent device failures", func(t *testing.T) {
		var calls atomic.Int32
		opener := tun.OpenerFunc(func(c tun.Config) (tun.Device, error) {
			calls.Add(1)
			return nil, errors.New("no tun support")
		})
		f := newFixture(t, fixtureOptions{opener: opener})
		status, err := f.machine.Connect(context.Background(), f.config)
		require.ErrorIs(t, err, model.ErrIO)
		require.Equal(t, model.StatusError, status)
		require.Equal(t, int32(3), calls.Load())
		require.False(t, tun.InUse("wgtest0"))
	})

	t.Run("busy interface", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		other, err := tun.Open(tun.OpenerFunc(func(c tun.Config) (tun.Device, error) {
			return vpntest.NewMemDevice(c.Name, c.MTU), nil
		}), tun.Config{Name: "wgtest0", MTU: 1420})
		require.NoError(t, err)
		defer other.Close()

		status, err := f.machine.Connect(context.Background(), f.config)
		require.ErrorIs(t, err, model.ErrInterfaceBusy)
		require.Equal(t, model.StatusError, status)
		require.Empty(t, f.devices)
	})
}

func TestConnectRetriesEndpointLookup(t *testing.T) {
	t.Run("temporary failure", func(t *testing.T) {
		var lookups atomic.Int32
		resolver := &vpntest.Resolver{
			MockLookupNetIP: func(ctx context.Context, network, host string) ([]netip.Addr, error) {
				if lookups.Add(1) == 1 {
					return nil, &net.DNSError{Err: "no route to dns", Name: host, IsTemporary: true}
				}
				return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
			},
		}
		f := newFixture(t, fixtureOptions{resolver: resolver, host: "peer.wgtunnel.test"})
		status, err := f.machine.Connect(context.Background(), f.config)
		require.NoError(t, err)
		require.Equal(t, model.StatusConnected, status)
		require.Equal(t, int32(2), lookups.Load())
		require.Equal(t, f.peer.Endpoint(), f.machine.Info().Endpoint)
	})

	t.Run("persistent failure", func(t *testing.T) {
		var lookups atomic.Int32
		resolver := &vpntest.Resolver{
			MockLookupNetIP: func(ctx context.Context, network, host string) ([]netip.Addr, error) {
				lookups.Add(1)
				return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
			},
		}
		f := newFixture(t, fixtureOptions{resolver: resolver, host: "peer.wgtunnel.test"})
		status, err := f.machine.Connect(context.Background(), f.config)
		require.ErrorIs(t, err, model.ErrIO)
		require.NotErrorIs(t, err, model.ErrConfigInvalid)
		require.Equal(t, model.StatusError, status)
		require.Equal(t, int32(3), lookups.Load())
		require.Empty(t, f.devices)
		require.NotEmpty(t, f.logger.Errors())
	})
}

// collectSockets waits until the listener bound want sockets.
func collectSockets(t *testing.T, ll *vpntest.LoopbackListener, want int) []net.PacketConn {
	t.Helper()
	var sockets []net.PacketConn
	require.Eventually(t, func() bool {
		sockets = append(sockets, ll.Sockets()...)
		return len(sockets) >= want
	}, 3*time.Second, 10*time.Millisecond)
	require.Len(t, sockets, want)
	return sockets
}

// requireNoStatus fails if sub delivered an event with status.
func requireNoStatus(t *testing.T, sub *notifier.Subscription, status model.TunnelStatus) {
	t.Helper()
	for {
		select {
		case ev := <-sub.Events():
			require.NotEqual(t, status, ev.Status, "unexpected event %s", ev)
		default:
			return
		}
	}
}

func TestSocketFailureRebinds(t *testing.T) {
	f := newFixture(t, fixtureOptions{peer: vpntest.PeerConfig{Echo: true}})
	dev := f.connect(t)
	sub := f.notifier.Subscribe(64)
	defer sub.Close()
	first := collectSockets(t, f.loopback, 1)[0]

	// a read error which is not a close
	require.NoError(t, first.SetReadDeadline(time.Now()))
	second := collectSockets(t, f.loopback, 1)[0]
	require.NotEqual(t, first.LocalAddr().String(), second.LocalAddr().String())

	// the keys and the device survive and traffic flows from the new socket
	pkt := vpntest.UDPPacket(localAddr, remoteAddr, []byte("after rebind"))
	dev.Inject(pkt)
	if diff := cmp.Diff(pkt, recv(t, f.peer.Received())); diff != "" {
		t.Fatal(diff)
	}
	echo := recv(t, dev.Written())
	if diff := cmp.Diff(vpntest.SwapAddresses(pkt), echo); diff != "" {
		t.Fatal(diff)
	}
	require.Equal(t, second.LocalAddr().(*net.UDPAddr).Port, int(f.peer.Client().Port()))
	require.Equal(t, model.StatusConnected, f.machine.Status())
	require.Equal(t, uint64(1), f.machine.Info().Epoch)
	require.Empty(t, f.devices)
	requireNoStatus(t, sub, model.StatusError)
	require.Empty(t, f.logger.Errors())
}

func TestDeviceFailureReopens(t *testing.T) {
	f := newFixture(t, fixtureOptions{peer: vpntest.PeerConfig{Echo: true}})
	dev := f.connect(t)
	sub := f.notifier.Subscribe(64)
	defer sub.Close()

	// the device goes away under our feet
	require.NoError(t, dev.Close())
	reopened := recv(t, f.devices)
	require.Equal(t, "wgtest0", reopened.Name())

	pkt := vpntest.UDPPacket(localAddr, remoteAddr, []byte("after reopen"))
	reopened.Inject(pkt)
	if diff := cmp.Diff(pkt, recv(t, f.peer.Received())); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff(vpntest.SwapAddresses(pkt), recv(t, reopened.Written())); diff != "" {
		t.Fatal(diff)
	}
	require.Equal(t, model.StatusConnected, f.machine.Status())
	require.True(t, tun.InUse("wgtest0"))
	requireNoStatus(t, sub, model.StatusError)

	require.NoError(t, f.machine.Disconnect(context.Background()))
	require.True(t, reopened.IsClosed())
	require.False(t, tun.InUse("wgtest0"))
}

func TestSocketRepairGivesUp(t *testing.T) {
	loopback := vpntest.NewLoopbackListener()
	var binds atomic.Int32
	listener := &vpntest.PacketListener{
		MockListenPacket: func(ctx context.Context, network, address string) (net.PacketConn, error) {
			if binds.Add(1) > 1 {
				return nil, errors.New("network is down")
			}
			return loopback.ListenPacket(ctx, network, address)
		},
	}
	f := newFixture(t, fixtureOptions{listener: listener})
	dev := f.connect(t)
	sub := f.notifier.Subscribe(64)
	defer sub.Close()

	first := collectSockets(t, loopback, 1)[0]
	require.NoError(t, first.SetReadDeadline(time.Now()))

	ev := waitStatus(t, sub, model.StatusError, 3*time.Second)
	require.ErrorIs(t, ev.Reason, model.ErrIO)
	require.Equal(t, int32(4), binds.Load())
	recv(t, f.torn)
	require.True(t, dev.IsClosed())
	require.False(t, tun.InUse("wgtest0"))
	require.NotEmpty(t, f.logger.Errors())
}

func TestSingleHandlePerProcess(t *testing.T) {
	first := newFixture(t, fixtureOptions{})
	second := newFixture(t, fixtureOptions{name: "wgtest1"})
	first.connect(t)

	status, err := second.machine.Connect(context.Background(), second.config)
	require.ErrorIs(t, err, model.ErrTunnelActive)
	require.Equal(t, model.StatusDisconnected, status)
	require.Equal(t, model.StatusDisconnected, second.machine.Status())

	require.NoError(t, first.machine.Disconnect(context.Background()))
	second.connect(t)
}

func TestReplayedPacketDropped(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	dev := f.connect(t)

	pkt := vpntest.UDPPacket(remoteAddr, localAddr, []byte("once"))
	msg, err := f.peer.Send(pkt)
	require.NoError(t, err)
	if diff := cmp.Diff(pkt, recv(t, dev.Written())); diff != "" {
		t.Fatal(diff)
	}

	require.NoError(t, f.peer.SendRaw(msg))
	require.Eventually(t, func() bool {
		return f.dropped(model.DropReplay) == 1
	}, 2*time.Second, 10*time.Millisecond)
	select {
	case <-dev.Written():
		t.Fatal("replayed packet reached the device")
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, model.StatusConnected, f.machine.Status())
}

func TestAllowedIPsFiltering(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	dev := f.connect(t)

	// inbound from outside the allowed ips
	_, err := f.peer.Send(vpntest.UDPPacket(netip.MustParseAddrPort("192.168.1.1:53"), localAddr, []byte("spoofed")))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.dropped(model.DropAllowedIPs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// outbound to outside the allowed ips
	dev.Inject(vpntest.UDPPacket(localAddr, netip.MustParseAddrPort("8.8.8.8:53"), []byte("leak")))
	require.Eventually(t, func() bool {
		return f.dropped(model.DropAllowedIPs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, dev.Written())
}

func TestEndpointMigration(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	dev := f.connect(t)
	client := net.UDPAddrFromAddrPort(f.peer.Client())

	// keep keepalive replies from the old address out of the way
	f.peer.SetSilent(true)
	time.Sleep(50 * time.Millisecond)

	other, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer other.Close()
	otherAddr := other.LocalAddr().(*net.UDPAddr).AddrPort()

	pkt := vpntest.UDPPacket(remoteAddr, localAddr, []byte("roaming"))
	sealed, err := f.peer.Seal(pkt)
	require.NoError(t, err)

	// a forged message from the new address must not move the endpoint
	forged := append([]byte{}, sealed...)
	forged[len(forged)-1] ^= 1
	_, err = other.WriteTo(forged, client)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.dropped(model.DropAuth) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, f.peer.Endpoint().Port(), f.machine.Info().Endpoint.Port())

	// a genuine one does
	_, err = other.WriteTo(sealed, client)
	require.NoError(t, err)
	if diff := cmp.Diff(pkt, recv(t, dev.Written())); diff != "" {
		t.Fatal(diff)
	}
	require.Equal(t, otherAddr, f.machine.Info().Endpoint)

	// and we now send there
	dev.Inject(vpntest.UDPPacket(localAddr, remoteAddr, []byte("hello")))
	require.NoError(t, other.SetReadDeadline(time.Now().Add(3*time.Second)))
	buffer := make([]byte, 2048)
	count, _, err := other.ReadFrom(buffer)
	require.NoError(t, err)
	mt, err := wire.Type(buffer[:count])
	require.NoError(t, err)
	require.Equal(t, model.MessageTransport, mt)
}

func TestRekey(t *testing.T) {
	limits := session.DefaultLimits()
	limits.RekeyAfterTime = 300 * time.Millisecond
	limits.KeyOverlap = time.Second
	f := newFixture(t, fixtureOptions{limits: limits, peer: vpntest.PeerConfig{Echo: true}})
	sub := f.notifier.Subscribe(64)
	defer sub.Close()
	dev := f.connect(t)

	require.Eventually(t, func() bool {
		return f.machine.Info().Epoch >= 3 && f.peer.Epoch() >= 3
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, model.StatusConnected, f.machine.Status())

	pkt := vpntest.UDPPacket(localAddr, remoteAddr, []byte("after rekey"))
	dev.Inject(pkt)
	if diff := cmp.Diff(vpntest.SwapAddresses(pkt), recv(t, dev.Written())); diff != "" {
		t.Fatal(diff)
	}

	// rekeying never leaves the connected state
	for {
		select {
		case ev := <-sub.Events():
			require.NotEqual(t, model.StatusReconnecting, ev.Status)
			continue
		default:
		}
		break
	}
}

func TestPeerInitiatedRekey(t *testing.T) {
	f := newFixture(t, fixtureOptions{peer: vpntest.PeerConfig{Echo: true}})
	dev := f.connect(t)

	require.NoError(t, f.peer.Initiate())
	require.Eventually(t, func() bool {
		return f.machine.Info().Epoch == 2 && f.peer.Epoch() == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, model.StatusConnected, f.machine.Status())
	require.Equal(t, uint64(2), f.machine.Info().Stats.Handshakes)

	pkt := vpntest.UDPPacket(localAddr, remoteAddr, []byte("new keys"))
	dev.Inject(pkt)
	if diff := cmp.Diff(vpntest.SwapAddresses(pkt), recv(t, dev.Written())); diff != "" {
		t.Fatal(diff)
	}
}

func TestHealthMonitor(t *testing.T) {
	timers := testTimers()
	timers.MissedKeepalives = 2

	t.Run("silent peer triggers a reconnect", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{timers: timers})
		sub := f.notifier.Subscribe(64)
		defer sub.Close()
		f.connect(t)

		f.peer.SetSilent(true)
		waitStatus(t, sub, model.StatusReconnecting, 5*time.Second)
		require.True(t, tun.InUse("wgtest0"), "reconnecting keeps the interface up")
		f.peer.SetSilent(false)
		waitStatus(t, sub, model.StatusConnected, 5*time.Second)
		require.Equal(t, uint64(2), f.machine.Info().Epoch)
	})

	t.Run("reconnect attempts run out", func(t *testing.T) {
		timers := timers
		timers.Handshake = engine.RetryPolicy{
			Attempts:      1,
			InitialWindow: 200 * time.Millisecond,
			Multiplier:    1,
			MaxWindow:     200 * time.Millisecond,
		}
		f := newFixture(t, fixtureOptions{timers: timers})
		sub := f.notifier.Subscribe(64)
		defer sub.Close()
		f.connect(t)

		before := f.tracer.initiations.Load()
		f.peer.SetSilent(true)
		waitStatus(t, sub, model.StatusReconnecting, 5*time.Second)
		ev := waitStatus(t, sub, model.StatusError, 5*time.Second)
		require.ErrorIs(t, ev.Reason, model.ErrHandshakeTimeout)
		require.Equal(t, int64(3), f.tracer.initiations.Load()-before)
		require.True(t, recv(t, f.torn).keys.IsZeroed())
		require.False(t, tun.InUse("wgtest0"))
	})
}

func TestDisconnectInterruptsHandshake(t *testing.T) {
	timers := testTimers()
	timers.Handshake = engine.DefaultRetryPolicy()
	f := newFixture(t, fixtureOptions{timers: timers})
	f.peer.SetDropHandshakes(true)
	sub := f.notifier.Subscribe(64)
	defer sub.Close()

	done := make(chan result, 1)
	go func() {
		status, err := f.machine.Connect(context.Background(), f.config)
		done <- result{status: status, err: err}
	}()
	waitStatus(t, sub, model.StatusHandshaking, 3*time.Second)

	start := time.Now()
	require.NoError(t, f.machine.Disconnect(context.Background()))
	require.Less(t, time.Since(start), time.Second)

	res := recv(t, done)
	require.ErrorIs(t, res.err, model.ErrCanceled)
	require.Equal(t, model.StatusDisconnected, res.status)
	require.True(t, recv(t, f.torn).keys.IsZeroed())
}

func TestConnectContextBoundsTheWait(t *testing.T) {
	timers := testTimers()
	timers.Handshake = engine.DefaultRetryPolicy()
	f := newFixture(t, fixtureOptions{timers: timers})
	f.peer.SetDropHandshakes(true)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	status, err := f.machine.Connect(ctx, f.config)
	require.ErrorIs(t, err, model.ErrCanceled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, status.IsActive(), status.String())

	// the attempt goes on, and drops outbound packets meanwhile
	dev := recv(t, f.devices)
	dev.Inject(vpntest.UDPPacket(localAddr, remoteAddr, []byte("too early")))
	require.Eventually(t, func() bool {
		return f.dropped(model.DropNoKeys) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, model.StatusHandshaking, f.machine.Status())

	require.NoError(t, f.machine.Disconnect(context.Background()))
	require.Equal(t, model.StatusDisconnected, f.machine.Status())
}

func TestClose(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	dev := f.connect(t)

	f.machine.Close()
	require.True(t, recv(t, f.torn).keys.IsZeroed())
	require.True(t, dev.IsClosed())
	require.Equal(t, model.StatusDisconnected, f.machine.Status())

	_, err := f.machine.Connect(context.Background(), f.config)
	require.ErrorIs(t, err, model.ErrCanceled)
}

package ping

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// echoConn answers echo requests like a ping socket: the identifier is
// rewritten and the payload is preserved.
type echoConn struct {
	net.Conn

	mu       sync.Mutex
	deadline time.Time
	replies  chan []byte

	// drop lists the sequence numbers we do not answer.
	drop map[int]bool

	// twice answers every request two times.
	twice bool
}

func newEchoConn() *echoConn {
	return &echoConn{replies: make(chan []byte, 16), drop: map[int]bool{}}
}

func (c *echoConn) Write(b []byte) (int, error) {
	msg, err := icmp.ParseMessage(protocolICMP, b)
	if err != nil {
		return 0, err
	}
	echo := msg.Body.(*icmp.Echo)
	if c.drop[echo.Seq] {
		return len(b), nil
	}
	reply := &icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: echo.ID + 1, Seq: echo.Seq, Data: echo.Data},
	}
	data, err := reply.Marshal(nil)
	if err != nil {
		return 0, err
	}
	c.replies <- data
	if c.twice {
		c.replies <- data
	}
	return len(b), nil
}

func (c *echoConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()
	select {
	case data := <-c.replies:
		return copy(b, data), nil
	case <-time.After(time.Until(deadline)):
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *echoConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

// closedConn fails every write.
type closedConn struct {
	net.Conn
}

func (closedConn) Write([]byte) (int, error) {
	return 0, net.ErrClosed
}

func newTestPinger(count int) *Pinger {
	p := New("10.0.0.1", model.NewTestLogger())
	p.Count = count
	p.Interval = time.Millisecond
	p.Timeout = 100 * time.Millisecond
	return p
}

func TestRun(t *testing.T) {
	t.Run("every request is answered", func(t *testing.T) {
		p := newTestPinger(3)
		var seqs []int
		p.OnRecv = func(r Reply) { seqs = append(seqs, r.Seq) }
		stats, err := p.Run(context.Background(), newEchoConn())
		require.NoError(t, err)
		require.Equal(t, 3, stats.PacketsSent)
		require.Equal(t, 3, stats.PacketsRecv)
		require.Equal(t, 0, stats.PacketLoss())
		require.Equal(t, []int{0, 1, 2}, seqs)
		require.LessOrEqual(t, stats.MinRtt, stats.AvgRtt)
		require.LessOrEqual(t, stats.AvgRtt, stats.MaxRtt)
	})

	t.Run("a lost reply counts as loss", func(t *testing.T) {
		conn := newEchoConn()
		conn.drop[1] = true
		stats, err := newTestPinger(4).Run(context.Background(), conn)
		require.NoError(t, err)
		require.Equal(t, 4, stats.PacketsSent)
		require.Equal(t, 3, stats.PacketsRecv)
		require.Equal(t, 25, stats.PacketLoss())
	})

	t.Run("duplicates are not counted as replies", func(t *testing.T) {
		conn := newEchoConn()
		conn.twice = true
		stats, err := newTestPinger(2).Run(context.Background(), conn)
		require.NoError(t, err)
		require.Equal(t, 2, stats.PacketsRecv)
		require.GreaterOrEqual(t, stats.Duplicates, 1)
	})

	t.Run("context cancellation stops the run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := newTestPinger(3)
		p.Interval = time.Second
		stats, err := p.Run(ctx, newEchoConn())
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, stats.PacketsSent)
	})

	t.Run("write errors are returned", func(t *testing.T) {
		_, err := newTestPinger(1).Run(context.Background(), closedConn{})
		require.ErrorIs(t, err, errCannotWrite)
	})
}

func TestParseEchoReply(t *testing.T) {
	p := newTestPinger(1)
	now := time.Now()
	marshal := func(typ icmp.Type, data []byte) []byte {
		b, err := (&icmp.Message{Type: typ, Body: &icmp.Echo{Seq: 5, Data: data}}).Marshal(nil)
		require.NoError(t, err)
		return b
	}
	own := append(timeToBytes(now.Add(-10*time.Millisecond)), p.tracker[:]...)
	other := uuid.New()
	foreign := append(timeToBytes(now), other[:]...)

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"our reply", marshal(ipv4.ICMPTypeEchoReply, own), ""},
		{"echo request", marshal(ipv4.ICMPTypeEcho, own), "unexpected"},
		{"foreign tracker", marshal(ipv4.ICMPTypeEchoReply, foreign), "foreign tracker"},
		{"short payload", marshal(ipv4.ICMPTypeEchoReply, []byte{1, 2}), "short echo"},
		{"garbage", []byte{0}, "bad packet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := p.parseEchoReply(tt.data, now)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, errBadPacket)
				require.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 5, reply.Seq)
			require.Equal(t, 10*time.Millisecond, reply.Rtt)
		})
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	require.True(t, now.Equal(bytesToTime(timeToBytes(now))))
}

func TestStatsPrint(t *testing.T) {
	st := &Stats{Target: "10.0.0.1", PacketsSent: 4, PacketsRecv: 2}
	var buf bytes.Buffer
	st.Print(&buf)
	require.True(t, strings.Contains(buf.String(), "4 packets transmitted, 2 received, 50% packet loss"))
	require.Equal(t, 0, (&Stats{}).PacketLoss())
}

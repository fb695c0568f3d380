// Package ping sends ICMP echo requests through a tunnel.
//
// The connection is expected to carry bare ICMP messages, like the
// "ping4" sockets of a userspace network stack. Such sockets rewrite the
// echo identifier, so replies are matched with a tracker carried in the
// payload instead.
package ping

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	timeSliceLength = 8
	trackerLength   = len(uuid.UUID{})

	// protocolICMP is the IANA number of ICMP for IPv4.
	protocolICMP = 1
)

var (
	errCannotWrite = errors.New("cannot write")
	errBadPacket   = errors.New("bad packet")
)

// Reply is a received echo reply.
type Reply struct {
	Seq    int
	Nbytes int
	Rtt    time.Duration
}

// Stats contains the statistics of a run.
type Stats struct {
	Target      string
	PacketsSent int
	PacketsRecv int
	Duplicates  int
	MinRtt      time.Duration
	MaxRtt      time.Duration
	AvgRtt      time.Duration
	StdDevRtt   time.Duration
}

// PacketLoss calculates the ratio of packets lost (per cent).
func (st *Stats) PacketLoss() int {
	if st.PacketsSent == 0 {
		return 0
	}
	ratio := float64(st.PacketsRecv) / float64(st.PacketsSent)
	return int(math.Round((1 - ratio) * 100))
}

// Print outputs statistics similar to the ones produced by the ping command.
func (st *Stats) Print(w io.Writer) {
	fmt.Fprintf(w, "--- %s ping statistics ---\n", st.Target)
	fmt.Fprintf(w, "%d packets transmitted, %d received, %d%% packet loss\n", st.PacketsSent, st.PacketsRecv, st.PacketLoss())
	fmt.Fprintf(w, "rtt min/avg/max/stdev = %v, %v, %v, %v\n", st.MinRtt, st.AvgRtt, st.MaxRtt, st.StdDevRtt)
}

// Pinger sends Count echo requests, one every Interval, and waits up to
// Timeout for each reply.
type Pinger struct {
	// Target is the address we ping; only used in the statistics.
	Target string

	// Count is the number of requests.
	Count int

	// Interval is the wait time between each request.
	Interval time.Duration

	// Timeout bounds the wait for each reply.
	Timeout time.Duration

	// OnRecv, when set, is called for every reply.
	OnRecv func(Reply)

	logger  model.Logger
	tracker uuid.UUID
	id      int

	// stddevm2 accumulates the squared deviations (Welford).
	stddevm2 float64
	inflight map[int]struct{}
	stats    Stats
}

// New returns a [Pinger] for target with the defaults of the ping command.
func New(target string, logger model.Logger) *Pinger {
	tracker := uuid.New()
	return &Pinger{
		Target:   target,
		Count:    3,
		Interval: time.Second,
		Timeout:  2 * time.Second,
		logger:   logger,
		tracker:  tracker,
		id:       int(binary.BigEndian.Uint16(tracker[:2])),
		inflight: make(map[int]struct{}),
		stats:    Stats{Target: target},
	}
}

// Run pings over conn until Count requests are answered or timed out, or
// ctx is done. It does not close conn.
func (p *Pinger) Run(ctx context.Context, conn net.Conn) (*Stats, error) {
	for seq := 0; seq < p.Count; seq++ {
		if seq > 0 {
			select {
			case <-ctx.Done():
				return &p.stats, ctx.Err()
			case <-time.After(p.Interval):
			}
		}
		if err := p.sendOne(conn, seq); err != nil {
			return &p.stats, err
		}
		if err := p.waitReply(ctx, conn, seq); err != nil {
			return &p.stats, err
		}
	}
	return &p.stats, nil
}

func (p *Pinger) sendOne(conn net.Conn, seq int) error {
	data, err := newEchoRequest(seq, p.id, p.tracker, time.Now())
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: %w", errCannotWrite, err)
	}
	p.inflight[seq] = struct{}{}
	p.stats.PacketsSent++
	return nil
}

// waitReply reads until the reply for seq arrives or the timeout expires.
// Late replies to earlier requests are still counted.
func (p *Pinger) waitReply(ctx context.Context, conn net.Conn, seq int) error {
	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				p.logger.Warnf("ping: no reply for seq=%d", seq)
				return ctx.Err()
			}
			return err
		}
		reply, err := p.parseEchoReply(buf[:n], time.Now())
		if err != nil {
			p.logger.Debugf("ping: %s", err.Error())
			continue
		}
		if p.record(reply) && reply.Seq == seq {
			return nil
		}
	}
}

// record updates the statistics and reports whether reply was awaited.
func (p *Pinger) record(reply Reply) bool {
	if _, ok := p.inflight[reply.Seq]; !ok {
		p.stats.Duplicates++
		return false
	}
	delete(p.inflight, reply.Seq)

	st := &p.stats
	st.PacketsRecv++
	if st.PacketsRecv == 1 || reply.Rtt < st.MinRtt {
		st.MinRtt = reply.Rtt
	}
	if reply.Rtt > st.MaxRtt {
		st.MaxRtt = reply.Rtt
	}
	delta := float64(reply.Rtt - st.AvgRtt)
	st.AvgRtt += time.Duration(delta / float64(st.PacketsRecv))
	p.stddevm2 += delta * float64(reply.Rtt-st.AvgRtt)
	st.StdDevRtt = time.Duration(math.Sqrt(p.stddevm2 / float64(st.PacketsRecv)))

	if p.OnRecv != nil {
		p.OnRecv(reply)
	}
	return true
}

func (p *Pinger) parseEchoReply(data []byte, now time.Time) (Reply, error) {
	msg, err := icmp.ParseMessage(protocolICMP, data)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", errBadPacket, err)
	}
	if msg.Type != ipv4.ICMPTypeEchoReply {
		return Reply{}, fmt.Errorf("%w: unexpected %v", errBadPacket, msg.Type)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || len(echo.Data) < timeSliceLength+trackerLength {
		return Reply{}, fmt.Errorf("%w: short echo", errBadPacket)
	}
	var tracker uuid.UUID
	copy(tracker[:], echo.Data[timeSliceLength:])
	if tracker != p.tracker {
		return Reply{}, fmt.Errorf("%w: foreign tracker", errBadPacket)
	}
	sent := bytesToTime(echo.Data[:timeSliceLength])
	return Reply{
		Seq:    echo.Seq,
		Nbytes: len(data),
		Rtt:    now.Sub(sent),
	}, nil
}

// newEchoRequest crafts an ICMP echo request, using gopacket library.
func newEchoRequest(seq, id int, tracker uuid.UUID, now time.Time) ([]byte, error) {
	msg := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       uint16(id),
		Seq:      uint16(seq),
	}
	payload := append(timeToBytes(now), tracker[:]...)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, msg, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// bytesToTime deserializes a timestamp from a byte array.
func bytesToTime(b []byte) time.Time {
	nsec := int64(binary.BigEndian.Uint64(b))
	return time.Unix(nsec/1000000000, nsec%1000000000)
}

// timeToBytes serializes a timestamp to a byte array.
func timeToBytes(t time.Time) []byte {
	b := make([]byte, timeSliceLength)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

package interp

import (
	"time"

	"github.com/kiliankoe/roomsync/internal/pose"
	"github.com/kiliankoe/roomsync/internal/protocol"
)

const (
	DefaultUpdateFrequency = 100 * time.Millisecond
	DefaultPingInterval    = time.Second
)

// Sender delivers messages to the room.
type Sender interface {
	Send(m protocol.Message) error
}

// Replicator sends the local entity's pose on a fixed cadence, skipping
// ticks where the encoded pose has not changed.
type Replicator struct {
	EntityID  string
	Interval  time.Duration
	Precision int

	sender   Sender
	last     string
	lastTick time.Time
}

func NewReplicator(sender Sender, entityID string, interval time.Duration) *Replicator {
	if interval <= 0 {
		interval = DefaultUpdateFrequency
	}
	return &Replicator{EntityID: entityID, Interval: interval, Precision: pose.DefaultPrecision, sender: sender}
}

// Tick reports whether an update went out. The interval is measured from
// the last update sent, so idle ticks do not delay the next one.
func (r *Replicator) Tick(p pose.Pose, now time.Time) (bool, error) {
	if !r.lastTick.IsZero() && now.Sub(r.lastTick) < r.Interval {
		return false, nil
	}
	encoded := pose.Encode(p, r.Precision)
	if encoded == r.last {
		return false, nil
	}
	err := r.sender.Send(protocol.TransformMovementUpdate{EntityID: r.EntityID, Encoded: encoded, Pose: p})
	if err != nil {
		return false, err
	}
	r.last = encoded
	r.lastTick = now
	return true, nil
}

// Pinger measures round trips with PING/PONG and reports them to the room.
type Pinger struct {
	Interval time.Duration

	sender   Sender
	lastTick time.Time
	rtt      time.Duration
}

func NewPinger(sender Sender, interval time.Duration) *Pinger {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	return &Pinger{Interval: interval, sender: sender}
}

func (p *Pinger) Tick(now time.Time) error {
	if !p.lastTick.IsZero() && now.Sub(p.lastTick) < p.Interval {
		return nil
	}
	p.lastTick = now
	return p.sender.Send(protocol.Ping{Timestamp: float64(now.UnixMilli())})
}

// HandlePong forwards the measured round trip as SET_PLAYER_PING.
func (p *Pinger) HandlePong(pong protocol.Pong, now time.Time) error {
	rtt := now.UnixMilli() - int64(pong.Timestamp)
	if rtt < 0 {
		rtt = 0
	}
	p.rtt = time.Duration(rtt) * time.Millisecond
	return p.sender.Send(protocol.SetPlayerPing{Millis: int(rtt)})
}

// RTT is the last measured round trip.
func (p *Pinger) RTT() time.Duration { return p.rtt }

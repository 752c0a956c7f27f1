// Package receiver implements the Receiver agent's duty cycle: poll every
// registered image's UDP socket non-blockingly, insert arriving DATA
// frames into the image's log, track per-image liveness, run the loss
// detector's gap scan and emit NAKs, and periodically emit status
// messages (SM) back to the sender. Grounded on the teacher's
// internal/svc/relay.PullTask duty-cycle shape generalized from one
// inbound connection per task to one per image, and the Agent/Runner
// harness in driver/agent.
package receiver

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	driverclock "mediadriver/internal/driver/clock"
	"mediadriver/internal/driver/image"
	"mediadriver/internal/driver/logbuffer"
	"mediadriver/internal/driver/lossdetector"
	"mediadriver/internal/driver/spscqueue"
	"mediadriver/internal/driver/wireprotocol"
)

const (
	smInterval        = 100 * time.Millisecond
	livenessTimeout   = 5 * time.Second
	lingerTimeout     = 5 * time.Second
	defaultReceiverWindow int32 = 2 * 1024 * 1024
	framesPerCycle    = 64
)

// Endpoint is the Receiver's per-image socket state.
type Endpoint struct {
	Img  *image.Image
	Conn *net.UDPConn

	remoteAddr *net.UDPAddr // learned from the first received packet
	detector   *lossdetector.Detector
	cursor     logbuffer.Cursor
	lastSM     time.Time
}

// NewEndpoint constructs a receive endpoint for a freshly connected image.
func NewEndpoint(img *image.Image, conn *net.UDPConn, clk driverclock.Clock, multicast bool, grtt time.Duration, groupSize int, maxBackoff time.Duration) *Endpoint {
	return &Endpoint{
		Img:      img,
		Conn:     conn,
		detector: lossdetector.NewDetector(clk, multicast, grtt, groupSize, maxBackoff),
	}
}

// RemovalRequest asks the Receiver to tear down one image's endpoint.
type RemovalRequest struct {
	RegistrationID int64
}

// InactiveNotice is pushed back to the Conductor once an image's liveness
// timeout has elapsed and it has begun lingering, so the Conductor can
// remove it from the subscription registry once the linger period ends.
type InactiveNotice struct {
	RegistrationID int64
}

// Receiver is the agent.Agent implementation driving the receive duty
// cycle.
type Receiver struct {
	log   zerolog.Logger
	clock driverclock.Clock

	addQueue      *spscqueue.Queue[*Endpoint]
	removeQueue   *spscqueue.Queue[RemovalRequest]
	inactiveQueue *spscqueue.Queue[InactiveNotice]

	endpoints map[int64]*Endpoint
}

// New constructs a Receiver. addQueue/removeQueue are the Conductor's
// handoff channels for connecting and tearing down images; inactiveQueue
// reports images whose liveness has expired back to the Conductor.
func New(log zerolog.Logger, clk driverclock.Clock, addQueue *spscqueue.Queue[*Endpoint], removeQueue *spscqueue.Queue[RemovalRequest], inactiveQueue *spscqueue.Queue[InactiveNotice]) *Receiver {
	return &Receiver{
		log:           log.With().Str("agent", "receiver").Logger(),
		clock:         clk,
		addQueue:      addQueue,
		removeQueue:   removeQueue,
		inactiveQueue: inactiveQueue,
		endpoints:     make(map[int64]*Endpoint),
	}
}

func (r *Receiver) RoleName() string { return "receiver" }

func (r *Receiver) DoWork() int {
	work := 0
	work += r.addQueue.Drain(framesPerCycle, func(ep *Endpoint) {
		r.endpoints[ep.Img.RegistrationID] = ep
	})
	work += r.removeQueue.Drain(framesPerCycle, func(req RemovalRequest) {
		if ep, ok := r.endpoints[req.RegistrationID]; ok {
			ep.Conn.Close()
			delete(r.endpoints, req.RegistrationID)
		}
	})

	now := r.clock.Now()
	for _, ep := range r.endpoints {
		work += r.pollInbound(ep, now)
		work += r.scanGapsAndNAK(ep)
		work += r.maybeEmitSM(ep, now)
		r.checkLiveness(ep, now)
	}
	return work
}

// pollInbound reads arriving DATA/SETUP frames non-blockingly off the
// image's socket and inserts DATA payloads into the log at their
// (termId, termOffset), which may arrive out of order over UDP.
func (r *Receiver) pollInbound(ep *Endpoint, now time.Time) int {
	handled := 0
	buf := make([]byte, 2048)
	for i := 0; i < framesPerCycle; i++ {
		ep.Conn.SetReadDeadline(time.Unix(0, 1))
		n, addr, err := ep.Conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		ep.remoteAddr = addr
		h, err := wireprotocol.WrapHeader(buf[:n])
		if err != nil {
			continue
		}
		if h.Type() != wireprotocol.TypeData || h.Flags()&wireprotocol.FlagHeartbeat != 0 {
			continue
		}
		df, err := wireprotocol.WrapDataFrame(buf[:n])
		if err != nil {
			continue
		}
		payload := df.Payload(int32(n))
		if err := ep.Img.InsertPacket(h.TermID(), h.TermOffset(), h.Flags(), payload, now); err != nil {
			r.log.Debug().Err(err).Msg("dropping out-of-window packet")
			continue
		}
		handled++
	}
	return handled
}

// scanGapsAndNAK advances the image's contiguous rebuild position as far
// as possible, then reports the single outstanding gap (if any) between
// rebuildPosition and hwmPosition to the loss detector.
func (r *Receiver) scanGapsAndNAK(ep *Endpoint) int {
	delivered := ep.Img.LogBuffer.Scan(&ep.cursor, framesPerCycle, func(h wireprotocol.Header, payload []byte) {
		pos := ep.Img.LogBuffer.Position(ep.cursor.TermID, ep.cursor.TermOffset) + int64(wireprotocol.Align(wireprotocol.HeaderLength+int32(len(payload))))
		ep.Img.AdvanceRebuildPosition(pos)
	})

	var gaps []lossdetector.Gap
	if gap := ep.Img.HWMPosition() - ep.Img.RebuildPosition(); gap > 0 {
		gaps = append(gaps, lossdetector.Gap{
			TermID:     ep.cursor.TermID,
			TermOffset: ep.cursor.TermOffset,
			Length:     int32(gap),
		})
	}

	naked := 0
	ep.detector.ScanGaps(gaps, func(g lossdetector.Gap) {
		if ep.remoteAddr == nil {
			return
		}
		nakBuf := make([]byte, wireprotocol.HeaderLength+8)
		nak, _ := wireprotocol.WrapNAKFrame(nakBuf)
		nak.SetVersion(wireprotocol.Version)
		nak.SetType(wireprotocol.TypeNAK)
		nak.SetSessionID(ep.Img.SessionID)
		nak.SetStreamID(ep.Img.StreamID)
		nak.SetTermID(g.TermID)
		nak.SetTermOffsetStart(g.TermOffset)
		nak.SetLength(g.Length)
		ep.Conn.WriteToUDP(nakBuf, ep.remoteAddr)
		naked++
	})
	return delivered + naked
}

// maybeEmitSM periodically reports consumption progress so the Sender can
// grow its flow-control limit.
func (r *Receiver) maybeEmitSM(ep *Endpoint, now time.Time) int {
	if ep.remoteAddr == nil || now.Sub(ep.lastSM) < smInterval {
		return 0
	}
	smBuf := make([]byte, wireprotocol.SMFrameLength)
	sm, _ := wireprotocol.WrapSMFrame(smBuf)
	sm.SetVersion(wireprotocol.Version)
	sm.SetType(wireprotocol.TypeSM)
	sm.SetSessionID(ep.Img.SessionID)
	sm.SetStreamID(ep.Img.StreamID)
	sm.SetTermID(ep.cursor.TermID)
	sm.SetConsumptionTermID(ep.cursor.TermID)
	sm.SetConsumptionTermOffset(ep.cursor.TermOffset)
	sm.SetReceiverWindow(defaultReceiverWindow)
	ep.Conn.WriteToUDP(smBuf, ep.remoteAddr)
	ep.lastSM = now
	return 1
}

func (r *Receiver) checkLiveness(ep *Endpoint, now time.Time) {
	ep.Img.CheckLiveness(now, livenessTimeout)
	if ep.Img.State() == image.StateInactive {
		ep.Img.BeginLinger(now, lingerTimeout)
		r.inactiveQueue.Offer(InactiveNotice{RegistrationID: ep.Img.RegistrationID})
	}
}

func (r *Receiver) OnClose() {
	for _, ep := range r.endpoints {
		ep.Conn.Close()
	}
}

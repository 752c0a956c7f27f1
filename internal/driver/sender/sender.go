// Package sender implements the Sender agent's duty cycle: for each
// registered publication, scan newly-committed frames out of its log
// buffer and transmit them over UDP up to the flow-control limit, emit
// SETUP frames while no receiver has been observed, emit a HEARTBEAT frame
// every heartbeatInterval (whether or not data was sent in between), and
// service the lower-priority retransmit queue.
// Grounded on the teacher's internal/svc/relay.PushTask duty-cycle shape
// (one outbound connection per task, a single per-cycle send loop) and
// the Agent/Runner harness in driver/agent.
package sender

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	driverclock "mediadriver/internal/driver/clock"
	"mediadriver/internal/driver/flowcontrol"
	"mediadriver/internal/driver/logbuffer"
	"mediadriver/internal/driver/publication"
	"mediadriver/internal/driver/retransmit"
	"mediadriver/internal/driver/spscqueue"
	"mediadriver/internal/driver/wireprotocol"
)

const (
	setupInterval    = 100 * time.Millisecond
	heartbeatInterval = 100 * time.Millisecond
	retransmitLinger = 5 * time.Second
	framesPerCycle   = 64
)

// Endpoint is the Sender's per-publication socket state: everything the
// publication.Publication record itself does not carry because it is
// agent-specific (the socket, the scan cursor, the retransmit queue).
type Endpoint struct {
	Pub  *publication.Publication
	Conn *net.UDPConn

	// DestAddr is where outbound frames are written. Conn is always an
	// unconnected socket (bound, never dialed) so pollInbound can learn
	// the source address of every inbound packet via ReadFromUDP, the
	// only way to tell apart multiple multicast receivers' SM/NAK
	// traffic; a unicast publication just always sees the one address.
	DestAddr *net.UDPAddr

	cursor       logbuffer.Cursor
	retransmit   *retransmit.Queue
	lastSetup    time.Time
	lastHeartbeat time.Time
	sawReceiver  bool
}

// NewEndpoint constructs a send endpoint for a freshly registered
// publication. conn must be an unconnected UDP socket; destAddr is the
// channel's resolved destination (a unicast peer or a multicast group).
func NewEndpoint(pub *publication.Publication, conn *net.UDPConn, destAddr *net.UDPAddr, clk driverclock.Clock) *Endpoint {
	return &Endpoint{
		Pub:        pub,
		Conn:       conn,
		DestAddr:   destAddr,
		retransmit: retransmit.New(clk, retransmitLinger),
	}
}

// RemovalRequest asks the Sender to tear down one publication's endpoint.
type RemovalRequest struct {
	RegistrationID int64
}

// Sender is the agent.Agent implementation driving the send duty cycle.
type Sender struct {
	log   zerolog.Logger
	clock driverclock.Clock

	addQueue    *spscqueue.Queue[*Endpoint]
	removeQueue *spscqueue.Queue[RemovalRequest]

	endpoints map[int64]*Endpoint
}

// New constructs a Sender. addQueue/removeQueue are the Conductor's
// handoff channels for adding and tearing down publications.
func New(log zerolog.Logger, clk driverclock.Clock, addQueue *spscqueue.Queue[*Endpoint], removeQueue *spscqueue.Queue[RemovalRequest]) *Sender {
	return &Sender{
		log:         log.With().Str("agent", "sender").Logger(),
		clock:       clk,
		addQueue:    addQueue,
		removeQueue: removeQueue,
		endpoints:   make(map[int64]*Endpoint),
	}
}

func (s *Sender) RoleName() string { return "sender" }

// DoWork runs one duty-cycle iteration: absorb topology changes, then for
// every publication send as much as flow control allows, service its
// retransmit queue, and emit SETUP/HEARTBEAT frames as needed.
func (s *Sender) DoWork() int {
	work := 0
	work += s.addQueue.Drain(framesPerCycle, func(ep *Endpoint) {
		s.endpoints[ep.Pub.RegistrationID] = ep
	})
	work += s.removeQueue.Drain(framesPerCycle, func(r RemovalRequest) {
		if ep, ok := s.endpoints[r.RegistrationID]; ok {
			ep.Conn.Close()
			delete(s.endpoints, r.RegistrationID)
		}
	})

	now := s.clock.Now()
	for _, ep := range s.endpoints {
		work += s.pollInbound(ep)
		work += s.drainLog(ep, now)
		work += s.serviceRetransmits(ep)
		work += s.maybeEmitSetupOrHeartbeat(ep, now)
	}
	return work
}

// pollInbound services NAK and SM frames arriving from the network on
// this publication's socket. A read deadline in the past makes
// ReadFromUDP non-blocking: a timeout means nothing is pending. Reading
// via ReadFromUDP (rather than a connected socket's Read) captures each
// sender's source address, needed to tell a multicast publication's
// receivers apart in flowcontrol.Multicast's per-receiver bookkeeping.
func (s *Sender) pollInbound(ep *Endpoint) int {
	handled := 0
	buf := make([]byte, 2048)
	for i := 0; i < framesPerCycle; i++ {
		ep.Conn.SetReadDeadline(time.Unix(0, 1))
		n, addr, err := ep.Conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		h, err := wireprotocol.WrapHeader(buf[:n])
		if err != nil {
			continue
		}
		switch h.Type() {
		case wireprotocol.TypeSM:
			sm, err := wireprotocol.WrapSMFrame(buf[:n])
			if err != nil {
				continue
			}
			ep.sawReceiver = true
			receiverAddr := ""
			if addr != nil {
				receiverAddr = addr.String()
			}
			ep.Pub.OnStatusMessage(flowcontrol.StatusMessage{
				ReceiverAddr:        receiverAddr,
				ConsumptionPosition: ep.Pub.LogBuffer.Position(sm.ConsumptionTermID(), sm.ConsumptionTermOffset()),
				ReceiverWindow:      sm.ReceiverWindow(),
			}, s.clock.Now())
			handled++
		case wireprotocol.TypeNAK:
			nak, err := wireprotocol.WrapNAKFrame(buf[:n])
			if err != nil {
				continue
			}
			ep.retransmit.OnNAK(nak.TermID(), nak.TermOffsetStart(), nak.Length())
			handled++
		}
	}
	return handled
}

// drainLog scans newly-committed frames out of the log and forwards the
// exact on-wire bytes, never exceeding the flow-control window.
func (s *Sender) drainLog(ep *Endpoint, now time.Time) int {
	ep.Pub.OnIdle(now)
	sent := 0
	for sent < framesPerCycle {
		window := ep.Pub.AvailableWindow()
		if window <= 0 {
			break
		}
		prev := ep.cursor
		fits := true
		delivered := ep.Pub.LogBuffer.Scan(&ep.cursor, 1, func(h wireprotocol.Header, payload []byte) {
			frameLength := wireprotocol.HeaderLength + int32(len(payload))
			if int64(frameLength) > window {
				fits = false
				return
			}
			ep.Conn.WriteToUDP(h.Frame(frameLength), ep.DestAddr)
			// The cursor still points at this frame's start; the sender
			// position is the end of the frame just sent.
			ep.Pub.SetSenderPosition(ep.Pub.LogBuffer.Position(ep.cursor.TermID, ep.cursor.TermOffset) + int64(wireprotocol.Align(frameLength)))
		})
		if !fits {
			// Leave the unsent frame for a later cycle.
			ep.cursor = prev
			break
		}
		if delivered == 0 {
			break
		}
		sent += delivered
	}
	return sent
}

// serviceRetransmits re-sends each still-pending retransmit entry by
// re-scanning the single frame at its (termId, termOffset) out of the log
// and forwarding it again, at lower priority than drainLog's fresh data
// since it only runs once drainLog's window check has been exhausted for
// this cycle's fresh frames.
func (s *Sender) serviceRetransmits(ep *Endpoint) int {
	return ep.retransmit.Poll(func(e retransmit.Entry) {
		cursor := logbuffer.Cursor{TermID: e.TermID, TermOffset: e.TermOffset}
		ep.Pub.LogBuffer.Scan(&cursor, 1, func(h wireprotocol.Header, payload []byte) {
			frameLength := wireprotocol.HeaderLength + int32(len(payload))
			ep.Conn.WriteToUDP(h.Frame(frameLength), ep.DestAddr)
		})
	})
}

func (s *Sender) maybeEmitSetupOrHeartbeat(ep *Endpoint, now time.Time) int {
	work := 0
	if !ep.sawReceiver && now.Sub(ep.lastSetup) >= setupInterval {
		buf := make([]byte, wireprotocol.SetupFrameLength)
		setup, _ := wireprotocol.WrapSetupFrame(buf)
		setup.SetVersion(wireprotocol.Version)
		setup.SetType(wireprotocol.TypeSetup)
		setup.SetFlags(wireprotocol.FlagSetup)
		setup.SetSessionID(ep.Pub.SessionID)
		setup.SetStreamID(ep.Pub.StreamID)
		setup.SetTermID(ep.Pub.LogBuffer.ActiveTermID())
		setup.SetInitialTermID(ep.Pub.LogBuffer.InitialTermID())
		setup.SetActiveTermID(ep.Pub.LogBuffer.ActiveTermID())
		setup.SetTermLength(ep.Pub.LogBuffer.TermLength())
		setup.SetMTULength(ep.Pub.MTULength)
		ep.Conn.WriteToUDP(buf, ep.DestAddr)
		ep.lastSetup = now
		work++
	}
	if now.Sub(ep.lastHeartbeat) >= heartbeatInterval {
		buf := make([]byte, wireprotocol.HeaderLength)
		h, _ := wireprotocol.WrapHeader(buf)
		h.SetVersion(wireprotocol.Version)
		h.SetType(wireprotocol.TypeData)
		h.SetFlags(wireprotocol.FlagHeartbeat)
		h.SetSessionID(ep.Pub.SessionID)
		h.SetStreamID(ep.Pub.StreamID)
		h.SetTermID(ep.Pub.LogBuffer.ActiveTermID())
		ep.Conn.WriteToUDP(buf, ep.DestAddr)
		ep.lastHeartbeat = now
		work++
	}
	return work
}

func (s *Sender) OnClose() {
	for _, ep := range s.endpoints {
		ep.Conn.Close()
	}
}

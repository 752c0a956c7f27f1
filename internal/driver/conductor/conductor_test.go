package conductor

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mediadriver/internal/driver/broadcast"
	driverclock "mediadriver/internal/driver/clock"
	"mediadriver/internal/driver/controlprotocol"
	"mediadriver/internal/driver/counters"
	"mediadriver/internal/driver/logbuffer"
	"mediadriver/internal/driver/metrics"
	"mediadriver/internal/driver/receiver"
	"mediadriver/internal/driver/ringbuffer"
	"mediadriver/internal/driver/sender"
	"mediadriver/internal/driver/spscqueue"
	"mediadriver/internal/driver/wireprotocol"
)

const testQueueCapacity = 8

// testHarness wires a Conductor to real ring/broadcast/counters instances
// and exposes the raw sender/receiver queues so tests can drain what the
// Conductor offered them, the same way driver.Driver wires things for real.
type testHarness struct {
	cond *Conductor

	toDriver  *ringbuffer.ManyToOne
	toClients *broadcast.Buffer
	counters  *counters.Manager

	senderAddQ    *spscqueue.Queue[*sender.Endpoint]
	senderRemoveQ *spscqueue.Queue[sender.RemovalRequest]

	receiverAddQ      *spscqueue.Queue[*receiver.Endpoint]
	receiverRemoveQ   *spscqueue.Queue[receiver.RemovalRequest]
	receiverInactiveQ *spscqueue.Queue[receiver.InactiveNotice]
}

func newTestHarness(t *testing.T, clk driverclock.Clock) *testHarness {
	t.Helper()
	cm, err := counters.Open(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("counters.Open: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	h := &testHarness{
		toDriver:          ringbuffer.New(4096),
		toClients:         broadcast.New(4096),
		counters:          cm,
		senderAddQ:        spscqueue.New[*sender.Endpoint](testQueueCapacity),
		senderRemoveQ:     spscqueue.New[sender.RemovalRequest](testQueueCapacity),
		receiverAddQ:      spscqueue.New[*receiver.Endpoint](testQueueCapacity),
		receiverRemoveQ:   spscqueue.New[receiver.RemovalRequest](testQueueCapacity),
		receiverInactiveQ: spscqueue.New[receiver.InactiveNotice](testQueueCapacity),
	}

	cfg := Config{
		TermBufferLength: 1024,
		MTULength:        1408,
		ReceiverTimeout:  time.Second,
	}
	h.cond = New(zerolog.Nop(), clk, cfg, h.toDriver, h.toClients, cm, metrics.NewRegistry(),
		h.senderAddQ.Offer, h.senderRemoveQ.Offer,
		h.receiverAddQ.Offer, h.receiverRemoveQ.Offer, h.receiverInactiveQ.Drain,
	)
	return h
}

func (h *testHarness) send(msgType controlprotocol.MsgType, payload []byte) {
	claim, err := h.toDriver.Claim(int32(msgType), int32(len(payload)))
	if err != nil {
		panic(err)
	}
	copy(claim.Payload(), payload)
	claim.Commit()
}

// udpListener opens an ephemeral loopback UDP socket a test can use as a
// reachable destination address for an ADD_PUBLICATION channel.
func udpListener(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleAddPublicationOffersSenderEndpointAndCounters(t *testing.T) {
	h := newTestHarness(t, driverclock.New())
	peer := udpListener(t)

	// Prime the cursor at the buffer's empty tail before anything is
	// published, so the next Poll actually delivers the event instead of
	// just catching up to it.
	cur := &broadcast.Cursor{}
	h.toClients.Poll(cur, 1, func(int32, []byte) {})

	cmd := controlprotocol.AddPublicationCommand{
		CorrelationID: 1,
		StreamID:      7,
		Channel:       "udp://" + peer.LocalAddr().String(),
	}
	h.send(controlprotocol.AddPublication, cmd.Encode())
	h.cond.DoWork()

	ep, ok := h.senderAddQ.Poll()
	if !ok {
		t.Fatalf("expected a sender.Endpoint to be offered after ADD_PUBLICATION")
	}
	if ep == nil {
		t.Fatalf("offered endpoint is nil")
	}

	if len(h.cond.pubCounters) != 1 {
		t.Fatalf("expected 1 publication counter pair, got %d", len(h.cond.pubCounters))
	}
	for _, pair := range h.cond.pubCounters {
		if pair.limit.Get() != 0 {
			t.Fatalf("fresh publication's limit counter = %d, want 0", pair.limit.Get())
		}
	}

	var regID int64
	delivered, _ := h.toClients.Poll(cur, 1, func(msgType int32, payload []byte) {
		if controlprotocol.MsgType(msgType) != controlprotocol.OnNewPublication {
			t.Fatalf("expected OnNewPublication event, got msgType %d", msgType)
		}
		ev, err := controlprotocol.DecodePublicationReadyEvent(payload)
		if err != nil {
			t.Fatalf("DecodePublicationReadyEvent: %v", err)
		}
		regID = ev.RegistrationID
	})
	if delivered != 1 {
		t.Fatalf("expected 1 ON_NEW_PUBLICATION event, got %d", delivered)
	}
	if _, ok := h.cond.pubByReg[regID]; !ok {
		t.Fatalf("registration id %d from the broadcast event is not in pubByReg", regID)
	}
}

func TestHandleAddSubscriptionOffersReceiverEndpoint(t *testing.T) {
	h := newTestHarness(t, driverclock.New())

	cmd := controlprotocol.AddSubscriptionCommand{
		CorrelationID: 2,
		StreamID:      9,
		Channel:       "udp://127.0.0.1:0",
	}
	h.send(controlprotocol.AddSubscription, cmd.Encode())
	h.cond.DoWork()

	ep, ok := h.receiverAddQ.Poll()
	if !ok {
		t.Fatalf("expected a receiver.Endpoint to be offered after ADD_SUBSCRIPTION")
	}
	if ep == nil {
		t.Fatalf("offered endpoint is nil")
	}
	if len(h.cond.imgCounters) != 1 {
		t.Fatalf("expected 1 image counter pair, got %d", len(h.cond.imgCounters))
	}
}

func TestRemovePublicationLingersThenTearsDownAfterExpiry(t *testing.T) {
	mock := driverclock.NewMock()
	h := newTestHarness(t, mock)
	peer := udpListener(t)

	addCmd := controlprotocol.AddPublicationCommand{
		CorrelationID: 1,
		StreamID:      7,
		Channel:       "udp://" + peer.LocalAddr().String(),
	}
	h.send(controlprotocol.AddPublication, addCmd.Encode())
	h.cond.DoWork()

	var regID int64
	for regID = range h.cond.pubByReg {
	}

	removeCmd := controlprotocol.RemovePublicationCommand{CorrelationID: 2, RegistrationID: regID}
	h.send(controlprotocol.RemovePublication, removeCmd.Encode())
	h.cond.DoWork()

	if _, ok := h.cond.lingeringPubs[regID]; !ok {
		t.Fatalf("publication should be lingering immediately after REMOVE_PUBLICATION")
	}
	if _, ok := h.senderRemoveQ.Poll(); ok {
		t.Fatalf("sender should not be told to remove the endpoint before linger expires")
	}

	mock.Add(publicationLinger + time.Second)
	h.cond.DoWork()

	req, ok := h.senderRemoveQ.Poll()
	if !ok {
		t.Fatalf("expected a sender.RemovalRequest once the publication's linger expired")
	}
	if req.RegistrationID != regID {
		t.Fatalf("RemovalRequest.RegistrationID = %d, want %d", req.RegistrationID, regID)
	}
	if _, ok := h.cond.pubByReg[regID]; ok {
		t.Fatalf("publication should be gone from pubByReg after teardown")
	}
	if _, ok := h.cond.pubCounters[regID]; ok {
		t.Fatalf("publication's counter pair should be released after teardown")
	}
}

func TestRefreshCountersMirrorsLivePositions(t *testing.T) {
	h := newTestHarness(t, driverclock.New())
	peer := udpListener(t)

	cmd := controlprotocol.AddPublicationCommand{
		CorrelationID: 1,
		StreamID:      7,
		Channel:       "udp://" + peer.LocalAddr().String(),
	}
	h.send(controlprotocol.AddPublication, cmd.Encode())
	h.cond.DoWork()

	var regID int64
	var pair pubCounterPair
	for regID, pair = range h.cond.pubCounters {
	}

	h2, ok := h.cond.pubByReg[regID]
	if !ok {
		t.Fatalf("missing pubByReg entry for %d", regID)
	}
	pub, ok := h.cond.pubSlab.Get(h2)
	if !ok {
		t.Fatalf("missing publication in slab for %d", regID)
	}
	pub.SetSenderPosition(128)

	h.cond.DoWork()

	if got := pair.senderPos.Get(); got != 128 {
		t.Fatalf("senderPos counter = %d, want 128 after refreshCounters", got)
	}
}

// TestDoWorkCleansDirtyTermsAcrossRotations drives a publication's log
// buffer through enough term rotations to stall on ErrAdminAction, then
// confirms the Conductor's own DoWork cycle (not a manual CleanDirty call)
// is what unsticks it, the way runCleanTermJobs is meant to run every
// cycle alongside expireLingeringResources and refreshGauges.
func TestDoWorkCleansDirtyTermsAcrossRotations(t *testing.T) {
	h := newTestHarness(t, driverclock.New())
	peer := udpListener(t)

	cmd := controlprotocol.AddPublicationCommand{
		CorrelationID: 1,
		StreamID:      7,
		Channel:       "udp://" + peer.LocalAddr().String(),
	}
	h.send(controlprotocol.AddPublication, cmd.Encode())
	h.cond.DoWork()

	var regID int64
	for regID = range h.cond.pubByReg {
	}
	handle, ok := h.cond.pubByReg[regID]
	if !ok {
		t.Fatalf("missing pubByReg entry for %d", regID)
	}
	pub, ok := h.cond.pubSlab.Get(handle)
	if !ok {
		t.Fatalf("missing publication in slab for %d", regID)
	}

	stalled := false
	for i := 0; i < 64 && !stalled; i++ {
		claim, err := pub.LogBuffer.Claim(16)
		if err == logbuffer.ErrAdminAction {
			stalled = true
			break
		}
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		ch := claim.Header()
		ch.SetType(wireprotocol.TypeData)
		ch.SetFlags(wireprotocol.FlagBegin | wireprotocol.FlagEnd)
		ch.SetSessionID(100)
		ch.SetStreamID(7)
		claim.Commit()
	}
	if !stalled {
		t.Fatalf("expected Claim to stall with ErrAdminAction after exhausting all terms")
	}

	h.cond.DoWork()

	if _, err := pub.LogBuffer.Claim(16); err != nil {
		t.Fatalf("Claim after DoWork's CleanDirty job still failing: %v", err)
	}
}

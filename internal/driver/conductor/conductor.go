// Package conductor implements the Conductor agent: the sole owner of
// publication/image/subscription lifecycle, the to-driver command ring
// and to-clients broadcast buffer, the shared-memory counters file, and
// the timer wheel used for client-keepalive expiry (linger deadlines are
// checked directly each cycle). It hands the Sender and Receiver their
// per-publication/per-image endpoints over driver/spscqueue add/remove
// queues so neither agent ever touches the slab directly,
// resolving the cyclic-reference problem design note 9 describes.
// Grounded on nonchalant's internal/core/bus.Registry (keyed create/
// remove-if-empty) for the resource-registry shape, and
// internal/svc/relay/manager.go's StartTasks dispatch-by-kind loop for
// the to-driver command switch.
package conductor

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mediadriver/internal/driver/broadcast"
	driverclock "mediadriver/internal/driver/clock"
	"mediadriver/internal/driver/controlprotocol"
	"mediadriver/internal/driver/counters"
	"mediadriver/internal/driver/flowcontrol"
	"mediadriver/internal/driver/image"
	"mediadriver/internal/driver/logbuffer"
	"mediadriver/internal/driver/metrics"
	"mediadriver/internal/driver/publication"
	"mediadriver/internal/driver/receiver"
	"mediadriver/internal/driver/ringbuffer"
	"mediadriver/internal/driver/sender"
	"mediadriver/internal/driver/slab"
	"mediadriver/internal/driver/subscription"
	"mediadriver/internal/driver/timerwheel"
)

const (
	framesPerCycle        = 128
	publicationLinger     = 5 * time.Second
	clientLivenessTimeout = 10 * time.Second
	tickDuration          = 10 * time.Millisecond
	wheelSlots            = 1024

	// Defaults fed to every image's loss detector. grtt/groupSize only
	// shape the multicast NAK-suppression delay (lossdetector.delay
	// ignores them for unicast images), so one fleet-wide estimate is
	// fine in place of per-channel RTT probing.
	defaultMulticastGRTT       = 10 * time.Millisecond
	defaultMulticastGroupSize  = 8
	defaultMulticastNAKBackoff = 100 * time.Millisecond
)

// Config carries the resolved per-publication/image parameters the
// Conductor needs to materialize new resources, sourced from
// driver/context.Context. Flow-control mode is not configured here: it is
// selected per channel at publication-creation time, multicast for a
// multicast-range destination address and unicast otherwise (see
// flowcontrol.ModeForAddr).
type Config struct {
	TermBufferLength int32
	MTULength        int32
	ReceiverTimeout  time.Duration
}

// Conductor is the agent.Agent implementation driving the control-plane
// duty cycle.
type Conductor struct {
	log   zerolog.Logger
	clock driverclock.Clock
	cfg   Config

	toDriver  *ringbuffer.ManyToOne
	toClients *broadcast.Buffer

	counters *counters.Manager
	metrics  *metrics.Registry

	pubSlab  *slab.Slab[*publication.Publication]
	pubByReg map[int64]slab.Handle

	imgSlab  *slab.Slab[*image.Image]
	imgByReg map[int64]slab.Handle

	subs      *subscription.Registry
	subsByReg map[int64]*subscription.Subscription

	senderAdd    *spscQueueAdapter[*sender.Endpoint]
	senderRemove *spscQueueAdapter[sender.RemovalRequest]

	receiverAdd      *spscQueueAdapter[*receiver.Endpoint]
	receiverRemove   *spscQueueAdapter[receiver.RemovalRequest]
	receiverInactive *spscQueueAdapter[receiver.InactiveNotice]

	wheel        *timerwheel.Wheel
	clientTimers map[int64]*timerwheel.Timer

	lingeringPubs map[int64]*publication.Publication
	lingeringImgs map[int64]*image.Image

	pubCounters map[int64]pubCounterPair
	imgCounters map[int64]imgCounterPair

	nextID atomic.Int64
}

// pubCounterPair mirrors one publication's send-side position counters
// into the shared counters file: limit (the current flow-control
// ceiling) and senderPosition.
type pubCounterPair struct {
	limit     counters.Counter
	senderPos counters.Counter
}

// imgCounterPair mirrors one image's receive-side position counters:
// hwmPosition (highest byte observed) and rebuildPosition (highest
// contiguous byte confirmed, no gaps before it).
type imgCounterPair struct {
	hwm     counters.Counter
	rebuild counters.Counter
}

// spscQueueAdapter narrows a *spscqueue.Queue[T] down to the single
// method each direction needs, so Conductor's field types don't have to
// name the generic queue package directly in three different directions.
type spscQueueAdapter[T any] struct {
	offer func(T) error
	drain func(int, func(T)) int
}

func newOfferAdapter[T any](offer func(T) error) *spscQueueAdapter[T] {
	return &spscQueueAdapter[T]{offer: offer}
}

func newDrainAdapter[T any](drain func(int, func(T)) int) *spscQueueAdapter[T] {
	return &spscQueueAdapter[T]{drain: drain}
}

// New constructs a Conductor. toDriver/toClients are the shared-memory
// command ring and broadcast buffer; the four sender/receiver queue
// functions are the producer sides of the SPSC handoffs the Sender and
// Receiver agents consume.
func New(
	log zerolog.Logger,
	clk driverclock.Clock,
	cfg Config,
	toDriver *ringbuffer.ManyToOne,
	toClients *broadcast.Buffer,
	cm *counters.Manager,
	mr *metrics.Registry,
	senderAddOffer func(*sender.Endpoint) error,
	senderRemoveOffer func(sender.RemovalRequest) error,
	receiverAddOffer func(*receiver.Endpoint) error,
	receiverRemoveOffer func(receiver.RemovalRequest) error,
	receiverInactiveDrain func(int, func(receiver.InactiveNotice)) int,
) *Conductor {
	return &Conductor{
		log:              log.With().Str("agent", "conductor").Logger(),
		clock:            clk,
		cfg:              cfg,
		toDriver:         toDriver,
		toClients:        toClients,
		counters:         cm,
		metrics:          mr,
		pubSlab:          slab.New[*publication.Publication](),
		pubByReg:         make(map[int64]slab.Handle),
		imgSlab:          slab.New[*image.Image](),
		imgByReg:         make(map[int64]slab.Handle),
		subs:             subscription.NewRegistry(),
		subsByReg:        make(map[int64]*subscription.Subscription),
		senderAdd:        newOfferAdapter(senderAddOffer),
		senderRemove:     newOfferAdapter(senderRemoveOffer),
		receiverAdd:      newOfferAdapter(receiverAddOffer),
		receiverRemove:   newOfferAdapter(receiverRemoveOffer),
		receiverInactive: newDrainAdapter(receiverInactiveDrain),
		wheel:            timerwheel.New(clk, tickDuration, wheelSlots),
		clientTimers:     make(map[int64]*timerwheel.Timer),
		lingeringPubs:    make(map[int64]*publication.Publication),
		lingeringImgs:    make(map[int64]*image.Image),
		pubCounters:      make(map[int64]pubCounterPair),
		imgCounters:      make(map[int64]imgCounterPair),
	}
}

func (c *Conductor) RoleName() string { return "conductor" }

func (c *Conductor) DoWork() int {
	work := 0
	work += c.toDriver.Read(framesPerCycle, c.dispatchCommand)
	work += c.receiverInactive.drain(framesPerCycle, c.onImageInactive)
	work += c.wheel.Poll()
	work += c.expireLingeringResources()
	work += c.runCleanTermJobs()
	c.refreshGauges()
	c.refreshCounters()
	return work
}

func (c *Conductor) OnClose() {}

func (c *Conductor) id() int64 { return c.nextID.Add(1) }

func (c *Conductor) dispatchCommand(msgTypeID int32, payload []byte) {
	switch controlprotocol.MsgType(msgTypeID) {
	case controlprotocol.AddPublication:
		cmd, err := controlprotocol.DecodeAddPublicationCommand(payload)
		if err != nil {
			c.log.Error().Err(err).Msg("malformed ADD_PUBLICATION")
			return
		}
		c.handleAddPublication(cmd)
	case controlprotocol.RemovePublication:
		cmd, err := controlprotocol.DecodeRemovePublicationCommand(payload)
		if err != nil {
			c.log.Error().Err(err).Msg("malformed REMOVE_PUBLICATION")
			return
		}
		c.handleRemovePublication(cmd)
	case controlprotocol.AddSubscription:
		cmd, err := controlprotocol.DecodeAddSubscriptionCommand(payload)
		if err != nil {
			c.log.Error().Err(err).Msg("malformed ADD_SUBSCRIPTION")
			return
		}
		c.handleAddSubscription(cmd)
	case controlprotocol.RemoveSubscription:
		cmd, err := controlprotocol.DecodeRemoveSubscriptionCommand(payload)
		if err != nil {
			c.log.Error().Err(err).Msg("malformed REMOVE_SUBSCRIPTION")
			return
		}
		c.handleRemoveSubscription(cmd)
	case controlprotocol.ClientKeepalive:
		cmd, err := controlprotocol.DecodeClientKeepaliveCommand(payload)
		if err != nil {
			c.log.Error().Err(err).Msg("malformed CLIENT_KEEPALIVE")
			return
		}
		c.handleClientKeepalive(cmd)
	default:
		c.log.Warn().Int32("msgType", msgTypeID).Msg("unrecognized to-driver command")
	}
}

func parseChannel(channel string) (*net.UDPAddr, error) {
	hostPort := strings.TrimPrefix(channel, "udp://")
	return net.ResolveUDPAddr("udp", hostPort)
}

func (c *Conductor) publishError(correlationID int64, code controlprotocol.ErrorCode, message string) {
	c.toClients.Publish(int32(controlprotocol.ErrorResponse), controlprotocol.ErrorResponseEvent{
		OffendingCorrelationID: correlationID,
		Code:                   code,
		Message:                message,
	}.Encode())
}

func (c *Conductor) publishSuccess(correlationID int64) {
	c.toClients.Publish(int32(controlprotocol.OperationSucceeded), controlprotocol.OperationSucceededEvent{
		CorrelationID: correlationID,
	}.Encode())
}

func (c *Conductor) handleAddPublication(cmd controlprotocol.AddPublicationCommand) {
	addr, err := parseChannel(cmd.Channel)
	if err != nil {
		c.publishError(cmd.CorrelationID, controlprotocol.InvalidDestinationInPublication, err.Error())
		return
	}
	// Conn is deliberately unconnected (bound, not dialed): sender.Endpoint
	// writes to addr explicitly via WriteToUDP and reads inbound SM/NAK
	// traffic via ReadFromUDP so it can learn the source address of each
	// packet, required for a multicast publication's several receivers.
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		c.publishError(cmd.CorrelationID, controlprotocol.GenericErrorMessage, err.Error())
		return
	}

	sessionID := int32(c.id())
	registrationID := c.id()
	lb := logbuffer.New(c.cfg.TermBufferLength, 1)
	fc := flowcontrol.New(flowcontrol.ModeForAddr(addr), c.cfg.ReceiverTimeout)
	pub := publication.New(registrationID, cmd.Channel, sessionID, cmd.StreamID, c.cfg.MTULength, lb, fc)

	h := c.pubSlab.Insert(pub)
	c.pubByReg[registrationID] = h

	if err := c.senderAdd.offer(sender.NewEndpoint(pub, conn, addr, c.clock)); err != nil {
		c.log.Error().Err(err).Msg("sender add queue full, dropping publication")
	}

	if c.counters != nil {
		limitCtr, errLimit := c.counters.Allocate(fmt.Sprintf("pub-limit.%d", registrationID))
		posCtr, errPos := c.counters.Allocate(fmt.Sprintf("snd-pos.%d", registrationID))
		if errLimit == nil && errPos == nil {
			c.pubCounters[registrationID] = pubCounterPair{limit: limitCtr, senderPos: posCtr}
		}
	}
	if c.metrics != nil {
		c.metrics.PublicationsTotal.Inc()
	}

	c.toClients.Publish(int32(controlprotocol.OnNewPublication), controlprotocol.PublicationReadyEvent{
		CorrelationID:  cmd.CorrelationID,
		RegistrationID: registrationID,
		SessionID:      sessionID,
		StreamID:       cmd.StreamID,
		LogFileName:    fmt.Sprintf("%s-%d.logbuffer", sanitize(cmd.Channel), registrationID),
	}.Encode())
}

func (c *Conductor) handleRemovePublication(cmd controlprotocol.RemovePublicationCommand) {
	h, ok := c.pubByReg[cmd.RegistrationID]
	if !ok {
		c.publishError(cmd.CorrelationID, controlprotocol.PublicationChannelUnknown, "unknown publication registration")
		return
	}
	pub, ok := c.pubSlab.Get(h)
	if !ok {
		c.publishError(cmd.CorrelationID, controlprotocol.PublicationChannelUnknown, "stale publication handle")
		return
	}
	if pub.DecRef() <= 0 {
		pub.BeginLinger(c.clock.Now(), publicationLinger)
		c.lingeringPubs[cmd.RegistrationID] = pub
	}
	c.publishSuccess(cmd.CorrelationID)
}

func (c *Conductor) handleAddSubscription(cmd controlprotocol.AddSubscriptionCommand) {
	addr, err := parseChannel(cmd.Channel)
	if err != nil {
		c.publishError(cmd.CorrelationID, controlprotocol.InvalidDestinationInPublication, err.Error())
		return
	}
	multicast := addr.IP.IsMulticast()
	var conn *net.UDPConn
	if multicast {
		conn, err = net.ListenMulticastUDP("udp", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		c.publishError(cmd.CorrelationID, controlprotocol.GenericErrorMessage, err.Error())
		return
	}

	sub, _ := c.subs.GetOrCreate(c.id(), cmd.Channel, cmd.StreamID)
	c.subsByReg[sub.RegistrationID] = sub

	sessionID := int32(c.id())
	registrationID := c.id()
	lb := logbuffer.New(c.cfg.TermBufferLength, 1)
	img := image.New(registrationID, cmd.Channel, addr.String(), sessionID, cmd.StreamID, lb, c.clock.Now())

	sub.AddImage(img)
	ih := c.imgSlab.Insert(img)
	c.imgByReg[registrationID] = ih

	ep := receiver.NewEndpoint(img, conn, c.clock, multicast,
		defaultMulticastGRTT, defaultMulticastGroupSize, defaultMulticastNAKBackoff)
	if err := c.receiverAdd.offer(ep); err != nil {
		c.log.Error().Err(err).Msg("receiver add queue full, dropping image")
	}

	if c.counters != nil {
		hwmCtr, errHWM := c.counters.Allocate(fmt.Sprintf("rcv-hwm.%d", registrationID))
		rebuildCtr, errRebuild := c.counters.Allocate(fmt.Sprintf("rcv-pos.%d", registrationID))
		if errHWM == nil && errRebuild == nil {
			c.imgCounters[registrationID] = imgCounterPair{hwm: hwmCtr, rebuild: rebuildCtr}
		}
	}
	if c.metrics != nil {
		c.metrics.ImagesTotal.Inc()
	}

	c.toClients.Publish(int32(controlprotocol.OnNewConnectedSubscription), controlprotocol.ConnectedSubscriptionEvent{
		CorrelationID:              cmd.CorrelationID,
		SubscriptionRegistrationID: sub.RegistrationID,
		SessionID:                  sessionID,
		StreamID:                   cmd.StreamID,
		LogFileName:                fmt.Sprintf("%s-%d.logbuffer", sanitize(cmd.Channel), registrationID),
	}.Encode())
}

func (c *Conductor) handleRemoveSubscription(cmd controlprotocol.RemoveSubscriptionCommand) {
	sub, ok := c.subsByReg[cmd.RegistrationID]
	if !ok {
		c.publishError(cmd.CorrelationID, controlprotocol.PublicationChannelUnknown, "unknown subscription registration")
		return
	}
	for _, img := range sub.Images() {
		if err := c.receiverRemove.offer(receiver.RemovalRequest{RegistrationID: img.RegistrationID}); err != nil {
			c.log.Error().Err(err).Msg("receiver remove queue full")
		}
		sub.RemoveImage(img.RegistrationID)
		if ih, ok := c.imgByReg[img.RegistrationID]; ok {
			c.imgSlab.Remove(ih)
			delete(c.imgByReg, img.RegistrationID)
		}
	}
	c.subs.RemoveIfEmpty(sub.Channel, sub.StreamID)
	delete(c.subsByReg, cmd.RegistrationID)
	c.publishSuccess(cmd.CorrelationID)
}

func (c *Conductor) handleClientKeepalive(cmd controlprotocol.ClientKeepaliveCommand) {
	if t, ok := c.clientTimers[cmd.ClientID]; ok {
		c.wheel.Cancel(t)
	}
	clientID := cmd.ClientID
	c.clientTimers[clientID] = c.wheel.Schedule(clientLivenessTimeout, func(now time.Time) {
		// No per-client resource attribution is modeled: the control
		// protocol's AddPublication/AddSubscription commands carry no
		// client id (client-side proxy correlation is the boundary of
		// core per spec.md 4.6), so an expired client only loses its
		// liveness registration here, not a cascade of torn-down
		// resources.
		c.log.Warn().Int64("client", clientID).Msg("client keepalive expired")
		delete(c.clientTimers, clientID)
	})
}

func (c *Conductor) onImageInactive(notice receiver.InactiveNotice) {
	ih, ok := c.imgByReg[notice.RegistrationID]
	if !ok {
		return
	}
	img, ok := c.imgSlab.Get(ih)
	if !ok {
		return
	}
	c.lingeringImgs[notice.RegistrationID] = img
}

// expireLingeringResources finalizes teardown for publications and images
// whose linger period has elapsed, tearing down their agent-side
// endpoints and removing them from the Conductor's resource tables.
func (c *Conductor) expireLingeringResources() int {
	now := c.clock.Now()
	work := 0
	for regID, pub := range c.lingeringPubs {
		if !pub.LingerExpired(now) {
			continue
		}
		if err := c.senderRemove.offer(sender.RemovalRequest{RegistrationID: regID}); err != nil {
			c.log.Error().Err(err).Msg("sender remove queue full")
		}
		if h, ok := c.pubByReg[regID]; ok {
			c.pubSlab.Remove(h)
			delete(c.pubByReg, regID)
		}
		delete(c.lingeringPubs, regID)
		delete(c.pubCounters, regID)
		work++
	}
	for regID, img := range c.lingeringImgs {
		if !img.LingerExpired(now) {
			continue
		}
		img.MarkDeleted()
		if err := c.receiverRemove.offer(receiver.RemovalRequest{RegistrationID: regID}); err != nil {
			c.log.Error().Err(err).Msg("receiver remove queue full")
		}
		if sub := c.findOwningSubscription(img); sub != nil {
			sub.RemoveImage(regID)
		}
		if h, ok := c.imgByReg[regID]; ok {
			c.imgSlab.Remove(h)
			delete(c.imgByReg, regID)
		}
		delete(c.lingeringImgs, regID)
		delete(c.imgCounters, regID)
		work++
	}
	return work
}

// runCleanTermJobs zero-fills any DIRTY term behind every live
// publication's and image's log buffer, the background job LogBuffer's
// rotation relies on: Claim refuses to rotate into a term that is still
// DIRTY, so without this running every cycle a publication permanently
// stalls once both of its initially-clean terms have been used.
func (c *Conductor) runCleanTermJobs() int {
	work := 0
	c.pubSlab.Each(func(_ slab.Handle, pub *publication.Publication) {
		if pub.LogBuffer.CleanDirty() {
			work++
		}
	})
	c.imgSlab.Each(func(_ slab.Handle, img *image.Image) {
		if img.LogBuffer.CleanDirty() {
			work++
		}
	})
	return work
}

func (c *Conductor) findOwningSubscription(img *image.Image) *subscription.Subscription {
	return c.subs.Get(img.Channel, img.StreamID)
}

func (c *Conductor) refreshGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.ActivePublications.Set(float64(c.pubSlab.Len()))
	c.metrics.ActiveImages.Set(float64(c.imgSlab.Len()))
}

// refreshCounters mirrors each live publication's/image's position fields
// into the shared-memory counters file once per cycle, the bridge between
// the raw positions the Sender/Receiver track and anything mmapping the
// counters file for introspection.
func (c *Conductor) refreshCounters() {
	if c.counters == nil {
		return
	}
	for regID, pair := range c.pubCounters {
		h, ok := c.pubByReg[regID]
		if !ok {
			delete(c.pubCounters, regID)
			continue
		}
		pub, ok := c.pubSlab.Get(h)
		if !ok {
			delete(c.pubCounters, regID)
			continue
		}
		pair.limit.Set(pub.Limit())
		pair.senderPos.Set(pub.SenderPosition())
	}
	for regID, pair := range c.imgCounters {
		h, ok := c.imgByReg[regID]
		if !ok {
			delete(c.imgCounters, regID)
			continue
		}
		img, ok := c.imgSlab.Get(h)
		if !ok {
			delete(c.imgCounters, regID)
			continue
		}
		pair.hwm.Set(img.HWMPosition())
		pair.rebuild.Set(img.RebuildPosition())
	}
}

func sanitize(channel string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(channel)
}

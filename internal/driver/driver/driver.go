// Package driver wires the three agents (Conductor, Sender, Receiver)
// plus the metrics/health HTTP server into a single running process.
// Grounded on the teacher's internal/svc/relay.Manager (StartTasks/Stop
// coordinating a set of Task goroutines) and main.go's top-level wiring.
package driver

import (
	"errors"
	"fmt"
	"math/bits"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"mediadriver/internal/driver/agent"
	"mediadriver/internal/driver/broadcast"
	driverclock "mediadriver/internal/driver/clock"
	"mediadriver/internal/driver/conductor"
	drivercontext "mediadriver/internal/driver/context"
	"mediadriver/internal/driver/counters"
	"mediadriver/internal/driver/idlestrategy"
	"mediadriver/internal/driver/metrics"
	"mediadriver/internal/driver/receiver"
	"mediadriver/internal/driver/ringbuffer"
	"mediadriver/internal/driver/sender"
	"mediadriver/internal/driver/spscqueue"
)

const endpointQueueCapacity = 256

// defaultFlowControlReceiverTimeout is how long a flow-control strategy
// (unicast or multicast) waits without a fresh status message from a
// receiver before treating it as gone; with no receiver left the limit
// falls back to senderPosition (send nothing).
const defaultFlowControlReceiverTimeout = 5 * time.Second

// ringCapacity returns the largest power of two not above size.
// ringbuffer.New and broadcast.New need a power-of-two capacity and keep
// their head/tail counters in Go fields rather than in a trailer, so the
// trailer allowance in the configured sizes is not part of the ring.
func ringCapacity(size int64) int32 {
	return int32(1) << (bits.Len64(uint64(size)) - 1)
}

// Driver owns every agent runner and the ambient metrics server, and is
// the unit Start/Stop is called on from cmd/mediadriver.
type Driver struct {
	log zerolog.Logger

	conductorRunner *agent.Runner
	senderRunner    *agent.Runner
	receiverRunner  *agent.Runner

	metricsServer *metrics.Server
	countersMgr   *counters.Manager

	runDir string
}

// New resolves ctx, materializes the shared-memory buffers and counters
// file under its run directory, and wires the three agents together.
// metricsAddr is the bind address for /metrics and /healthz; an empty
// string disables the metrics server.
func New(log zerolog.Logger, ctx *drivercontext.Context, metricsAddr string) (*Driver, error) {
	runDir, err := ctx.Conclude()
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}

	clk := driverclock.New()

	toDriver := ringbuffer.New(ringCapacity(ctx.ConductorBufferSize))
	toClients := broadcast.New(ringCapacity(ctx.ClientsBufferSize))

	cm, err := counters.Open(runDir+"/counters", int32(ctx.CountersSize/8))
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}

	mreg := metrics.NewRegistry()

	senderAddQ := spscqueue.New[*sender.Endpoint](endpointQueueCapacity)
	senderRemoveQ := spscqueue.New[sender.RemovalRequest](endpointQueueCapacity)
	receiverAddQ := spscqueue.New[*receiver.Endpoint](endpointQueueCapacity)
	receiverRemoveQ := spscqueue.New[receiver.RemovalRequest](endpointQueueCapacity)
	receiverInactiveQ := spscqueue.New[receiver.InactiveNotice](endpointQueueCapacity)

	cfg := conductor.Config{
		TermBufferLength: int32(ctx.TermBufferLength),
		MTULength:        int32(ctx.MTULength),
		ReceiverTimeout:  defaultFlowControlReceiverTimeout,
	}

	cond := conductor.New(log, clk, cfg, toDriver, toClients, cm, mreg,
		senderAddQ.Offer, senderRemoveQ.Offer,
		receiverAddQ.Offer, receiverRemoveQ.Offer, receiverInactiveQ.Drain,
	)
	snd := sender.New(log, clk, senderAddQ, senderRemoveQ)
	rcv := receiver.New(log, clk, receiverAddQ, receiverRemoveQ, receiverInactiveQ)

	d := &Driver{
		log:             log,
		conductorRunner: agent.NewRunner(cond, idlestrategy.NewBackoff(parkPeriod)),
		senderRunner:    agent.NewRunner(snd, idlestrategy.NewBackoff(parkPeriod)),
		receiverRunner:  agent.NewRunner(rcv, idlestrategy.NewBackoff(parkPeriod)),
		countersMgr:     cm,
		runDir:          runDir,
	}
	if metricsAddr != "" {
		d.metricsServer = metrics.NewServer(metricsAddr, mreg)
	}
	return d, nil
}

const parkPeriod = time.Millisecond

// Start launches all three agents and the metrics server (if configured).
func (d *Driver) Start() {
	d.conductorRunner.Start()
	d.senderRunner.Start()
	d.receiverRunner.Start()
	if d.metricsServer != nil {
		go func() {
			if err := d.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}
}

// Stop blocks until every agent has drained its duty cycle and released
// its resources.
func (d *Driver) Stop() {
	d.receiverRunner.Stop()
	d.senderRunner.Stop()
	d.conductorRunner.Stop()
	if d.metricsServer != nil {
		d.metricsServer.Shutdown()
	}
	if d.countersMgr != nil {
		d.countersMgr.Close()
	}
}

// RunDir returns the shared-memory directory this run materialized its
// buffers and counters under.
func (d *Driver) RunDir() string { return d.runDir }

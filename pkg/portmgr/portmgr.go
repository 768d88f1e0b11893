// Package portmgr implements the Port Manager (spec §4.1): a
// supervised pipeline owning one serial port, driving a reconnection
// loop, a device-identification handshake, a bounded single-consumer
// request queue and a quiescence-based response framer.
//
// The design-level "single logical executor" (§5) is implemented here
// as one actor goroutine per Port Manager that owns all mutable state
// (queue, rxBuffer, status, deviceId, timers) with no locking in its
// own logic; callers only ever reach it through channels. A small
// mutex-guarded mirror exists solely so Status/DeviceID/Stats can be
// read from any goroutine, matching §5's "exposed futures may be
// awaited from any thread."
package portmgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commatea/serialfleet/pkg/ferrors"
	"github.com/commatea/serialfleet/pkg/logger"
	"github.com/commatea/serialfleet/pkg/metrics"
	"github.com/commatea/serialfleet/pkg/policy"
	"github.com/commatea/serialfleet/pkg/portscan"
	"github.com/commatea/serialfleet/pkg/serialio"
)

const (
	reconnectDelay = 2 * time.Second
	initDelay      = 2 * time.Second
)

// Result is what a Submit call eventually receives.
type Result struct {
	Data []byte
	Err  error
}

type submission struct {
	requestID       string
	command         []byte
	timeout         time.Duration
	isProbe         bool
	captureDeviceID string
	resultCh        chan Result
}

type submitRequest struct {
	command []byte
	timeout time.Duration
	ackCh   chan submitAck
}

type submitAck struct {
	resultCh chan Result
	err      error
}

type transportEventKind int

const (
	tevData transportEventKind = iota
	tevError
	tevDisconnect
	tevClose
)

type transportEvent struct {
	kind transportEventKind
	data []byte
	err  error
}

// transportBridge adapts serialio.EventHandler callbacks (invoked on
// the transport's own reader goroutine) into messages the actor
// goroutine can safely fold into its state.
type transportBridge struct {
	ch chan transportEvent
}

func (b transportBridge) OnOpen() {}

func (b transportBridge) OnData(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.ch <- transportEvent{kind: tevData, data: cp}
}

func (b transportBridge) OnError(err error) {
	b.ch <- transportEvent{kind: tevError, err: err}
}

func (b transportBridge) OnDisconnect() {
	b.ch <- transportEvent{kind: tevDisconnect}
}

func (b transportBridge) OnClose() {
	b.ch <- transportEvent{kind: tevClose}
}

var _ serialio.EventHandler = transportBridge{}

// Deps are the external collaborators a Port Manager needs (§6):
// a Port Enumerator, an Option Policy, and a Serial Transport factory.
type Deps struct {
	Scanner portscan.Scanner
	Policy  policy.OptionPolicy
	Factory serialio.Factory
	Logger  *logger.Logger
	Handler EventHandler
	Clock   Clock
}

type publicState struct {
	mu       sync.Mutex
	status   Status
	deviceID string
	stats    Stats
}

// PortManager owns one serial port path for the lifetime of the process.
type PortManager struct {
	path    string
	scanner portscan.Scanner
	policy  policy.OptionPolicy
	factory serialio.Factory
	log     *logger.Logger
	handler EventHandler
	clock   Clock

	submitCh      chan submitRequest
	transportEvCh chan transportEvent
	closeCh       chan struct{}
	closeOnce     sync.Once
	doneCh        chan struct{}

	state publicState
}

// New builds a Port Manager for portPath. Call Start to begin its
// reconnect loop.
func New(portPath string, deps Deps) *PortManager {
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	pm := &PortManager{
		path:          portPath,
		scanner:       deps.Scanner,
		policy:        deps.Policy,
		factory:       deps.Factory,
		log:           deps.Logger,
		handler:       deps.Handler,
		clock:         clock,
		submitCh:      make(chan submitRequest),
		transportEvCh: make(chan transportEvent, 32),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	pm.state.status = StatusNotFound
	return pm
}

// Path returns the port path this manager owns.
func (pm *PortManager) Path() string { return pm.path }

// Start launches the actor goroutine. Start must be called once.
func (pm *PortManager) Start() {
	go pm.run()
}

// Close stops the reconnect loop, closes any open transport and fails
// every queued request. Close is idempotent and safe to call from any
// goroutine.
func (pm *PortManager) Close() {
	pm.closeOnce.Do(func() { close(pm.closeCh) })
	<-pm.doneCh
}

// Status returns the current status code.
func (pm *PortManager) Status() Status {
	pm.state.mu.Lock()
	defer pm.state.mu.Unlock()
	return pm.state.status
}

// DeviceID returns the last identified device identity, or "" if none.
func (pm *PortManager) DeviceID() string {
	pm.state.mu.Lock()
	defer pm.state.mu.Unlock()
	return pm.state.deviceID
}

// Stats returns a snapshot of this port's counters.
func (pm *PortManager) Stats() Stats {
	pm.state.mu.Lock()
	defer pm.state.mu.Unlock()
	return pm.state.stats
}

// Submit enqueues command and blocks until it resolves, fails, or ctx
// is done. A zero timeout uses the port's configured
// serialResponseTimeout. There is no way to cancel a request once it
// is admitted (§5); ctx only bounds how long the caller waits for it.
func (pm *PortManager) Submit(ctx context.Context, command []byte, timeout time.Duration) ([]byte, error) {
	ack := make(chan submitAck, 1)
	req := submitRequest{command: command, timeout: timeout, ackCh: ack}

	select {
	case pm.submitCh <- req:
	case <-pm.doneCh:
		return nil, ferrors.New(ferrors.ErrNotReady, pm.path, "", errors.New("port manager closed"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var a submitAck
	select {
	case a = <-ack:
	case <-pm.doneCh:
		return nil, ferrors.New(ferrors.ErrNotReady, pm.path, "", errors.New("port manager closed"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if a.err != nil {
		return nil, a.err
	}

	select {
	case res := <-a.resultCh:
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pm.doneCh:
		return nil, ferrors.New(ferrors.ErrNotReady, pm.path, "", errors.New("port manager closed"))
	}
}

// run is the single actor goroutine. No other goroutine ever touches
// the variables declared in its body.
func (pm *PortManager) run() {
	defer close(pm.doneCh)

	var (
		transport serialio.Transport
		cfg       *policy.PortConfig
		queue     []*submission
		current   *submission
		rxBuffer  []byte
		rxMark    int

		reconnectC  <-chan time.Time
		initC       <-chan time.Time
		quiescenceC <-chan time.Time
	)

	bridge := transportBridge{ch: pm.transportEvCh}
	reconnectC = pm.clock.After(0)

	closeTransport := func() {
		if transport != nil {
			transport.Close()
			pm.emit(Event{Kind: EventClose})
		}
		transport = nil
		cfg = nil
		initC = nil
		quiescenceC = nil
	}

	failCurrent := func(kind error) {
		if current == nil {
			return
		}
		pm.reject(current, kind)
		current = nil
	}

	abort := func(next Status) {
		pm.transitionStatus(next)
		failCurrent(ferrors.ErrWriteFailed)
		// Anything still queued was never dispatched, and whatever
		// reconnects on this path may not be the same device - let
		// the caller retry against whatever identifies itself next
		// rather than silently handing its command to a stranger.
		for _, s := range queue {
			pm.reject(s, ferrors.ErrStaleIdentity)
		}
		queue = queue[:0]
		metrics.SetQueueDepth(pm.path, 0)
		rxBuffer = rxBuffer[:0]
		pm.transitionStatus(StatusClosed)
		closeTransport()
		reconnectC = pm.clock.After(reconnectDelay)
	}

	tryOpen := func() {
		metrics.IncReconnect(pm.path)
		pm.state.mu.Lock()
		pm.state.stats.Reconnects++
		pm.state.mu.Unlock()

		infos, err := pm.scanner.List()
		var info policy.PortInfo
		found := false
		if err == nil {
			for _, pi := range infos {
				if pi.Path == pm.path {
					info, found = pi, true
					break
				}
			}
		}
		if !found {
			pm.transitionStatus(StatusNotFound)
			reconnectC = pm.clock.After(reconnectDelay)
			return
		}

		newCfg, perr := pm.policy(info)
		if perr != nil || newCfg == nil {
			if pm.log != nil {
				pm.log.WithPort(pm.path).Debug("option policy declined port on reconnect")
			}
			reconnectC = pm.clock.After(reconnectDelay)
			return
		}
		applied := newCfg.WithDefaults()
		if verr := applied.Validate(); verr != nil {
			if pm.log != nil {
				pm.log.WithPort(pm.path).Warn("invalid port config from policy", "error", verr)
			}
			reconnectC = pm.clock.After(reconnectDelay)
			return
		}

		t := pm.factory.New()
		t.SetEventHandler(bridge)
		if oerr := t.Open(pm.path, serialio.Mode{BaudRate: applied.BaudRate}); oerr != nil {
			pm.transitionStatus(StatusError)
			pm.emit(Event{Kind: EventError, Err: oerr})
			reconnectC = pm.clock.After(reconnectDelay)
			return
		}

		transport = t
		cfg = &applied
		pm.state.mu.Lock()
		pm.state.stats.OpenedAt = pm.clock.Now()
		pm.state.mu.Unlock()

		pm.transitionStatus(StatusOpen)
		pm.emit(Event{Kind: EventOpen})
		initC = pm.clock.After(initDelay)
	}

	startIdentify := func() {
		pm.transitionStatus(StatusIdentifying)
		probe := &submission{command: cfg.GetIDCommand, timeout: cfg.SerialResponseTimeout, isProbe: true}
		queue = append([]*submission{probe}, queue...)
	}

	identifyFailed := func() {
		metrics.IncIdentificationFailure(pm.path)
		pm.state.mu.Lock()
		pm.state.stats.IdentifyFailures++
		pm.state.mu.Unlock()
		pm.transitionStatus(StatusInitFailed)
		initC = pm.clock.After(initDelay)
	}

	resolveIdentify := func(data []byte) {
		if len(data) == 0 {
			identifyFailed()
			return
		}
		parsed, perr := cfg.GetIDResponseParser(data)
		if perr != nil || parsed == "" {
			identifyFailed()
			return
		}
		if cfg.CheckResponse != nil && !cfg.CheckResponse(data) {
			identifyFailed()
			return
		}

		prevID := pm.DeviceID()
		switch {
		case prevID == "":
			pm.setDeviceID(parsed)
			pm.transitionStatus(StatusReady)
			pm.emit(Event{Kind: EventReady, DeviceID: parsed})
		case prevID == parsed:
			pm.transitionStatus(StatusReady)
			pm.emit(Event{Kind: EventReinitialized, DeviceID: parsed})
		default:
			pm.setDeviceID(parsed)
			pm.transitionStatus(StatusReady)
			pm.emit(Event{Kind: EventIdChange, DeviceID: parsed})
		}
	}

	var tryAdvance func()
	tryAdvance = func() {
		if current != nil || transport == nil {
			return
		}
		for len(queue) > 0 {
			head := queue[0]
			if !head.isProbe && head.captureDeviceID != pm.DeviceID() {
				queue = queue[1:]
				pm.reject(head, ferrors.ErrStaleIdentity)
				continue
			}

			n, werr := transport.Write(head.command)
			pm.state.mu.Lock()
			pm.state.stats.BytesSent += uint64(n)
			pm.state.mu.Unlock()
			if werr != nil {
				queue = queue[1:]
				pm.reject(head, ferrors.ErrWriteFailed)
				pm.transitionStatus(StatusClosing)
				pm.transitionStatus(StatusClosed)
				closeTransport()
				reconnectC = pm.clock.After(reconnectDelay)
				return
			}

			queue = queue[1:]
			current = head
			rxBuffer = rxBuffer[:0]
			rxMark = 0
			quiescenceC = pm.clock.After(head.timeout)
			metrics.SetQueueDepth(pm.path, len(queue))
			return
		}
	}

	for {
		select {
		case <-pm.closeCh:
			for _, s := range queue {
				pm.reject(s, ferrors.ErrNotReady)
			}
			failCurrent(ferrors.ErrNotReady)
			closeTransport()
			return

		case <-reconnectC:
			reconnectC = nil
			tryOpen()
			tryAdvance()

		case <-initC:
			initC = nil
			if transport != nil && cfg != nil {
				startIdentify()
				tryAdvance()
			}

		case <-quiescenceC:
			if len(rxBuffer) > rxMark {
				rxMark = len(rxBuffer)
				quiescenceC = pm.clock.After(current.timeout)
				continue
			}
			data := make([]byte, len(rxBuffer))
			copy(data, rxBuffer)
			rxBuffer = rxBuffer[:0]
			finished := current
			current = nil

			if finished.isProbe {
				resolveIdentify(data)
			} else if cfg != nil && cfg.CheckResponse != nil && !cfg.CheckResponse(data) {
				pm.reject(finished, ferrors.ErrValidationFailed)
			} else {
				pm.resolve(finished, data)
			}
			metrics.SetQueueDepth(pm.path, len(queue))
			tryAdvance()

		case ev := <-pm.transportEvCh:
			switch ev.kind {
			case tevData:
				rxBuffer = append(rxBuffer, ev.data...)
				pm.state.mu.Lock()
				pm.state.stats.BytesReceived += uint64(len(ev.data))
				pm.state.stats.LastActivity = pm.clock.Now()
				pm.state.mu.Unlock()
				// Every byte that arrives while a response is in
				// flight pushes the quiescence deadline back out a
				// full timeout, so it only fires once the device has
				// actually gone silent for the whole window (§8).
				if current != nil {
					rxMark = len(rxBuffer)
					quiescenceC = pm.clock.After(current.timeout)
				}
			case tevError:
				abort(StatusError)
				pm.emit(Event{Kind: EventError, Err: ev.err})
			case tevDisconnect:
				deviceID := pm.DeviceID()
				abort(StatusDisconnected)
				pm.emit(Event{Kind: EventDisconnect, DeviceID: deviceID})
			case tevClose:
				// Echo of a Close() we already initiated; state has
				// already moved on.
			}

		case req := <-pm.submitCh:
			pm.admit(req, cfg, &queue, current != nil)
			tryAdvance()
		}
	}
}

// admit applies the Submit-time admission check (§3). currentOccupied
// reports whether a request is already dispatched-and-awaiting-reply;
// that request lives in the actor's current variable, not queue, but
// §3/§8 Scenario 3 define queue capacity as bounding total in-flight
// requests (current-or-queued), so it counts as one occupied slot here.
func (pm *PortManager) admit(req submitRequest, cfg *policy.PortConfig, queue *[]*submission, currentOccupied bool) {
	if pm.Status() != StatusReady || cfg == nil {
		req.ackCh <- submitAck{err: ferrors.New(ferrors.ErrNotReady, pm.path, pm.DeviceID(), nil)}
		return
	}
	occupied := len(*queue)
	if currentOccupied {
		occupied++
	}
	if occupied > cfg.MaxQueueLength {
		req.ackCh <- submitAck{err: ferrors.New(ferrors.ErrQueueFull, pm.path, pm.DeviceID(), nil)}
		return
	}

	timeout := req.timeout
	if timeout <= 0 {
		timeout = cfg.SerialResponseTimeout
	}
	resultCh := make(chan Result, 1)
	requestID := uuid.NewString()
	sub := &submission{
		requestID:       requestID,
		command:         req.command,
		timeout:         timeout,
		captureDeviceID: pm.DeviceID(),
		resultCh:        resultCh,
	}
	*queue = append(*queue, sub)
	metrics.SetQueueDepth(pm.path, len(*queue))
	if pm.log != nil {
		pm.log.WithPort(pm.path).Debug("request admitted", "request_id", requestID)
	}
	req.ackCh <- submitAck{resultCh: resultCh}
}

func (pm *PortManager) resolve(s *submission, data []byte) {
	if s.resultCh != nil {
		s.resultCh <- Result{Data: data}
	}
	metrics.IncRequest(pm.path, metrics.OutcomeResolved)
	pm.state.mu.Lock()
	pm.state.stats.RequestsOK++
	pm.state.mu.Unlock()
	if pm.log != nil && s.requestID != "" {
		pm.log.WithPort(pm.path).Debug("request resolved", "request_id", s.requestID)
	}
}

func (pm *PortManager) reject(s *submission, kind error) {
	if s.resultCh != nil {
		s.resultCh <- Result{Err: ferrors.New(kind, pm.path, pm.DeviceID(), nil)}
	}
	metrics.IncRequest(pm.path, metrics.OutcomeRejected)
	pm.state.mu.Lock()
	pm.state.stats.RequestsFailed++
	pm.state.mu.Unlock()
	if pm.log != nil && s.requestID != "" {
		pm.log.WithPort(pm.path).Debug("request rejected", "request_id", s.requestID, "kind", kind)
	}
}

func (pm *PortManager) setDeviceID(id string) {
	pm.state.mu.Lock()
	pm.state.deviceID = id
	pm.state.mu.Unlock()
}

// transitionStatus moves to next if it differs from the current
// status, emitting StatusChanged exactly once per actual change
// (edge-triggered), ahead of whatever semantic event the caller emits
// next.
func (pm *PortManager) transitionStatus(next Status) {
	pm.state.mu.Lock()
	prev := pm.state.status
	changed := prev != next
	if changed {
		pm.state.status = next
	}
	pm.state.mu.Unlock()

	if !changed {
		return
	}
	metrics.IncStatusTransition(pm.path, next.String())
	if pm.log != nil {
		pm.log.WithPort(pm.path).Debug("status changed", "from", prev.String(), "to", next.String())
	}
	pm.emit(Event{Kind: EventStatusChanged, Status: next, Message: next.String()})
}

func (pm *PortManager) emit(e Event) {
	e.Port = pm.path
	if pm.handler != nil {
		pm.handler.Handle(e)
	}
}

// Package devicemgr implements the Device Manager (spec §4.2): the
// process-wide identity registry that discovers ports, hands accepted
// ones to a Port Manager, and maintains the mapping from stable device
// identity to whichever Port Manager currently owns it.
//
// Grounded on the teacher's pkg/core.Engine, which similarly owns a
// set of long-lived children (gateways) keyed by name and wires their
// lifecycle events into its own event stream - here the children are
// Port Managers keyed by path, and the wired events are identity
// transitions, not raw messages.
package devicemgr

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/commatea/serialfleet/pkg/ferrors"
	"github.com/commatea/serialfleet/pkg/logger"
	"github.com/commatea/serialfleet/pkg/metrics"
	"github.com/commatea/serialfleet/pkg/policy"
	"github.com/commatea/serialfleet/pkg/portmgr"
	"github.com/commatea/serialfleet/pkg/portscan"
	"github.com/commatea/serialfleet/pkg/serialio"
)

// DefaultDiscoveryTimeout is the wall-clock deadline Request waits for
// an unresolved device identity to appear, per §5.
const DefaultDiscoveryTimeout = 5 * time.Second

// Deps are the external collaborators and policy a Device Manager needs.
type Deps struct {
	Scanner          portscan.Scanner
	Policy           policy.OptionPolicy
	Factory          serialio.Factory
	Logger           *logger.Logger
	Clock            portmgr.Clock
	DiscoveryTimeout time.Duration
	Handler          EventHandler
}

// PortSnapshot is a read-only view of one Port Manager, for the admin
// API and tests.
type PortSnapshot struct {
	Path     string
	Status   portmgr.Status
	DeviceID string
	Stats    portmgr.Stats
}

// Manager is the singleton Device Manager. portManagers and devices
// are process-wide maps mutated only through Manager's methods;
// everSeenIDs is monotonic for the lifetime of the Manager.
type Manager struct {
	deps Deps

	mu           sync.Mutex
	portManagers map[string]*portmgr.PortManager
	devices      map[string]*portmgr.PortManager
	everSeenIDs  map[string]struct{}

	refreshMu       sync.Mutex
	refreshInFlight chan struct{}

	subsMu    sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New builds a Device Manager. Call Refresh (or Request, which
// triggers one implicitly) to start discovering ports.
func New(deps Deps) *Manager {
	return &Manager{
		deps:         deps,
		portManagers: make(map[string]*portmgr.PortManager),
		devices:      make(map[string]*portmgr.PortManager),
		everSeenIDs:  make(map[string]struct{}),
		subs:         make(map[int]chan Event),
	}
}

// Request resolves deviceID to a Port Manager and delegates Submit to
// it, triggering a refresh and waiting (up to the discovery timeout)
// for the identity to appear if it is not yet known (§4.2).
func (m *Manager) Request(ctx context.Context, deviceID string, command []byte, timeout time.Duration) ([]byte, error) {
	if pm, ok := m.lookup(deviceID); ok {
		return pm.Submit(ctx, command, timeout)
	}

	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	if pm, ok := m.lookup(deviceID); ok {
		return pm.Submit(ctx, command, timeout)
	}

	sub, unsubscribe := m.subscribe()
	defer unsubscribe()

	deadline := m.deps.DiscoveryTimeout
	if deadline <= 0 {
		deadline = DefaultDiscoveryTimeout
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case ev := <-sub:
			if ev.DeviceID != deviceID {
				continue
			}
			if ev.Kind != EventNew && ev.Kind != EventConnect {
				continue
			}
			if pm, ok := m.lookup(deviceID); ok {
				return pm.Submit(ctx, command, timeout)
			}
		case <-timer.C:
			return nil, ferrors.New(ferrors.ErrDeviceNotFound, "", deviceID, errors.New("discovery deadline exceeded"))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) lookup(deviceID string) (*portmgr.PortManager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.devices[deviceID]
	return pm, ok
}

// ListDeviceIds returns every identity currently resolvable to a Port
// Manager, sorted for stable output.
func (m *Manager) ListDeviceIds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh runs one enumeration pass, creating Port Managers for newly
// accepted ports. Concurrent callers while a pass is in flight share
// its completion rather than triggering their own.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	if m.refreshInFlight != nil {
		done := m.refreshInFlight
		m.refreshMu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.refreshInFlight = done
	m.refreshMu.Unlock()

	m.doRefresh()

	m.refreshMu.Lock()
	m.refreshInFlight = nil
	m.refreshMu.Unlock()
	close(done)
	return nil
}

func (m *Manager) doRefresh() {
	infos, err := m.deps.Scanner.List()
	if err != nil {
		if m.deps.Logger != nil {
			m.deps.Logger.Warn("port enumeration failed", "error", err)
		}
		return
	}

	for _, info := range infos {
		cfg, perr := m.deps.Policy(info)
		if perr != nil || cfg == nil {
			continue
		}

		m.mu.Lock()
		_, exists := m.portManagers[info.Path]
		m.mu.Unlock()
		if exists {
			continue
		}

		path := info.Path
		pm := portmgr.New(path, portmgr.Deps{
			Scanner: m.deps.Scanner,
			Policy:  m.deps.Policy,
			Factory: m.deps.Factory,
			Logger:  m.deps.Logger,
			Clock:   m.deps.Clock,
			Handler: portmgr.EventHandlerFunc(func(ev portmgr.Event) { m.handlePortEvent(path, ev) }),
		})

		m.mu.Lock()
		m.portManagers[path] = pm
		m.mu.Unlock()
		pm.Start()
	}
}

func (m *Manager) handlePortEvent(path string, ev portmgr.Event) {
	switch ev.Kind {
	case portmgr.EventReady, portmgr.EventReinitialized, portmgr.EventIdChange:
		m.deviceConnected(ev.DeviceID, path)
	case portmgr.EventDisconnect:
		if ev.DeviceID == "" {
			return
		}
		m.mu.Lock()
		delete(m.devices, ev.DeviceID)
		count := len(m.devices)
		m.mu.Unlock()
		metrics.SetConnectedDevices(count)
		m.notify(Event{Kind: EventDisconnect, DeviceID: ev.DeviceID})
	}
}

// deviceConnected sets devices[id] to the port managing it and emits
// new (first-ever sighting) or connect (familiar identity). An
// id-change re-invokes this, implicitly re-pointing devices[id] to
// wherever the identity now lives.
func (m *Manager) deviceConnected(id, path string) {
	if id == "" {
		return
	}

	m.mu.Lock()
	pm := m.portManagers[path]
	m.devices[id] = pm
	_, seen := m.everSeenIDs[id]
	if !seen {
		m.everSeenIDs[id] = struct{}{}
	}
	count := len(m.devices)
	m.mu.Unlock()

	metrics.SetConnectedDevices(count)

	kind := EventConnect
	if !seen {
		kind = EventNew
	}
	m.notify(Event{Kind: kind, DeviceID: id})
}

func (m *Manager) notify(ev Event) {
	m.broadcast(ev)
	if m.deps.Handler != nil {
		m.deps.Handler.Handle(ev)
	}
}

func (m *Manager) subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	m.subsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = ch
	m.subsMu.Unlock()
	return ch, func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *Manager) broadcast(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Snapshot returns a read-only view of every Port Manager created so
// far, sorted by path. Grounded on the pack's webpa-common device
// registry's VisitAll visitor pattern, collapsed into a direct slice
// return since nothing here needs streaming visitation.
func (m *Manager) Snapshot() []PortSnapshot {
	m.mu.Lock()
	pms := make([]*portmgr.PortManager, 0, len(m.portManagers))
	for _, pm := range m.portManagers {
		pms = append(pms, pm)
	}
	m.mu.Unlock()

	snaps := make([]PortSnapshot, 0, len(pms))
	for _, pm := range pms {
		snaps = append(snaps, PortSnapshot{
			Path:     pm.Path(),
			Status:   pm.Status(),
			DeviceID: pm.DeviceID(),
			Stats:    pm.Stats(),
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Path < snaps[j].Path })
	return snaps
}

// Close stops every Port Manager's reconnect loop and transport.
func (m *Manager) Close() {
	m.mu.Lock()
	pms := make([]*portmgr.PortManager, 0, len(m.portManagers))
	for _, pm := range m.portManagers {
		pms = append(pms, pm)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, pm := range pms {
		wg.Add(1)
		go func(pm *portmgr.PortManager) {
			defer wg.Done()
			pm.Close()
		}(pm)
	}
	wg.Wait()
}

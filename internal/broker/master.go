package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/runner"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
)

// Disconnect reasons reported to metrics and logs.
const (
	reasonClosed      = "closed"
	reasonError       = "error"
	reasonMisbehaving = "misbehaving"
)

// MasterOptions configures a Master.
type MasterOptions struct {
	Logger   *zap.Logger
	Delegate MasterDelegate
	// DelegateRunner delivers delegate calls. Nil delivers them on the
	// broker's private loop.
	DelegateRunner runner.TaskRunner
	Metrics        *monitoring.Metrics

	// Per-slave limits. Zero values select the defaults below.
	RequestsPerSecond    int
	Burst                int
	MaxProtocolErrors    int
	MaxPendingPerProcess int
	// WriteTimeout bounds a reply to a slave that stopped reading.
	WriteTimeout time.Duration
}

const (
	DefaultRequestsPerSecond    = 200
	DefaultBurst                = 400
	DefaultMaxProtocolErrors    = 5
	DefaultMaxPendingPerProcess = 1024
	DefaultWriteTimeout         = 5 * time.Second
)

func (o *MasterOptions) applyDefaults() {
	if o.RequestsPerSecond == 0 {
		o.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if o.Burst == 0 {
		o.Burst = DefaultBurst
	}
	if o.MaxProtocolErrors == 0 {
		o.MaxProtocolErrors = DefaultMaxProtocolErrors
	}
	if o.MaxPendingPerProcess == 0 {
		o.MaxPendingPerProcess = DefaultMaxPendingPerProcess
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
}

// Master is the broker in the master process. It is connected to every
// slave by a dedicated control channel, serviced on a private loop.
//
// Public methods may be called from any goroutine except the private loop.
type Master struct {
	opts    MasterOptions
	logger  *zap.Logger
	metrics *monitoring.Metrics
	loop    *runner.Loop

	// mu guards everything below.
	mu       sync.Mutex
	nextPID  ProcessIdentifier
	table    *connectionTable
	slaves   map[ProcessIdentifier]*slaveRecord
	shutdown bool

	// helpers is confined to the private loop.
	helpers map[ProcessIdentifier]*helper
}

type slaveRecord struct {
	label id.SlaveLabel
	info  SlaveInfo
	added time.Time
}

// SlaveStatus describes one connected slave.
type SlaveStatus struct {
	ProcessID ProcessIdentifier `json:"process_id"`
	Label     string            `json:"label"`
	Since     time.Time         `json:"since"`
}

// Snapshot is a point-in-time view of the broker for the admin endpoint.
type Snapshot struct {
	Slaves             []SlaveStatus `json:"slaves"`
	PendingConnections int           `json:"pending_connections"`
	Connections        int           `json:"connections"`
}

var _ ConnectionManager = (*Master)(nil)

// NewMaster starts a broker.
func NewMaster(opts MasterOptions) *Master {
	opts.applyDefaults()
	logger := logging.OrNop(opts.Logger).Named("broker")

	m := &Master{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		loop:    runner.NewLoop("broker", logger),
		nextPID: firstSlaveProcessIdentifier,
		table:   newConnectionTable(opts.MaxPendingPerProcess),
		slaves:  make(map[ProcessIdentifier]*slaveRecord),
		helpers: make(map[ProcessIdentifier]*helper),
	}
	logger.Info("Broker started")
	return m
}

func (m *Master) assertNotOnLoop(what string) {
	if m.loop.RunsTasksInCurrentSequence() {
		panic(fmt.Sprintf("broker: %s called on the private loop", what))
	}
}

// AddSlave attaches a slave reachable over handle, which must be one end of
// a connected stream socket. The master takes ownership of handle.
func (m *Master) AddSlave(info SlaveInfo, handle *platform.ScopedHandle) ProcessIdentifier {
	return m.addSlave(info, handle, nil)
}

// AddSlaveAndBootstrap is AddSlave plus registering cid as if both the
// master and the new slave had already called AllowConnect with it.
func (m *Master) AddSlaveAndBootstrap(info SlaveInfo, handle *platform.ScopedHandle, cid id.ConnectionIdentifier) ProcessIdentifier {
	if cid.IsZero() {
		panic("broker: AddSlaveAndBootstrap with zero connection id")
	}
	return m.addSlave(info, handle, &cid)
}

func (m *Master) addSlave(info SlaveInfo, handle *platform.ScopedHandle, bootstrap *id.ConnectionIdentifier) ProcessIdentifier {
	m.assertNotOnLoop("AddSlave")
	owned := handle.Pass()
	if !owned.IsValid() {
		panic("broker: AddSlave with invalid handle")
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		panic("broker: AddSlave after Shutdown")
	}
	pid := m.nextPID
	m.nextPID++
	rec := &slaveRecord{label: id.NewSlaveLabel(), info: info, added: time.Now()}
	m.slaves[pid] = rec
	if bootstrap != nil && !m.table.bootstrap(MasterProcessIdentifier, pid, *bootstrap) {
		m.mu.Unlock()
		panic(fmt.Sprintf("broker: bootstrap connection id %s already pending", bootstrap))
	}
	pending := m.table.pendingCount()
	m.mu.Unlock()

	m.metrics.SlaveAdded()
	m.metrics.SetPendingConnections(pending)
	if err := platform.SetSendTimeout(owned.Get(), m.opts.WriteTimeout); err != nil {
		m.logger.Warn("Failed to bound control channel writes", zap.Error(err))
	}

	h := newHelper(m, pid, rec, owned)
	if !m.loop.PostTask(func() { m.attach(h) }) {
		h.discard()
	}

	m.logger.Info("Slave added",
		zap.Stringer("process_id", pid),
		zap.String("slave", rec.label.String()),
		zap.Bool("bootstrap", bootstrap != nil))
	return pid
}

func (m *Master) attach(h *helper) {
	m.mu.Lock()
	stopped := m.shutdown
	m.mu.Unlock()
	if stopped {
		h.discard()
		return
	}
	m.helpers[h.pid] = h
	h.start()
}

// GenerateConnectionIdentifier draws a fresh token.
func (m *Master) GenerateConnectionIdentifier() id.ConnectionIdentifier {
	return id.NewConnectionIdentifier()
}

// AllowConnect registers the master process's own intent.
func (m *Master) AllowConnect(cid id.ConnectionIdentifier) bool {
	m.assertNotOnLoop("AllowConnect")
	m.assertRunning()
	return m.allowConnect(MasterProcessIdentifier, cid)
}

// CancelConnect retracts the master process's own intent.
func (m *Master) CancelConnect(cid id.ConnectionIdentifier) bool {
	m.assertNotOnLoop("CancelConnect")
	m.assertRunning()
	return m.cancelConnect(MasterProcessIdentifier, cid)
}

// Connect completes a rendezvous for the master process itself.
func (m *Master) Connect(cid id.ConnectionIdentifier) (Result, ProcessIdentifier, *platform.ScopedHandle) {
	m.assertNotOnLoop("Connect")
	m.assertRunning()
	return m.connect(MasterProcessIdentifier, cid)
}

func (m *Master) allowConnect(pid ProcessIdentifier, cid id.ConnectionIdentifier) bool {
	timer := monitoring.NewTimer(m.metrics, "allow_connect")
	m.mu.Lock()
	ok := !m.shutdown && m.table.allow(pid, cid)
	pending := m.table.pendingCount()
	m.mu.Unlock()

	m.metrics.SetPendingConnections(pending)
	timer.Stop(status(ok))
	if !ok {
		m.logger.Debug("AllowConnect refused",
			zap.Stringer("process_id", pid), zap.Stringer("connection_id", cid))
	}
	return ok
}

func (m *Master) cancelConnect(pid ProcessIdentifier, cid id.ConnectionIdentifier) bool {
	timer := monitoring.NewTimer(m.metrics, "cancel_connect")
	m.mu.Lock()
	ok := !m.shutdown && m.table.cancel(pid, cid)
	pending := m.table.pendingCount()
	m.mu.Unlock()

	m.metrics.SetPendingConnections(pending)
	timer.Stop(status(ok))
	return ok
}

func (m *Master) connect(pid ProcessIdentifier, cid id.ConnectionIdentifier) (Result, ProcessIdentifier, *platform.ScopedHandle) {
	timer := monitoring.NewTimer(m.metrics, "connect")
	m.mu.Lock()
	result, peer, handle, err := ResultFailure, InvalidProcessIdentifier, (*platform.ScopedHandle)(nil), error(nil)
	if !m.shutdown {
		result, peer, handle, err = m.table.connect(pid, cid)
	}
	pending := m.table.pendingCount()
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Failed to create connection",
			zap.Stringer("process_id", pid), zap.Stringer("connection_id", cid), zap.Error(err))
	}
	m.metrics.SetPendingConnections(pending)
	m.metrics.RecordConnectResult(result.String())
	timer.Stop(result.String())
	m.logger.Debug("Connect",
		zap.Stringer("process_id", pid),
		zap.Stringer("connection_id", cid),
		zap.Stringer("result", result),
		zap.Stringer("peer", peer))
	return result, peer, handle
}

func (m *Master) assertRunning() {
	m.mu.Lock()
	stopped := m.shutdown
	m.mu.Unlock()
	if stopped {
		panic("broker: used after Shutdown")
	}
}

// Snapshot reports the connected slaves and table sizes.
func (m *Master) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Slaves:             make([]SlaveStatus, 0, len(m.slaves)),
		PendingConnections: m.table.pendingCount(),
		Connections:        m.table.connectionCount(),
	}
	for pid, rec := range m.slaves {
		s.Slaves = append(s.Slaves, SlaveStatus{ProcessID: pid, Label: rec.label.String(), Since: rec.added})
	}
	sort.Slice(s.Slaves, func(i, j int) bool { return s.Slaves[i].ProcessID < s.Slaves[j].ProcessID })
	return s
}

// Shutdown disconnects every slave without notifying the delegate and
// stops the private loop. It must be the last call on m.
func (m *Master) Shutdown() {
	m.assertNotOnLoop("Shutdown")
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()

	m.loop.PostTaskAndWait(m.shutdownOnLoop)
	m.loop.Stop()
	m.logger.Info("Broker stopped")
}

func (m *Master) shutdownOnLoop() {
	m.loop.AssertOnLoop("shutdownOnLoop")
	for pid, h := range m.helpers {
		h.stop()
		delete(m.helpers, pid)
		m.metrics.SlaveRemoved(reasonClosed)
	}

	m.mu.Lock()
	m.table.clear()
	m.slaves = make(map[ProcessIdentifier]*slaveRecord)
	m.mu.Unlock()
	m.metrics.SetPendingConnections(0)
}

// onError runs on the private loop when a slave's control channel breaks or
// the slave is dropped for misbehaving.
func (m *Master) onError(pid ProcessIdentifier, reason string, err error) {
	m.loop.AssertOnLoop("onError")
	h, ok := m.helpers[pid]
	if !ok {
		return
	}
	delete(m.helpers, pid)
	h.stop()

	m.mu.Lock()
	rec := m.slaves[pid]
	delete(m.slaves, pid)
	dropped := m.table.removeProcess(pid)
	pending := m.table.pendingCount()
	m.mu.Unlock()

	m.metrics.SlaveRemoved(reason)
	m.metrics.SetPendingConnections(pending)

	fields := []zap.Field{
		zap.Stringer("process_id", pid),
		zap.String("slave", rec.label.String()),
		zap.String("reason", reason),
		zap.Int("dropped_pending", dropped),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if reason == reasonClosed {
		m.logger.Info("Slave disconnected", fields...)
	} else {
		m.logger.Warn("Slave disconnected", fields...)
	}

	if m.opts.Delegate != nil {
		delegate, info := m.opts.Delegate, rec.info
		runner.PostOrRun(m.opts.DelegateRunner, func() { delegate.OnSlaveDisconnect(info) })
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

package broker

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
)

type pendingState int

const (
	awaitingSecondAllow pendingState = iota
	awaitingConnectsFromBoth
	awaitingConnectFromFirst
	awaitingConnectFromSecond
)

func (s pendingState) String() string {
	switch s {
	case awaitingSecondAllow:
		return "awaiting_second_allow"
	case awaitingConnectsFromBoth:
		return "awaiting_connects_from_both"
	case awaitingConnectFromFirst:
		return "awaiting_connect_from_first"
	case awaitingConnectFromSecond:
		return "awaiting_connect_from_second"
	default:
		return "unknown"
	}
}

// pendingConnection is one outstanding rendezvous.
type pendingConnection struct {
	first  ProcessIdentifier
	second ProcessIdentifier
	state  pendingState
	// handle is the peer's end, held between the two Connect calls of a
	// new connection.
	handle  *platform.ScopedHandle
	created time.Time
}

func (p *pendingConnection) isParty(pid ProcessIdentifier) bool {
	return pid == p.first || (p.state != awaitingSecondAllow && pid == p.second)
}

func (p *pendingConnection) peerOf(pid ProcessIdentifier) ProcessIdentifier {
	if pid == p.first {
		return p.second
	}
	return p.first
}

type processPair struct {
	lo, hi ProcessIdentifier
}

func pairOf(a, b ProcessIdentifier) processPair {
	if a > b {
		a, b = b, a
	}
	return processPair{lo: a, hi: b}
}

// connectionTable holds the pending rendezvous and the set of process pairs
// that already have a direct connection. It is not safe for concurrent use.
type connectionTable struct {
	pending     map[id.ConnectionIdentifier]*pendingConnection
	connected   map[processPair]struct{}
	openedBy    map[ProcessIdentifier]int
	maxPerParty int
	now         func() time.Time
}

func newConnectionTable(maxPerParty int) *connectionTable {
	return &connectionTable{
		pending:     make(map[id.ConnectionIdentifier]*pendingConnection),
		connected:   make(map[processPair]struct{}),
		openedBy:    make(map[ProcessIdentifier]int),
		maxPerParty: maxPerParty,
		now:         time.Now,
	}
}

// allow registers pid's intent under cid. The same process may allow twice,
// which makes the rendezvous a same-process one.
func (t *connectionTable) allow(pid ProcessIdentifier, cid id.ConnectionIdentifier) bool {
	p, ok := t.pending[cid]
	if !ok {
		if t.maxPerParty > 0 && t.openedBy[pid] >= t.maxPerParty {
			return false
		}
		t.pending[cid] = &pendingConnection{
			first:   pid,
			state:   awaitingSecondAllow,
			created: t.now(),
		}
		t.openedBy[pid]++
		return true
	}
	if p.state != awaitingSecondAllow {
		return false
	}
	p.second = pid
	p.state = awaitingConnectsFromBoth
	return true
}

// bootstrap registers both parties at once.
func (t *connectionTable) bootstrap(first, second ProcessIdentifier, cid id.ConnectionIdentifier) bool {
	if _, ok := t.pending[cid]; ok {
		return false
	}
	t.pending[cid] = &pendingConnection{
		first:   first,
		second:  second,
		state:   awaitingConnectsFromBoth,
		created: t.now(),
	}
	t.openedBy[first]++
	return true
}

func (t *connectionTable) cancel(pid ProcessIdentifier, cid id.ConnectionIdentifier) bool {
	p, ok := t.pending[cid]
	if !ok || !p.isParty(pid) {
		return false
	}
	t.erase(cid, p)
	return true
}

// connect advances the rendezvous for pid. It never blocks: calling it
// before both parties have allowed is a failure that leaves the entry in
// place.
func (t *connectionTable) connect(pid ProcessIdentifier, cid id.ConnectionIdentifier) (Result, ProcessIdentifier, *platform.ScopedHandle, error) {
	p, ok := t.pending[cid]
	if !ok || !p.isParty(pid) {
		return ResultFailure, InvalidProcessIdentifier, nil, nil
	}

	switch p.state {
	case awaitingSecondAllow:
		return ResultFailure, InvalidProcessIdentifier, nil, nil

	case awaitingConnectsFromBoth:
		if p.first == p.second {
			p.state = awaitingConnectFromSecond
			return ResultSameProcess, pid, nil, nil
		}
		peer := p.peerOf(pid)
		if pid == p.first {
			p.state = awaitingConnectFromSecond
		} else {
			p.state = awaitingConnectFromFirst
		}

		key := pairOf(pid, peer)
		if _, exists := t.connected[key]; exists {
			return ResultReuseConnection, peer, nil, nil
		}
		pair, err := platform.NewChannelPair()
		if err != nil {
			t.erase(cid, p)
			return ResultFailure, InvalidProcessIdentifier, nil, err
		}
		t.connected[key] = struct{}{}
		p.handle = pair.Client.Pass()
		return ResultNewConnection, peer, pair.Server.Pass(), nil

	case awaitingConnectFromFirst, awaitingConnectFromSecond:
		waiting := p.first
		if p.state == awaitingConnectFromSecond {
			waiting = p.second
		}
		if pid != waiting {
			return ResultFailure, InvalidProcessIdentifier, nil, nil
		}
		peer := p.peerOf(pid)
		handle := p.handle
		p.handle = nil
		t.erase(cid, p)
		if p.first == p.second {
			return ResultSameProcess, pid, nil, nil
		}
		if handle == nil {
			return ResultReuseConnection, peer, nil, nil
		}
		return ResultNewConnection, peer, handle, nil
	}
	return ResultFailure, InvalidProcessIdentifier, nil, nil
}

func (t *connectionTable) erase(cid id.ConnectionIdentifier, p *pendingConnection) {
	_ = p.handle.Close()
	p.handle = nil
	delete(t.pending, cid)
	if n := t.openedBy[p.first] - 1; n > 0 {
		t.openedBy[p.first] = n
	} else {
		delete(t.openedBy, p.first)
	}
}

// removeProcess drops every rendezvous and connection record involving pid
// and returns how many rendezvous were dropped.
func (t *connectionTable) removeProcess(pid ProcessIdentifier) int {
	dropped := 0
	for cid, p := range t.pending {
		if p.first == pid || p.second == pid {
			t.erase(cid, p)
			dropped++
		}
	}
	for key := range t.connected {
		if key.lo == pid || key.hi == pid {
			delete(t.connected, key)
		}
	}
	delete(t.openedBy, pid)
	return dropped
}

// clear drops everything, closing held handles.
func (t *connectionTable) clear() {
	for cid, p := range t.pending {
		t.erase(cid, p)
	}
	t.connected = make(map[processPair]struct{})
}

func (t *connectionTable) pendingCount() int {
	return len(t.pending)
}

func (t *connectionTable) connectionCount() int {
	return len(t.connected)
}

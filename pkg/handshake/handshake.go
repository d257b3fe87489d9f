// Package handshake implements connection-establishment exchanges of two,
// three, and four steps as one table-driven state machine. Both sides of an
// exchange run the same machine type with different transition tables, so
// adding a variant means adding rows, not code.
package handshake

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Step types exchanged during a handshake.
const (
	StepRequest  = "REQUEST"
	StepResponse = "RESPONSE"
	StepSyn      = "SYN"
	StepSynAck   = "SYN_ACK"
	StepAck      = "ACK"
)

// Variant selects how many steps the exchange takes.
type Variant string

const (
	// TwoWay is plain request/response.
	TwoWay Variant = "2way"
	// ThreeWay is SYN, SYN_ACK, ACK.
	ThreeWay Variant = "3way"
	// FourWay is SYN, ACK, then the responder's own SYN answered by a
	// final ACK.
	FourWay Variant = "4way"
)

// State of one connection attempt.
type State string

const (
	StateIdle        State = "IDLE"
	StateRequestSent State = "REQUEST_SENT"
	StateSynSent     State = "SYN_SENT"
	StateSynAckSent  State = "SYN_ACK_SENT"
	StateAwaitSyn    State = "AWAIT_SYN"
	StateEstablished State = "ESTABLISHED"
)

// Step is one handshake message. ConnID correlates all steps of one attempt;
// Seq disambiguates repeated types within the four-way exchange.
type Step struct {
	Type   string `json:"type"`
	Seq    int    `json:"seq,omitempty"`
	ConnID string `json:"conn_id"`
	Data   string `json:"data,omitempty"`
}

// Machine drives one connection attempt through its transition table.
// It is not safe for concurrent use; Endpoint serializes access.
type Machine struct {
	id      string
	variant Variant
	state   State
	tbl     table
}

func newMachine(id string, v Variant, tbl table) *Machine {
	return &Machine{id: id, variant: v, state: StateIdle, tbl: tbl}
}

// ID returns the connection id the machine was built for.
func (m *Machine) ID() string { return m.id }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Established reports whether the exchange completed.
func (m *Machine) Established() bool { return m.state == StateEstablished }

// Handle advances the machine on one inbound step and returns the steps to
// send back. A step with no matching transition fails the attempt.
func (m *Machine) Handle(s Step) ([]Step, error) {
	rules, ok := m.tbl[m.state]
	if !ok {
		return nil, fmt.Errorf("handshake %s: no transitions from state %s", m.id, m.state)
	}
	r, ok := rules[stepKey{s.Type, s.Seq}]
	if !ok {
		return nil, fmt.Errorf("handshake %s: unexpected %s(seq=%d) in state %s",
			m.id, s.Type, s.Seq, m.state)
	}
	m.state = r.next

	out := make([]Step, 0, len(r.reply))
	for _, reply := range r.reply {
		reply.ConnID = m.id
		out = append(out, reply)
	}
	return out, nil
}

// open emits the first step for an initiating machine.
func (m *Machine) open(data string) (Step, error) {
	if m.state != StateIdle {
		return Step{}, fmt.Errorf("handshake %s: already opened in state %s", m.id, m.state)
	}
	switch m.variant {
	case TwoWay:
		m.state = StateRequestSent
		return Step{Type: StepRequest, ConnID: m.id, Data: data}, nil
	case ThreeWay:
		m.state = StateSynSent
		return Step{Type: StepSyn, ConnID: m.id}, nil
	case FourWay:
		m.state = StateSynSent
		return Step{Type: StepSyn, Seq: 1, ConnID: m.id}, nil
	}
	return Step{}, fmt.Errorf("handshake %s: unknown variant %q", m.id, m.variant)
}

// SendFunc carries an outbound step to the peer.
type SendFunc func(Step) error

// Endpoint multiplexes handshake machines by connection id over one SendFunc.
// An initiator creates a machine per Open call; a responder creates one
// lazily when the opening step of an unknown connection arrives.
type Endpoint struct {
	variant   Variant
	initiator bool
	send      SendFunc

	mu       sync.Mutex
	machines map[string]*Machine
}

// NewInitiator builds the side that opens connections.
func NewInitiator(v Variant, send SendFunc) *Endpoint {
	return &Endpoint{variant: v, initiator: true, send: send, machines: make(map[string]*Machine)}
}

// NewResponder builds the side that answers them.
func NewResponder(v Variant, send SendFunc) *Endpoint {
	return &Endpoint{variant: v, send: send, machines: make(map[string]*Machine)}
}

// Open starts a new connection attempt and returns its id.
func (e *Endpoint) Open(data string) (string, error) {
	if !e.initiator {
		return "", fmt.Errorf("handshake: responder cannot open connections")
	}
	id := uuid.NewString()
	m := newMachine(id, e.variant, initiatorTable(e.variant))

	first, err := m.open(data)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.machines[id] = m
	e.mu.Unlock()

	if err := e.send(first); err != nil {
		return "", fmt.Errorf("send %s: %w", first.Type, err)
	}
	return id, nil
}

// HandleStep routes one inbound step to its machine and sends any replies.
func (e *Endpoint) HandleStep(s Step) error {
	if s.ConnID == "" {
		return fmt.Errorf("handshake: step %s without connection id", s.Type)
	}

	e.mu.Lock()
	m, ok := e.machines[s.ConnID]
	if !ok {
		if e.initiator {
			e.mu.Unlock()
			return fmt.Errorf("handshake: step %s for unknown connection %s", s.Type, s.ConnID)
		}
		m = newMachine(s.ConnID, e.variant, responderTable(e.variant))
		e.machines[s.ConnID] = m
	}
	replies, err := m.Handle(s)
	if err != nil {
		delete(e.machines, s.ConnID)
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	for _, reply := range replies {
		if err := e.send(reply); err != nil {
			return fmt.Errorf("send %s: %w", reply.Type, err)
		}
	}
	return nil
}

// Established reports whether the given connection attempt completed.
func (e *Endpoint) Established(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[id]
	return ok && m.Established()
}

// States returns a copy of the per-connection states, for inspection.
func (e *Endpoint) States() map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]State, len(e.machines))
	for id, m := range e.machines {
		out[id] = m.state
	}
	return out
}

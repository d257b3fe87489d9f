package handshake

// stepKey identifies an inbound step inside a transition table.
type stepKey struct {
	typ string
	seq int
}

// rule is one table row: where the machine goes and what it sends back.
type rule struct {
	next  State
	reply []Step
}

type table map[State]map[stepKey]rule

// initiatorTable describes the opening side. The first step is emitted by
// Machine.open, so tables only cover what arrives afterwards.
func initiatorTable(v Variant) table {
	switch v {
	case TwoWay:
		return table{
			StateRequestSent: {
				{StepResponse, 0}: {next: StateEstablished},
			},
		}
	case ThreeWay:
		return table{
			StateSynSent: {
				{StepSynAck, 0}: {
					next:  StateEstablished,
					reply: []Step{{Type: StepAck}},
				},
			},
		}
	case FourWay:
		return table{
			StateSynSent: {
				{StepAck, 1}: {next: StateAwaitSyn},
			},
			StateAwaitSyn: {
				{StepSyn, 2}: {
					next:  StateEstablished,
					reply: []Step{{Type: StepAck, Seq: 2}},
				},
			},
		}
	}
	return table{}
}

// responderTable describes the answering side.
func responderTable(v Variant) table {
	switch v {
	case TwoWay:
		return table{
			StateIdle: {
				{StepRequest, 0}: {
					next:  StateEstablished,
					reply: []Step{{Type: StepResponse}},
				},
			},
		}
	case ThreeWay:
		return table{
			StateIdle: {
				{StepSyn, 0}: {
					next:  StateSynAckSent,
					reply: []Step{{Type: StepSynAck}},
				},
			},
			StateSynAckSent: {
				{StepAck, 0}: {next: StateEstablished},
			},
		}
	case FourWay:
		return table{
			StateIdle: {
				{StepSyn, 1}: {
					next:  StateSynAckSent,
					reply: []Step{{Type: StepAck, Seq: 1}, {Type: StepSyn, Seq: 2}},
				},
			},
			StateSynAckSent: {
				{StepAck, 2}: {next: StateEstablished},
			},
		}
	}
	return table{}
}

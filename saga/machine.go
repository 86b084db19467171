package saga

// transitionKey identifies one forward transition: the step the saga must
// currently be at and the action whose confirmation arrived.
type transitionKey struct {
	from   Step
	action ActionType
}

// transition describes the effect of a confirmed forward action: the step the
// saga advances to and the command to issue next ("" when the funds movement
// is done and only notification and completion remain).
type transition struct {
	next    Step
	nextCmd ActionType
}

// forwardTransitions is the explicit transition table of the forward path.
// A confirmation that does not match the saga's current step is a replay and
// is absorbed as a no-op, never an error: events across different partition
// keys carry no ordering guarantee, so every transition re-checks that the
// saga is at the expected preceding state instead of trusting delivery order.
var forwardTransitions = map[transitionKey]transition{
	{StepStarted, ActionReserve}:      {next: StepFundsReserved, nextCmd: ActionDebit},
	{StepFundsReserved, ActionDebit}:  {next: StepFundsDeducted, nextCmd: ActionCredit},
	{StepFundsDeducted, ActionCredit}: {next: StepFundsCredited, nextCmd: ""},
}

// compensations lists the compensating actions in unwind order: the action
// for the highest completed step comes first. Each entry names the step flag
// it undoes.
var compensations = []struct {
	action  ActionType
	applies func(s *State) bool
	clear   func(s *State)
}{
	{
		action:  ActionReverseCredit,
		applies: func(s *State) bool { return s.FundsCredited },
		clear:   func(s *State) { s.FundsCredited = false },
	},
	{
		action:  ActionReverseDebit,
		applies: func(s *State) bool { return s.FundsDeducted },
		clear:   func(s *State) { s.FundsDeducted = false },
	},
	{
		action:  ActionRelease,
		applies: func(s *State) bool { return s.FundsReserved },
		clear:   func(s *State) { s.FundsReserved = false },
	},
}

// setStepFlag records the completion flag of a confirmed forward action.
func setStepFlag(s *State, action ActionType) {
	switch action {
	case ActionReserve:
		s.FundsReserved = true
	case ActionDebit:
		s.FundsDeducted = true
	case ActionCredit:
		s.FundsCredited = true
	}
}

// nextCompensation returns the compensating action for the highest completed
// step, or false when no reserved, debited or credited state remains and the
// saga can settle as compensated.
func nextCompensation(s *State) (ActionType, bool) {
	for _, c := range compensations {
		if c.applies(s) {
			return c.action, true
		}
	}
	return "", false
}

// clearCompensatedFlag marks the step undone by a confirmed compensating
// action. It reports whether the confirmation matched a completed step;
// a false result means the confirmation is a replay.
func clearCompensatedFlag(s *State, action ActionType) bool {
	for _, c := range compensations {
		if c.action == action {
			if !c.applies(s) {
				return false
			}
			c.clear(s)
			return true
		}
	}
	return false
}

// targetOwner returns the wallet owner a command must be routed to: debit-side
// actions go to the sender, credit-side actions to the recipient.
func targetOwner(s *State, action ActionType) string {
	switch action {
	case ActionCredit, ActionReverseCredit:
		return s.RecipientID
	default:
		return s.SenderID
	}
}

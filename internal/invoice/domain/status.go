package domain

type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusListed          Status = "LISTED"
	StatusFunded          Status = "FUNDED"
	StatusPaid            Status = "PAID"
	StatusCancelled       Status = "CANCELLED"
	StatusDefault         Status = "DEFAULT"
)

var transitions = map[Status][]Status{
	StatusDraft:           {StatusPendingApproval, StatusCancelled},
	StatusPendingApproval: {StatusListed, StatusCancelled},
	StatusListed:          {StatusFunded, StatusCancelled},
	StatusFunded:          {StatusPaid, StatusDefault},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusListed, StatusFunded,
		StatusPaid, StatusCancelled, StatusDefault:
		return true
	default:
		return false
	}
}

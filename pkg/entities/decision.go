package entities

// Action is the outcome kind of an orchestrator decision.
type Action string

// Decision actions.
const (
	// ActionContinue accepts the update into the canonical ledger.
	ActionContinue Action = "continue"

	// ActionSkip discards the update with a reason.
	ActionSkip Action = "skip"

	// ActionPark defers the update until identity resolution succeeds.
	ActionPark Action = "park"
)

// Decision is the tagged result returned by a decision handler. It carries
// no payload beyond the reason and an optional metadata map.
type Decision struct {
	Action   Action            `json:"action" yaml:"action"`
	Reason   string            `json:"reason" yaml:"reason"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Continue returns a Decision accepting the update.
func Continue(reason string) Decision {
	return Decision{Action: ActionContinue, Reason: reason}
}

// Skip returns a Decision discarding the update.
func Skip(reason string) Decision {
	return Decision{Action: ActionSkip, Reason: reason}
}

// Park returns a Decision deferring the update for later resolution.
func Park(reason string) Decision {
	return Decision{Action: ActionPark, Reason: reason}
}

// WithMetadata returns a copy of the decision with the given key set.
func (d Decision) WithMetadata(key, value string) Decision {
	meta := make(map[string]string, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	meta[key] = value
	d.Metadata = meta
	return d
}

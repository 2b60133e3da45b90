package domain

type ActionKind string

const (
	ActionHold  ActionKind = "hold"
	ActionOpen  ActionKind = "open"
	ActionAdd   ActionKind = "add"
	ActionClose ActionKind = "close"
)

// Action is what an agent wants to do this round.
type Action struct {
	Kind     ActionKind `json:"action"`
	Side     Side       `json:"side,omitempty"`
	SizePct  float64    `json:"size_pct,omitempty"`
	Leverage int        `json:"leverage,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

func Hold(reason string) Action {
	return Action{Kind: ActionHold, Reason: reason}
}

func Open(side Side, sizePct float64, leverage int, reason string) Action {
	return Action{Kind: ActionOpen, Side: side, SizePct: sizePct, Leverage: leverage, Reason: reason}
}

func Add(sizePct float64, reason string) Action {
	return Action{Kind: ActionAdd, SizePct: sizePct, Reason: reason}
}

func Close(reason string) Action {
	return Action{Kind: ActionClose, Reason: reason}
}

// Label is a short human form used in logs and activity events.
func (a Action) Label() string {
	switch a.Kind {
	case ActionOpen:
		return "open " + string(a.Side)
	case ActionAdd:
		return "add"
	case ActionClose:
		return "close"
	default:
		return "hold"
	}
}

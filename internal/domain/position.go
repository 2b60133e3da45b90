package domain

import "time"

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Dir is +1 for long and -1 for short.
func (s Side) Dir() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// DCAEntry records one add-on fill.
type DCAEntry struct {
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	Margin float64   `json:"margin"`
	Fee    float64   `json:"fee"`
	Tick   int       `json:"tick"`
	Time   time.Time `json:"time"`
}

// Position is an agent's single simulated margin position.
type Position struct {
	Pair             string     `json:"pair"`
	Side             Side       `json:"side"`
	Volume           float64    `json:"volume"`
	AvgEntry         float64    `json:"avg_entry"`
	Leverage         int        `json:"leverage"`
	Margin           float64    `json:"margin"`
	Fees             float64    `json:"fees"`
	DCACount         int        `json:"dca_count"`
	DCAHistory       []DCAEntry `json:"dca_history,omitempty"`
	Open             bool       `json:"open"`
	OpenedAt         time.Time  `json:"opened_at"`
	OpenedTick       int        `json:"opened_tick"`
	UnrealizedPnL    float64    `json:"unrealized_pnl"`
	LiquidationPrice float64    `json:"liquidation_price"`
}

// Notional is the position value at the given price.
func (p *Position) Notional(price float64) float64 {
	return p.Volume * price
}

// PnLAt is the unrealized profit at price, before closing fees.
func (p *Position) PnLAt(price float64) float64 {
	return (price - p.AvgEntry) * p.Volume * p.Side.Dir()
}

// LiquidationPriceFor returns where margin is consumed down to maintenance.
// Long: entry × (1 − 1/lev + mm); short: entry × (1 + 1/lev − mm).
func LiquidationPriceFor(side Side, entry float64, leverage int, maintenance float64) float64 {
	if leverage < 1 {
		leverage = 1
	}
	inv := 1 / float64(leverage)
	if side == SideShort {
		return entry * (1 + inv - maintenance)
	}
	return entry * (1 - inv + maintenance)
}

// Crossed reports whether price has reached the liquidation price.
func (p *Position) Crossed(price float64) bool {
	if !p.Open {
		return false
	}
	if p.Side == SideShort {
		return price >= p.LiquidationPrice
	}
	return price <= p.LiquidationPrice
}

// Clone deep-copies the position including its DCA history.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.DCAHistory = append([]DCAEntry(nil), p.DCAHistory...)
	return &cp
}

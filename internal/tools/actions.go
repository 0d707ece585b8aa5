package tools

import "strings"

// Action is the closed set of operations the reasoning service may request.
type Action int

const (
	ActionUnsupported Action = iota
	ActionBuy
	ActionSell
	ActionCloseAll
	ActionGetStatus
)

// actions lists the supported actions in the order they are advertised.
var actions = []Action{ActionBuy, ActionSell, ActionCloseAll, ActionGetStatus}

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionSell:
		return "sell"
	case ActionCloseAll:
		return "close_all"
	case ActionGetStatus:
		return "get_status"
	}
	return "unsupported"
}

func ParseAction(name string) Action {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "buy":
		return ActionBuy
	case "sell":
		return ActionSell
	case "close_all":
		return ActionCloseAll
	case "get_status":
		return ActionGetStatus
	}
	return ActionUnsupported
}

const (
	orderSchema = `{
	"type": "object",
	"properties": {
		"symbol": {"type": "string", "minLength": 1, "description": "NSE trading symbol, e.g. RELIANCE"},
		"quantity": {"type": "integer", "minimum": 1, "description": "Desired number of shares; the risk budget may reduce it"},
		"strategy": {"type": "string", "description": "Strategy behind the trade: vwap, ema, rsi, smc"}
	},
	"required": ["symbol", "quantity"],
	"additionalProperties": false
}`
	emptySchema = `{"type": "object", "properties": {}, "additionalProperties": false}`
)

func (a Action) describe() (description, schema string) {
	switch a {
	case ActionBuy:
		return "Buy shares of a stock (or cover an open short). Stop and target are derived from the strategy and risk settings.", orderSchema
	case ActionSell:
		return "Sell shares of a stock (or short it when no long position is open). Stop and target are derived from the strategy and risk settings.", orderSchema
	case ActionCloseAll:
		return "Cancel all pending orders and square off every open position.", emptySchema
	case ActionGetStatus:
		return "Get account status: cash, invested amount, day P&L, open positions and risk limits.", emptySchema
	}
	return "", ""
}

// Usage lists each action as a one-line signature and description for prompts.
func Usage() []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		desc, _ := a.describe()
		sig := a.String() + "()"
		if a == ActionBuy || a == ActionSell {
			sig = a.String() + "(symbol, quantity, strategy)"
		}
		out = append(out, sig+" - "+desc)
	}
	return out
}

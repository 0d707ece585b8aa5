package engine

import (
	"fmt"
	"strconv"
	"strings"

	"llm-trading-arena/internal/ta"
	"llm-trading-arena/internal/tools"
	"llm-trading-arena/internal/types"
)

type PromptRules struct {
	MaxDailyLossPct float64
	MarketHours     string
}

// RenderPrompt is a pure function of its inputs: symbols arrive sorted,
// timeframes in configured order, and every number has a fixed format.
func RenderPrompt(acct types.Account, market []SymbolView, pf PortfolioView, rules PromptRules) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are an expert trader managing Indian stock market investments.\n")
	fmt.Fprintf(&b, "You have been given ₹%s to trade with.\n\n", money(acct.CapitalAllocation))

	b.WriteString("ACCOUNT STATUS:\n")
	fmt.Fprintf(&b, "- This is invocation #%d for account '%s'\n", pf.InvocationNumber, accountName(acct))
	fmt.Fprintf(&b, "- Available cash: ₹%s\n", money(pf.Portfolio.Cash))
	fmt.Fprintf(&b, "- Invested amount: ₹%s\n", money(pf.Portfolio.Invested))
	fmt.Fprintf(&b, "- Day P&L: ₹%s (realized today: ₹%s)\n", money(pf.Portfolio.DayPnL), money(pf.RealizedToday))
	if len(pf.Open) == 0 {
		b.WriteString("- Open positions: none\n")
	} else {
		b.WriteString("- Open positions:\n")
		for _, p := range pf.Open {
			fmt.Fprintf(&b, "  - %s %s %d @ %s, stop %s, target %s, last %s, P&L %s",
				p.Symbol, p.Side, p.Qty, num(p.Entry), num(p.Stop), num(p.Target), num(p.LastPrice), num(p.Unrealized))
			if p.StopHit {
				b.WriteString(" [STOP HIT]")
			}
			if p.TargetHit {
				b.WriteString(" [TARGET HIT]")
			}
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "- Number of open trades: %d\n\n", len(pf.Open))

	b.WriteString("TRADING CAPABILITIES:\nYou can use these tools:\n")
	for i, u := range tools.Usage() {
		fmt.Fprintf(&b, "%d. %s\n", i+1, u)
	}
	b.WriteString("\n")

	b.WriteString("RISK MANAGEMENT RULES:\n")
	fmt.Fprintf(&b, "- Risk only %s%% of capital per trade\n", num(acct.RiskPerTradePct))
	fmt.Fprintf(&b, "- Maximum %d simultaneous positions\n", acct.MaxPositions)
	if rules.MaxDailyLossPct > 0 {
		fmt.Fprintf(&b, "- Trading stops for the day after a realized loss of %s%% of capital\n", num(rules.MaxDailyLossPct))
	}
	if rules.MarketHours != "" {
		fmt.Fprintf(&b, "- Indian market hours: %s\n", rules.MarketHours)
	}
	b.WriteString("- All prices in Indian Rupees (₹)\n\n")

	b.WriteString("MARKET DATA (All data ordered: OLDEST → LATEST):\n")
	for _, s := range market {
		fmt.Fprintf(&b, "\n=== %s (last %s) ===\n", s.Symbol, num(s.Price))
		for _, tf := range s.Timeframes {
			writeTimeframe(&b, tf)
		}
	}

	b.WriteString("\nINSTRUCTIONS:\n")
	b.WriteString("Analyze the market data and make trading decisions based on:\n")
	b.WriteString("1. VWAP breakout/retest patterns\n2. EMA crossover signals\n3. RSI mean reversion opportunities\n4. Smart Money Concepts (order blocks, fair value gaps)\n\n")
	b.WriteString("Consider the current portfolio state and risk management rules.\n")
	b.WriteString("Make ONE trading decision or choose to hold.")
	return b.String()
}

func writeTimeframe(b *strings.Builder, tf TimeframeView) {
	fmt.Fprintf(b, "%s timeframe:\n", tf.Timeframe)
	if len(tf.LastCloses) > 0 {
		parts := make([]string, len(tf.LastCloses))
		for i, c := range tf.LastCloses {
			parts[i] = num(c)
		}
		fmt.Fprintf(b, "  Prices: [%s]\n", strings.Join(parts, ", "))
	}
	if tf.Signal != nil {
		s := tf.Signal
		fmt.Fprintf(b, "  VWAP: %s (bands %s / %s), distance %s%%, signal %s\n",
			num(s.VWAP), num(s.LowerBand), num(s.UpperBand), num(s.DistancePct), s.Label)
	}
	fmt.Fprintf(b, "  RSI: %s, SMA: %s, ATR: %s\n", opt(tf.RSI), opt(tf.SMA), opt(tf.ATR))
	fmt.Fprintf(b, "  EMA fast/slow: %s / %s", opt(tf.EMAFast), opt(tf.EMASlow))
	if tf.EMACross != ta.NoCross {
		fmt.Fprintf(b, " [%s]", tf.EMACross)
	}
	b.WriteString("\n")
	if tf.Err != "" {
		fmt.Fprintf(b, "  Note: %s\n", tf.Err)
	}
}

func accountName(a types.Account) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func opt(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return num(*v)
}

// money formats v with two decimals and comma-grouped thousands.
func money(v float64) string {
	s := num(v)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, frac, _ := strings.Cut(s, ".")
	var g strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			g.WriteByte(',')
		}
		g.WriteRune(r)
	}
	out := g.String() + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}

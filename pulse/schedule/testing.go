package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/groupcast/gateway"
)

// ScriptedGateway is a Deliverer that replays canned results per group id.
// Groups without a script get Default. Safe for concurrent use.
type ScriptedGateway struct {
	mu      sync.Mutex
	Default gateway.Result
	scripts map[string][]gateway.Result
	Calls   []GatewayCall
}

// GatewayCall is one recorded Deliver call.
type GatewayCall struct {
	ChannelID string
	GroupID   string
	Message   gateway.Message
}

// NewScriptedGateway returns a gateway that reports every delivery as sent.
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{
		Default: gateway.Result{Status: gateway.StatusSent, Attempts: 1},
		scripts: map[string][]gateway.Result{},
	}
}

// Script queues results for a group, consumed one per call.
func (g *ScriptedGateway) Script(groupID string, results ...gateway.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[groupID] = append(g.scripts[groupID], results...)
}

func (g *ScriptedGateway) Deliver(_ context.Context, channelID, to string, msg gateway.Message) gateway.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, GatewayCall{ChannelID: channelID, GroupID: to, Message: msg})
	if q := g.scripts[to]; len(q) > 0 {
		g.scripts[to] = q[1:]
		return q[0]
	}
	return g.Default
}

// CallCount returns how many deliveries were made.
func (g *ScriptedGateway) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}

// Failed builds a failed result of class c.
func Failed(c gateway.Class, text string) gateway.Result {
	return gateway.Result{Status: gateway.StatusFailed, Class: c, Error: text, Attempts: 1}
}

// FixedClock returns a clock frozen at t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

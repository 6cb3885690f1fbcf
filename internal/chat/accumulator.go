package chat

import "fmt"

// callAccumulator reassembles streamed tool-call fragments. Calls keep the
// order in which their first fragment arrived.
type callAccumulator struct {
	order   []int
	byIndex map[int]*ToolCall
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{byIndex: make(map[int]*ToolCall)}
}

// Add merges one fragment and reports whether it introduced the call's name.
func (a *callAccumulator) Add(d ToolCallDelta) (call *ToolCall, named bool) {
	call, ok := a.byIndex[d.Index]
	if !ok {
		call = &ToolCall{}
		a.byIndex[d.Index] = call
		a.order = append(a.order, d.Index)
	}
	if call.ID == "" && d.ID != "" {
		call.ID = d.ID
	}
	if d.Name != "" && call.Name == "" {
		call.Name = d.Name
		named = true
	}
	call.Arguments += d.Arguments
	return call, named
}

// Len returns the number of calls seen so far.
func (a *callAccumulator) Len() int {
	return len(a.order)
}

// Calls returns the calls in arrival order. Calls the upstream never gave
// an id get tc_<index>.
func (a *callAccumulator) Calls() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := *a.byIndex[idx]
		if call.ID == "" {
			call.ID = fmt.Sprintf("tc_%d", idx)
		}
		out = append(out, call)
	}
	return out
}

// Package filter implements the Message Filter: an ordered
// rule set evaluated against every inbound or outbound frame, in
// descending priority, short-circuiting only on BLOCK.
package filter

import "github.com/coachrun/rvc-core/internal/codec"

// Logic combines a rule's conditions.
type Logic string

const (
	LogicAND Logic = "AND"
	LogicOR  Logic = "OR"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEqual       Operator = "="
	OpNotEqual    Operator = "!="
	OpLessThan    Operator = "<"
	OpLessEqual   Operator = "<="
	OpGreaterThan Operator = ">"
	OpGreaterEqual Operator = ">="
	OpIn          Operator = "in"
	OpNotIn       Operator = "not-in"
	OpContains    Operator = "contains"
	OpMatches     Operator = "matches" // regex
	OpWildcard    Operator = "wildcard" // glob
)

// Action is a rule outcome. PASS is the default when no rule matches or a
// matching rule declares only PASS.
type Action string

const (
	ActionPass    Action = "PASS"
	ActionBlock   Action = "BLOCK"
	ActionLog     Action = "LOG"
	ActionAlert   Action = "ALERT"
	ActionCapture Action = "CAPTURE"
	ActionForward Action = "FORWARD"
	ActionModify  Action = "MODIFY"
)

// Condition compares one extracted field of a decoded frame against a
// value. Field accepts a bare name (can_id, pgn, source, destination,
// data_length, interface, protocol) or a dotted path into a field's
// decoded value (e.g. "fields.brightness"), resolved via jsonpath over
// the frame's JSON view (see view in conditions.go).
type Condition struct {
	Field    string
	Operator Operator
	Value    string
}

// ReservedRulePrefix marks a rule as a system rule: installed at boot and
// never removable via RemoveRule.
const ReservedRulePrefix = "sys_"

// Rule is one filter rule.
type Rule struct {
	ID         string
	Priority   int // higher evaluated first
	Conditions []Condition
	Logic      Logic
	Actions    []Action

	// ForwardTo names the interface a FORWARD action re-enqueues the frame
	// on. Ignored unless Actions contains ActionForward.
	ForwardTo string
	// Modify, if set, is applied to the frame when Actions contains
	// ActionModify. Frames are value types so this returns a new frame
	// rather than mutating the caller's copy.
	Modify func(codec.DecodedFrame) codec.DecodedFrame
}

func (r Rule) isSystem() bool {
	return len(r.ID) >= len(ReservedRulePrefix) && r.ID[:len(ReservedRulePrefix)] == ReservedRulePrefix
}

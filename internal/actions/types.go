// Package actions implements the rule engine: persisted IF -> THEN ->
// {success|error} chains driven by MQTT messages through a per-action state
// machine.
//
// A timed-out or unmatched result wait fires the error branch command only
// when both branches are defined. A lone branch never fires on a result it
// does not match; only the final state reflects the branch kind.
package actions

import (
	"encoding/json"
	"fmt"
)

// Action states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateSuccess = "success"
	StateError   = "error"
)

// Branch names.
const (
	BranchSuccess = "success"
	BranchError   = "error"
)

// Comparators allowed in IF and branch match specs.
var Comparators = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

// Match is the value an extracted event is compared against.
type Match struct {
	Value any `json:"value"`
}

// IfNode is the trigger: a telemetry topic on a device plus a comparison.
type IfNode struct {
	DeviceID int64  `json:"device_id"`
	Source   string `json:"source"`
	Topic    string `json:"topic"`
	Cmp      string `json:"cmp"`
	Match    Match  `json:"match"`
}

// ThenNode is the command fired on trigger. Command "$IF" forwards the raw
// triggering payload verbatim.
type ThenNode struct {
	DeviceID      int64  `json:"device_id"`
	Topic         string `json:"topic"`
	Command       string `json:"command"`
	IgnoreInput   bool   `json:"ignore_input"`
	ResultTopic   string `json:"result_topic,omitempty"`
	ResultPayload string `json:"result_payload,omitempty"`
	Timeout       int    `json:"timeout,omitempty"`
	TimeoutUnit   string `json:"timeout_unit,omitempty"`
}

// BranchNode is a success or error follow-up: a result topic to watch with a
// match spec, and a command to fire when the branch is chosen.
type BranchNode struct {
	Branch        string `json:"branch"`
	DeviceID      int64  `json:"device_id"`
	Topic         string `json:"topic"`
	Command       string `json:"command"`
	IgnoreInput   bool   `json:"ignore_input"`
	ResultTopic   string `json:"result_topic,omitempty"`
	ResultPayload string `json:"result_payload,omitempty"`
	Cmp           string `json:"cmp"`
	Match         Match  `json:"match"`
	Timeout       int    `json:"timeout,omitempty"`
	TimeoutUnit   string `json:"timeout_unit,omitempty"`
}

// Action is a parsed, validated rule.
type Action struct {
	ID      int64
	Name    string
	If      IfNode
	Then    ThenNode
	Success *BranchNode
	Error   *BranchNode
}

// chainNode is the raw union shape of one chain element.
type chainNode struct {
	DeviceID      int64  `json:"device_id"`
	Source        string `json:"source,omitempty"`
	Topic         string `json:"topic"`
	Command       string `json:"command,omitempty"`
	IgnoreInput   bool   `json:"ignore_input,omitempty"`
	ResultTopic   string `json:"result_topic,omitempty"`
	ResultPayload string `json:"result_payload,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Cmp           string `json:"cmp,omitempty"`
	Match         *Match `json:"match,omitempty"`
	Timeout       int    `json:"timeout,omitempty"`
	TimeoutUnit   string `json:"timeout_unit,omitempty"`
}

// ParseChain decodes and validates a raw chain: exactly one IF (first, with
// source "io"), one THEN, and at most one branch of each kind.
func ParseChain(raw []byte) (IfNode, ThenNode, *BranchNode, *BranchNode, error) {
	var zero IfNode
	var zeroThen ThenNode

	var nodes []chainNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return zero, zeroThen, nil, nil, fmt.Errorf("chain is not a JSON array: %w", err)
	}
	if len(nodes) < 2 {
		return zero, zeroThen, nil, nil, fmt.Errorf("chain has %d nodes, need at least IF and THEN", len(nodes))
	}

	head := nodes[0]
	if head.Source != "io" {
		return zero, zeroThen, nil, nil, fmt.Errorf("chain[0].source = %q, want io", head.Source)
	}
	if !Comparators[head.Cmp] {
		return zero, zeroThen, nil, nil, fmt.Errorf("chain[0] has invalid comparator %q", head.Cmp)
	}
	ifNode := IfNode{
		DeviceID: head.DeviceID,
		Source:   head.Source,
		Topic:    head.Topic,
		Cmp:      head.Cmp,
	}
	if head.Match != nil {
		ifNode.Match = *head.Match
	}

	t := nodes[1]
	if t.Branch != "" {
		return zero, zeroThen, nil, nil, fmt.Errorf("chain[1] is a branch node, want THEN")
	}
	thenNode := ThenNode{
		DeviceID:      t.DeviceID,
		Topic:         t.Topic,
		Command:       t.Command,
		IgnoreInput:   t.IgnoreInput,
		ResultTopic:   t.ResultTopic,
		ResultPayload: t.ResultPayload,
		Timeout:       t.Timeout,
		TimeoutUnit:   t.TimeoutUnit,
	}

	var success, failure *BranchNode
	for i, n := range nodes[2:] {
		b := BranchNode{
			Branch:        n.Branch,
			DeviceID:      n.DeviceID,
			Topic:         n.Topic,
			Command:       n.Command,
			IgnoreInput:   n.IgnoreInput,
			ResultTopic:   n.ResultTopic,
			ResultPayload: n.ResultPayload,
			Cmp:           n.Cmp,
			Timeout:       n.Timeout,
			TimeoutUnit:   n.TimeoutUnit,
		}
		if n.Match != nil {
			b.Match = *n.Match
		}
		if !Comparators[b.Cmp] {
			return zero, zeroThen, nil, nil, fmt.Errorf("chain[%d] has invalid comparator %q", i+2, b.Cmp)
		}
		switch n.Branch {
		case BranchSuccess:
			if success != nil {
				return zero, zeroThen, nil, nil, fmt.Errorf("chain has two success branches")
			}
			success = &b
		case BranchError:
			if failure != nil {
				return zero, zeroThen, nil, nil, fmt.Errorf("chain has two error branches")
			}
			failure = &b
		default:
			return zero, zeroThen, nil, nil, fmt.Errorf("chain[%d].branch = %q, want success or error", i+2, n.Branch)
		}
	}

	return ifNode, thenNode, success, failure, nil
}

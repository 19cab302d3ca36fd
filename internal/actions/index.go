package actions

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/database"
	"github.com/microlumin/factory-lens/internal/device"
)

// branchSpec is a branch with its result and command topics fully qualified.
type branchSpec struct {
	node         *BranchNode
	resultTopic  string
	commandTopic string
}

// compiledAction is an Action with every referenced topic resolved against
// its device, ready for matching without further lookups.
type compiledAction struct {
	*Action
	ifTopic     string
	thenTopic   string
	branches    map[string]branchSpec
	waitTimeout time.Duration
}

// resultSummaryTopic is the topic reported in the post-wait summary: the
// success branch's watched topic when present, the error branch's otherwise.
func (ca *compiledAction) resultSummaryTopic() string {
	if bs, ok := ca.branches[BranchSuccess]; ok {
		return bs.resultTopic
	}
	if bs, ok := ca.branches[BranchError]; ok {
		return bs.resultTopic
	}
	return ""
}

// snapshot is the immutable rule set the engine matches against. Hot reload
// builds a fresh one and swaps a pointer; in-flight workers keep the one they
// started from.
type snapshot struct {
	compiled map[int64]*compiledAction
	triggers map[string][]int64
	results  map[string]struct{}
}

func emptySnapshot() *snapshot {
	return &snapshot{
		compiled: map[int64]*compiledAction{},
		triggers: map[string][]int64{},
		results:  map[string]struct{}{},
	}
}

// buildSnapshot compiles enabled action rows. Rows that fail to parse or
// reference a missing device are skipped with a warning; one bad rule must
// not take the rule set down.
func buildSnapshot(rows []database.ActionRow, devices Devices, log zerolog.Logger) *snapshot {
	s := emptySnapshot()

	for _, row := range rows {
		ifNode, thenNode, success, failure, err := ParseChain(row.Chain)
		if err != nil {
			log.Warn().Err(err).Int64("action_id", row.ID).Str("name", row.Name).Msg("skipping malformed action chain")
			continue
		}
		a := &Action{ID: row.ID, Name: row.Name, If: ifNode, Then: thenNode, Success: success, Error: failure}

		ca, err := compile(a, devices)
		if err != nil {
			log.Warn().Err(err).Int64("action_id", row.ID).Str("name", row.Name).Msg("skipping uncompilable action")
			continue
		}

		s.compiled[a.ID] = ca
		s.triggers[ca.ifTopic] = append(s.triggers[ca.ifTopic], a.ID)
		for _, bs := range ca.branches {
			s.results[bs.resultTopic] = struct{}{}
		}
	}
	return s
}

func compile(a *Action, devices Devices) (*compiledAction, error) {
	ifDev, ok := devices.ByID(a.If.DeviceID)
	if !ok {
		return nil, &MissingDeviceError{ActionID: a.ID, DeviceID: a.If.DeviceID, Role: "if"}
	}
	thenDev, ok := devices.ByID(a.Then.DeviceID)
	if !ok {
		return nil, &MissingDeviceError{ActionID: a.ID, DeviceID: a.Then.DeviceID, Role: "then"}
	}

	ca := &compiledAction{
		Action:    a,
		ifTopic:   ifDev.FullTopic(a.If.Topic),
		thenTopic: thenDev.FullTopic(a.Then.Topic),
		branches:  map[string]branchSpec{},
	}

	for _, b := range []*BranchNode{a.Success, a.Error} {
		if b == nil {
			continue
		}
		bs, err := compileBranch(a, b, thenDev, devices)
		if err != nil {
			return nil, err
		}
		ca.branches[b.Branch] = bs
	}

	ca.waitTimeout = waitTimeout(a)
	return ca, nil
}

// compileBranch resolves a branch's result topic (what it watches) and
// command topic (what it fires). The result topic defaults to the THEN
// node's result_topic on the THEN device when the branch carries none.
func compileBranch(a *Action, b *BranchNode, thenDev device.Device, devices Devices) (branchSpec, error) {
	branchDev := thenDev
	if b.DeviceID != 0 && b.DeviceID != a.Then.DeviceID {
		d, ok := devices.ByID(b.DeviceID)
		if !ok {
			return branchSpec{}, &MissingDeviceError{ActionID: a.ID, DeviceID: b.DeviceID, Role: b.Branch}
		}
		branchDev = d
	}

	bs := branchSpec{node: b}
	switch {
	case b.ResultTopic != "":
		bs.resultTopic = branchDev.FullTopic(b.ResultTopic)
	case a.Then.ResultTopic != "":
		bs.resultTopic = thenDev.FullTopic(a.Then.ResultTopic)
	default:
		return branchSpec{}, &MissingResultTopicError{ActionID: a.ID, Branch: b.Branch}
	}
	if b.Topic != "" {
		bs.commandTopic = branchDev.FullTopic(b.Topic)
	}
	return bs, nil
}

// waitTimeout is the minimum positive timeout among the branches and the
// THEN node. Zero means no wait is configured.
func waitTimeout(a *Action) time.Duration {
	var min time.Duration
	consider := func(val int, unit string) {
		if val <= 0 {
			return
		}
		d := device.IntervalDuration(val, unit)
		if min == 0 || d < min {
			min = d
		}
	}
	consider(a.Then.Timeout, a.Then.TimeoutUnit)
	if a.Success != nil {
		consider(a.Success.Timeout, a.Success.TimeoutUnit)
	}
	if a.Error != nil {
		consider(a.Error.Timeout, a.Error.TimeoutUnit)
	}
	return min
}

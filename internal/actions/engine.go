package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/database"
	"github.com/microlumin/factory-lens/internal/device"
	"github.com/microlumin/factory-lens/internal/ingest"
	"github.com/microlumin/factory-lens/internal/metrics"
)

// Publisher sends a message to the broker, best effort.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Injector feeds a message back into the subsystem queues so sibling
// managers can react to commands the engine publishes.
type Injector interface {
	Inject(m ingest.Message)
}

// Devices is the registry surface the engine needs.
type Devices interface {
	ByID(id int64) (device.Device, bool)
}

// Store loads persisted actions.
type Store interface {
	ListActions(ctx context.Context, enabledOnly bool) ([]database.ActionRow, error)
}

// runtime is the live per-action state.
type runtime struct {
	state       string
	ifPayload   []byte
	ifExtracted string
}

// pendingWait ties a running action to the result topics it is blocked on.
// The message path fills observed/observedTopic and closes the latch; the
// THEN worker reads them after wake. All fields are guarded by Engine.mu.
type pendingWait struct {
	latch         chan struct{}
	branches      map[string]branchSpec
	observed      string
	observedTopic string
	fired         bool
}

// Engine drives every enabled action through idle -> running ->
// {success|error} -> idle, matching inbound MQTT messages against the
// compiled rule snapshot.
type Engine struct {
	store   Store
	devices Devices
	pub     Publisher
	inject  Injector
	log     zerolog.Logger

	statusInterval time.Duration
	exit           func()

	snap atomic.Pointer[snapshot]

	mu       sync.Mutex
	runtimes map[int64]*runtime
	pending  map[int64]*pendingWait

	lastBeat atomic.Int64
}

type Options struct {
	Store          Store
	Devices        Devices
	Publisher      Publisher
	Injector       Injector
	StatusInterval time.Duration
	Log            zerolog.Logger
	// Exit is called when the status loop starves past twice the interval.
	// Defaults to a fatal log (process exit).
	Exit func()
}

func New(opts Options) *Engine {
	log := opts.Log.With().Str("component", "actions").Logger()
	e := &Engine{
		store:          opts.Store,
		devices:        opts.Devices,
		pub:            opts.Publisher,
		inject:         opts.Injector,
		log:            log,
		statusInterval: opts.StatusInterval,
		exit:           opts.Exit,
		runtimes:       map[int64]*runtime{},
		pending:        map[int64]*pendingWait{},
	}
	if e.statusInterval <= 0 {
		e.statusInterval = 30 * time.Second
	}
	if e.exit == nil {
		e.exit = func() { log.Fatal().Msg("action engine heartbeat starved, exiting") }
	}
	e.snap.Store(emptySnapshot())
	e.lastBeat.Store(time.Now().UnixNano())
	return e
}

// Reload rebuilds the rule snapshot from the store and swaps it in. Runtime
// state for surviving actions is preserved; removed actions lose theirs and
// any pending-wait they held is discarded when its worker wakes.
func (e *Engine) Reload(ctx context.Context) error {
	rows, err := e.store.ListActions(ctx, true)
	if err != nil {
		return fmt.Errorf("load actions: %w", err)
	}
	snap := buildSnapshot(rows, e.devices, e.log)
	e.snap.Store(snap)

	e.mu.Lock()
	for id := range snap.compiled {
		if _, ok := e.runtimes[id]; !ok {
			e.runtimes[id] = &runtime{state: StateIdle}
		}
	}
	for id := range e.runtimes {
		if _, ok := snap.compiled[id]; !ok {
			delete(e.runtimes, id)
		}
	}
	e.mu.Unlock()

	e.log.Info().Int("actions", len(snap.compiled)).Int("triggers", len(snap.triggers)).Msg("action snapshot loaded")
	return nil
}

// Relevant reports whether a topic is in the trigger or result set.
func (e *Engine) Relevant(topic string) bool {
	snap := e.snap.Load()
	if _, ok := snap.triggers[topic]; ok {
		return true
	}
	_, ok := snap.results[topic]
	return ok
}

// HandleMessage is the actions consumer's process function.
func (e *Engine) HandleMessage(ctx context.Context, m ingest.Message) error {
	if !utf8.Valid(m.Payload) {
		e.log.Debug().Str("topic", m.Topic).Msg("skipping binary payload")
		return nil
	}
	snap := e.snap.Load()

	if _, ok := snap.results[m.Topic]; ok {
		e.signalPending(m.Topic, m.Payload)
	}
	for _, id := range snap.triggers[m.Topic] {
		ca, ok := snap.compiled[id]
		if !ok {
			continue
		}
		e.tryTrigger(ca, m.Payload)
	}
	return nil
}

// signalPending records an observation on a result topic and wakes every
// pending-wait watching it. Runs on the message path so a blocked THEN
// worker cannot miss a fast result.
func (e *Engine) signalPending(topic string, payload []byte) {
	val := ExtractEvent(payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, pw := range e.pending {
		if pw.fired {
			continue
		}
		for _, bs := range pw.branches {
			if bs.resultTopic != topic {
				continue
			}
			pw.observed = val
			pw.observedTopic = topic
			pw.fired = true
			close(pw.latch)
			e.log.Debug().Int64("action_id", id).Str("topic", topic).Str("observed", val).Msg("pending wait signalled")
			break
		}
	}
}

func (e *Engine) tryTrigger(ca *compiledAction, payload []byte) {
	val := ExtractEvent(payload)
	matched, err := Compare(ca.If.Cmp, val, ca.If.Match.Value)
	if err != nil {
		e.log.Error().Err(err).Int64("action_id", ca.ID).Msg("if comparison failed")
		return
	}
	if !matched {
		return
	}

	e.mu.Lock()
	rt, ok := e.runtimes[ca.ID]
	if !ok || rt.state != StateIdle {
		e.mu.Unlock()
		return
	}
	rt.state = StateRunning
	rt.ifPayload = append([]byte(nil), payload...)
	rt.ifExtracted = val
	ifPayload := rt.ifPayload
	e.mu.Unlock()

	e.publishState(ca.ID, StateRunning)
	e.publishJSON("actions/if/trigger", map[string]any{
		"action_id": ca.ID,
		"topic":     ca.ifTopic,
		"payload":   string(payload),
	})
	e.log.Info().Int64("action_id", ca.ID).Str("name", ca.Name).Str("observed", val).Msg("action triggered")

	go e.executeThen(ca, ifPayload)
}

// executeThen runs the THEN node and, when branches exist, waits for a
// result. The pending-wait is registered before the command goes out so a
// result racing the publish is never lost.
func (e *Engine) executeThen(ca *compiledAction, ifPayload []byte) {
	command := ca.Then.Command
	if command == "$IF" {
		command = string(ifPayload)
	}

	e.publishJSON("actions/then/command", map[string]any{
		"action_id": ca.ID,
		"topic":     ca.thenTopic,
		"command":   command,
	})

	var pw *pendingWait
	if len(ca.branches) > 0 {
		pw = &pendingWait{latch: make(chan struct{}), branches: ca.branches}
		e.mu.Lock()
		e.pending[ca.ID] = pw
		e.mu.Unlock()
	}

	if err := e.pub.Publish(ca.thenTopic, []byte(command)); err != nil {
		e.log.Warn().Err(err).Int64("action_id", ca.ID).Str("topic", ca.thenTopic).Msg("then publish failed")
	}
	e.inject.Inject(ingest.Message{DeviceID: ca.Then.DeviceID, Topic: ca.thenTopic, Payload: []byte(command)})

	if pw == nil {
		// No branches defined: immediate success, even with a result_topic
		// configured, so a rule without follow-ups can never stall.
		e.finish(ca.ID, StateSuccess)
		return
	}

	if ca.waitTimeout > 0 {
		timer := time.NewTimer(ca.waitTimeout)
		select {
		case <-pw.latch:
			timer.Stop()
		case <-timer.C:
		}
	} else {
		// No timeout configured anywhere: evaluate whatever arrived already.
		select {
		case <-pw.latch:
		default:
		}
	}

	e.mu.Lock()
	delete(e.pending, ca.ID)
	fired, observed, observedTopic := pw.fired, pw.observed, pw.observedTopic
	e.mu.Unlock()

	var payload any
	if fired {
		payload = observed
	}
	e.publishJSON("actions/then/result", map[string]any{
		"action_id":    ca.ID,
		"result_topic": ca.resultSummaryTopic(),
		"matched":      fired,
		"payload":      payload,
	})

	if _, still := e.snap.Load().compiled[ca.ID]; !still {
		e.log.Info().Int64("action_id", ca.ID).Msg("pending wait discarded, action removed mid-flight")
		return
	}

	branch, state := e.evaluate(ca, fired, observed, observedTopic)
	if branch != "" {
		e.fireBranch(ca, branch, ifPayload)
	}
	e.finish(ca.ID, state)
}

// evaluate applies the tie-break: error match first, then success match,
// then error when both branches exist and nothing matched. With a single
// unmatched branch no command fires and the final state follows the branch
// kind (success branch only ends success, error branch only ends error).
func (e *Engine) evaluate(ca *compiledAction, fired bool, observed, observedTopic string) (branch, state string) {
	matches := func(bs branchSpec) bool {
		if !fired || observedTopic != bs.resultTopic {
			return false
		}
		ok, err := Compare(bs.node.Cmp, observed, bs.node.Match.Value)
		if err != nil {
			e.log.Error().Err(err).Int64("action_id", ca.ID).Str("branch", bs.node.Branch).Msg("branch comparison failed")
			return false
		}
		return ok
	}

	errSpec, hasErr := ca.branches[BranchError]
	sucSpec, hasSuc := ca.branches[BranchSuccess]

	switch {
	case hasErr && matches(errSpec):
		return BranchError, StateError
	case hasSuc && matches(sucSpec):
		return BranchSuccess, StateSuccess
	case hasErr && hasSuc:
		return BranchError, StateError
	case hasErr:
		return "", StateError
	default:
		return "", StateSuccess
	}
}

func (e *Engine) fireBranch(ca *compiledAction, branch string, ifPayload []byte) {
	bs := ca.branches[branch]
	command := bs.node.Command
	if command == "$IF" {
		command = string(ifPayload)
	}

	e.publishJSON("actions/evaluate/"+branch+"/command", map[string]any{
		"action_id": ca.ID,
		"topic":     bs.commandTopic,
		"command":   command,
	})
	if bs.commandTopic == "" {
		return
	}
	if err := e.pub.Publish(bs.commandTopic, []byte(command)); err != nil {
		e.log.Warn().Err(err).Int64("action_id", ca.ID).Str("topic", bs.commandTopic).Msg("branch publish failed")
	}
	e.inject.Inject(ingest.Message{DeviceID: bs.node.DeviceID, Topic: bs.commandTopic, Payload: []byte(command)})
}

// finish publishes the terminal state and returns the action to idle.
func (e *Engine) finish(actionID int64, state string) {
	e.mu.Lock()
	rt, ok := e.runtimes[actionID]
	if ok {
		rt.state = state
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.publishState(actionID, state)

	e.mu.Lock()
	if rt, ok := e.runtimes[actionID]; ok {
		rt.state = StateIdle
		rt.ifPayload = nil
		rt.ifExtracted = ""
	}
	e.mu.Unlock()
	e.publishState(actionID, StateIdle)
}

func (e *Engine) publishState(actionID int64, state string) {
	metrics.ActionTransitionsTotal.WithLabelValues(state).Inc()
	topic := fmt.Sprintf("actions/%d/status", actionID)
	if err := e.pub.Publish(topic, []byte(state)); err != nil {
		e.log.Warn().Err(err).Str("topic", topic).Msg("status publish failed")
	}
}

func (e *Engine) publishJSON(topic string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("payload marshal failed")
		return
	}
	if err := e.pub.Publish(topic, raw); err != nil {
		e.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

// States returns a copy of the current per-action states.
func (e *Engine) States() map[int64]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int64]string, len(e.runtimes))
	for id, rt := range e.runtimes {
		out[id] = rt.state
	}
	return out
}

// Run drives the periodic status digest and its watchdog until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	go e.watchdog(ctx)

	ticker := time.NewTicker(e.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.lastBeat.Store(time.Now().UnixNano())
			e.publishDigest()
		}
	}
}

// publishDigest emits the full rule summary as a JSON array of
// {id, name, state} objects, ordered by id.
func (e *Engine) publishDigest() {
	snap := e.snap.Load()
	states := e.States()

	type entry struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
	}
	digest := make([]entry, 0, len(snap.compiled))
	for id, ca := range snap.compiled {
		digest = append(digest, entry{ID: id, Name: ca.Name, State: states[id]})
	}
	sort.Slice(digest, func(i, j int) bool { return digest[i].ID < digest[j].ID })
	e.publishJSON("actions/status", digest)
}

// watchdog exits the process when the status loop stalls for twice the
// interval. A wedged digest loop means the engine lost its timer goroutine
// and silent rule evaluation can no longer be trusted.
func (e *Engine) watchdog(ctx context.Context) {
	ticker := time.NewTicker(e.statusInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, e.lastBeat.Load())
			if time.Since(last) > 2*e.statusInterval {
				e.log.Error().Time("last_beat", last).Msg("status loop starved")
				e.exit()
				return
			}
		}
	}
}

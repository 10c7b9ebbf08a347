// Package runner implements the agent runner state machine and its
// causally-filtered reaction loop, grounded on the teacher's
// cluster/agent.go Run()/runSession() lifecycle, generalized from a
// Docker-fleet heartbeat+command loop to the fabric's thread-snapshot
// reaction model.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openmesh/fabric/internal/agentclient"
	"github.com/openmesh/fabric/internal/connector"
	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/message"
	"github.com/openmesh/fabric/internal/mod"
)

// State is one step of the runner's lifecycle: init -> ready -> running
// -> stopping -> stopped.
type State string

const (
	StateInit     State = "init"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// DefaultInterval is the sweep period used when no interval is supplied.
const DefaultInterval = 1 * time.Second

// Hooks are the user-supplied lifecycle callbacks. Setup and Teardown
// errors are fatal to the runner only; a React error is logged and
// otherwise ignored -- the next sweep skips the envelope because its id
// is already in processed_ids.
type Hooks interface {
	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error
	React(ctx context.Context, threads map[string][]*message.Envelope, threadID string, env *message.Envelope) error
}

// ModLoader resolves a list of mod names to loaded mods. Its default is
// mod.Load; tests substitute a stub.
type ModLoader func(names []string, manifestPath string) ([]mod.Loaded, []*mod.LoadError)

// Runner drives one agent's connection lifecycle and reaction loop.
type Runner struct {
	client   *agentclient.Client
	conn     *connector.Connector
	hooks    Hooks
	log      *logging.Logger
	interval time.Duration

	manifestPath string
	loadMods     ModLoader

	ignoredSenders map[string]struct{}
	processedIDs   map[string]struct{} // loop-goroutine-only, no lock needed

	stateMu sync.RWMutex
	state   State

	cancel  context.CancelFunc
	doneCh  chan struct{}
	running bool // cooperative flag the loop checks between sweeps
}

// Option configures a Runner at construction time.
type Option func(*Runner)

func WithInterval(d time.Duration) Option { return func(r *Runner) { r.interval = d } }
func WithManifestPath(path string) Option { return func(r *Runner) { r.manifestPath = path } }
func WithModLoader(l ModLoader) Option     { return func(r *Runner) { r.loadMods = l } }

// WithIgnoredSenders seeds the set of sender_ids whose envelopes the
// reaction loop skips.
func WithIgnoredSenders(ids ...string) Option {
	return func(r *Runner) {
		for _, id := range ids {
			r.ignoredSenders[id] = struct{}{}
		}
	}
}

// New builds a Runner. client and conn must already be wired to the same
// connection (agentclient.New is handed the Connector it should use).
func New(client *agentclient.Client, conn *connector.Connector, hooks Hooks, log *logging.Logger, opts ...Option) *Runner {
	r := &Runner{
		client:         client,
		conn:           conn,
		hooks:          hooks,
		log:            log,
		interval:       DefaultInterval,
		loadMods:       mod.Load,
		ignoredSenders: make(map[string]struct{}),
		processedIDs:   make(map[string]struct{}),
		state:          StateInit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// Start connects, loads adapters for any mod the server flags
// requires_adapter, runs user Setup, and spawns the reaction loop.
func (r *Runner) Start(ctx context.Context, agentID string, metadata map[string]any) error {
	if err := r.conn.Connect(ctx, agentID, metadata); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	r.setState(StateReady)

	if err := r.loadRequiredAdapters(ctx); err != nil {
		r.log.Warn("mod adapter loading encountered errors", "error", err)
	}

	if err := r.hooks.Setup(ctx); err != nil {
		_ = r.conn.Disconnect()
		return fmt.Errorf("setup: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	r.running = true
	r.setState(StateRunning)

	go r.loop(loopCtx)
	return nil
}

// loadRequiredAdapters asks the server for its mod roster and registers
// an adapter for each mod flagged requires_adapter, skipping -- with a
// logged reason, never fatally -- any that fail to load.
func (r *Runner) loadRequiredAdapters(ctx context.Context) error {
	mods, err := r.client.ListMods(ctx)
	if err != nil {
		return fmt.Errorf("list_mods: %w", err)
	}

	var names []string
	for _, m := range mods {
		if requires, _ := m["requires_adapter"].(bool); requires {
			if name, _ := m["name"].(string); name != "" {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return nil
	}

	loaded, loadErrs := r.loadMods(names, r.manifestPath)
	for _, le := range loadErrs {
		r.log.Warn("failed to load mod adapter", "mod", le.ModName, "reason", le.Reason)
	}
	for _, l := range loaded {
		if l.Adapter == nil {
			continue
		}
		r.client.RegisterModAdapter(ctx, l.Name, l.Adapter)
	}
	return nil
}

// Stop requests a graceful shutdown: the in-flight reaction (if any)
// completes, the loop exits, user Teardown runs, then the connection
// closes. A second Stop is idempotent.
func (r *Runner) Stop(ctx context.Context) error {
	if r.State() == StateStopped || r.State() == StateStopping {
		return nil
	}
	r.setState(StateStopping)

	r.running = false
	if r.cancel != nil {
		r.cancel()
	}
	if r.doneCh != nil {
		<-r.doneCh
	}

	err := r.hooks.Teardown(ctx)
	_ = r.conn.Disconnect()
	r.setState(StateStopped)
	return err
}

// loop is the cooperative reaction sweep, run on its own goroutine but
// single-threaded in effect: only one React call is ever in flight.
func (r *Runner) loop(ctx context.Context) {
	defer close(r.doneCh)

	for r.running {
		threads := r.client.GetMessageThreads()
		threadID, env := findCandidate(threads, r.processedIDs, r.ignoredSenders)

		if env != nil {
			r.processedIDs[env.MessageID] = struct{}{}
			filtered := filterThreads(threads, env.Timestamp)
			if err := r.hooks.React(ctx, filtered, threadID, env); err != nil {
				r.log.Error("react error", "message_id", env.MessageID, "thread_id", threadID, "error", err)
			}
			continue // repeat immediately when a candidate was found
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

// findCandidate returns the earliest-timestamp envelope across all
// threads whose message_id hasn't been processed and whose sender_id
// isn't ignored, plus the thread it came from.
func findCandidate(threads map[string][]*message.Envelope, processed, ignored map[string]struct{}) (string, *message.Envelope) {
	var bestThread string
	var best *message.Envelope

	keys := make([]string, 0, len(threads))
	for k := range threads {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic scan order when timestamps tie

	for _, threadID := range keys {
		for _, env := range threads[threadID] {
			if _, done := processed[env.MessageID]; done {
				continue
			}
			if _, skip := ignored[env.SenderID]; skip {
				continue
			}
			if best == nil || env.Timestamp < best.Timestamp {
				best = env
				bestThread = threadID
			}
		}
	}
	return bestThread, best
}

// filterThreads returns a copy of threads omitting every envelope whose
// timestamp is strictly greater than cutoff, giving the reaction a
// causally consistent prefix of history.
func filterThreads(threads map[string][]*message.Envelope, cutoff float64) map[string][]*message.Envelope {
	out := make(map[string][]*message.Envelope, len(threads))
	for threadID, envs := range threads {
		var kept []*message.Envelope
		for _, e := range envs {
			if e.Timestamp <= cutoff {
				kept = append(kept, e)
			}
		}
		out[threadID] = kept
	}
	return out
}

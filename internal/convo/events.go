package convo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haydenbarnes/convo-sync/internal/stats"
	"github.com/haydenbarnes/convo-sync/internal/store"
	"golang.org/x/text/unicode/norm"
)

// maxEventRetries bounds re-enqueueing of events whose conversation is
// not yet locally known. The count is carried over from the original
// design; the interval between attempts is simply the queue latency.
const maxEventRetries = 3

// eventState tracks an in-flight event through the processor.
type eventState int

const (
	stateUnresolved eventState = iota
	stateResolving
	stateApplied
	stateRetried
	stateAbandoned
)

// envelope wraps an event with its retry bookkeeping and the context
// it was enqueued under. force marks the final allowed attempt, on
// which resolution may create a best-effort stub record.
type envelope struct {
	ctx     context.Context
	ev      Event
	state   eventState
	retries int
	force   bool
}

// convQueue is one conversation's FIFO of pending envelopes. Events for
// the same conversation are processed strictly in order by a single
// worker; queues for different conversations drain concurrently.
type convQueue struct {
	items   []envelope
	running bool
}

// Processor consumes the ordered per-conversation event stream and
// folds each event into the local replica.
type Processor struct {
	store  *store.Store
	remote Remote
	merger *Merger
	users  *Syncer
	notify Notifier
	stats  *stats.Collector
	logger *slog.Logger

	selfID string

	mu     sync.Mutex
	queues map[string]*convQueue
	wg     sync.WaitGroup
}

// NewProcessor wires the event processor. notify may be NopNotifier,
// collector may be nil.
func NewProcessor(st *store.Store, remote Remote, merger *Merger, users *Syncer, notify Notifier, collector *stats.Collector, selfID string, logger *slog.Logger) *Processor {
	if notify == nil {
		notify = NopNotifier{}
	}

	if collector == nil {
		collector = stats.NewCollector()
	}

	return &Processor{
		store:  st,
		remote: remote,
		merger: merger,
		users:  users,
		notify: notify,
		stats:  collector,
		logger: logger,
		selfID: selfID,
		queues: make(map[string]*convQueue),
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
// In-flight events are drained before returning.
func (p *Processor) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.wg.Wait()
				return nil
			}

			p.Enqueue(ctx, ev)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Enqueue submits one event for processing on its conversation's queue.
// ctx bounds the remote calls the event may trigger.
func (p *Processor) Enqueue(ctx context.Context, ev Event) {
	p.stats.Arrived()
	p.wg.Add(1)
	p.push(envelope{ctx: ctx, ev: ev, state: stateUnresolved})
}

// ProcessAll enqueues a batch and blocks until every event has reached
// a terminal state (applied or abandoned).
func (p *Processor) ProcessAll(ctx context.Context, events []Event) {
	for _, ev := range events {
		p.Enqueue(ctx, ev)
	}

	p.Wait()
}

// Wait blocks until all enqueued events reached a terminal state.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// push appends an envelope to its conversation queue and starts a
// worker for the queue if none is draining it.
func (p *Processor) push(env envelope) {
	key := env.ev.ConvRemoteID

	p.mu.Lock()
	q, ok := p.queues[key]
	if !ok {
		q = &convQueue{}
		p.queues[key] = q
	}

	q.items = append(q.items, env)
	if !q.running {
		q.running = true
		go p.drain(q)
	}
	p.mu.Unlock()
}

// drain processes a conversation's queue in FIFO order until empty.
func (p *Processor) drain(q *convQueue) {
	for {
		p.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			p.mu.Unlock()

			return
		}

		env := q.items[0]
		q.items = q.items[1:]
		p.mu.Unlock()

		p.step(env)
	}
}

// step advances one envelope and routes it by resulting state. Retried
// envelopes go to the back of their conversation's queue; terminal
// states release the wait group.
func (p *Processor) step(env envelope) {
	p.safeApply(&env)

	switch env.state {
	case stateRetried:
		p.stats.Record(string(env.ev.Kind), stats.OutcomeRetried)
		p.push(env)

	case stateAbandoned:
		p.stats.Record(string(env.ev.Kind), stats.OutcomeAbandoned)
		p.wg.Done()

	default:
		p.stats.Record(string(env.ev.Kind), stats.OutcomeApplied)
		p.wg.Done()
	}
}

// safeApply catches any unexpected failure at the operation boundary so
// one broken event can never halt processing for other conversations.
func (p *Processor) safeApply(env *envelope) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("unexpected failure processing event",
				slog.String("kind", string(env.ev.Kind)),
				slog.String("conversation", env.ev.ConvRemoteID),
				slog.Any("panic", r),
			)
			env.state = stateAbandoned
		}
	}()

	p.apply(env)
}

// apply runs the state machine for one envelope.
func (p *Processor) apply(env *envelope) {
	env.state = stateResolving
	ev := env.ev

	// Create events carry their own snapshot; no resolution or retry.
	if ev.Kind == KindCreate {
		if err := p.handleCreate(env.ctx, ev); err != nil {
			p.logger.Warn("applying create event",
				slog.String("conversation", ev.ConvRemoteID),
				slog.String("error", err.Error()),
			)
			env.state = stateAbandoned

			return
		}

		env.state = stateApplied

		return
	}

	rec, err := p.resolve(env)
	if err != nil {
		p.logger.Warn("resolving event conversation",
			slog.String("conversation", ev.ConvRemoteID),
			slog.String("error", err.Error()),
		)
		env.state = stateAbandoned

		return
	}

	if rec == nil {
		if env.retries < maxEventRetries {
			env.retries++
			// The final allowed attempt gets the retry-tagged lookup
			// that may create a stub record.
			env.force = env.retries == maxEventRetries
			env.state = stateRetried

			return
		}

		// Non-fatal diagnostic: the conversation's data never became
		// available. Drop without blocking later events.
		p.logger.Warn("conversation data missing for event, dropping",
			slog.String("kind", string(ev.Kind)),
			slog.String("conversation", ev.ConvRemoteID),
			slog.Int("retries", env.retries),
		)
		p.requestCorrectiveSync(env.ctx, ev.ConvRemoteID)
		env.state = stateAbandoned

		return
	}

	if err := p.dispatch(env.ctx, rec, ev); err != nil {
		p.logger.Warn("applying event",
			slog.String("kind", string(ev.Kind)),
			slog.String("conversation", ev.ConvRemoteID),
			slog.String("error", err.Error()),
		)
		env.state = stateAbandoned

		return
	}

	env.state = stateApplied
}

// resolve finds the local conversation an event refers to. On a forced
// attempt, events that carry enough data to seed a record get a
// best-effort stub so the change is not lost; kinds without member
// information cannot seed one and stay unresolved.
func (p *Processor) resolve(env *envelope) (*store.ConversationRecord, error) {
	rec, err := p.store.ConversationByRemoteID(env.ev.ConvRemoteID)
	if err != nil || rec != nil {
		return rec, err
	}

	if !env.force {
		return nil, nil
	}

	switch env.ev.Kind {
	case KindMemberJoin, KindConnect:
	default:
		return nil, nil
	}

	stub, _, err := p.store.InsertOrUpdateConversation(
		LocalIDForRemote(env.ev.ConvRemoteID),
		store.ConversationRecord{RemoteID: env.ev.ConvRemoteID, Type: store.ConvGroup},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating stub record: %w", err)
	}

	p.logger.Debug("created stub conversation for retried event",
		slog.String("conversation", env.ev.ConvRemoteID),
	)

	return stub, nil
}

// handleCreate merges the embedded snapshot and emits the conversation
// started side effect for every member other than the sender.
func (p *Processor) handleCreate(ctx context.Context, ev Event) error {
	if ev.Snapshot == nil {
		return fmt.Errorf("create event without snapshot")
	}

	rec, created, err := p.merger.MergeSnapshot(ctx, ev.Snapshot)
	if err != nil {
		return err
	}

	if created {
		var others []string

		for _, m := range append([]string{p.selfID}, ev.Snapshot.Members...) {
			if m != ev.From {
				others = append(others, m)
			}
		}

		p.notify.ConversationStarted(rec.LocalID, ev.From, others)
	}

	p.notify.ConversationChanged(Delta{Updated: *rec})

	return nil
}

// dispatch applies one resolved event to its conversation. Every
// mutation is an idempotent set, so at-least-once delivery is safe.
func (p *Processor) dispatch(ctx context.Context, rec *store.ConversationRecord, ev Event) error {
	switch ev.Kind {
	case KindRename:
		return p.mutate(rec.LocalID, func(c *store.ConversationRecord) {
			c.Name = norm.NFC.String(ev.Name)
		})

	case KindMemberJoin:
		return p.handleMemberJoin(ctx, rec, ev)

	case KindMemberLeave:
		return p.handleMemberLeave(rec, ev)

	case KindMemberUpdate:
		for _, uid := range ev.UserIDs {
			if err := p.store.UpdateMember(rec.LocalID, uid, func(m *store.MembershipRecord) {
				m.Role = ev.Role
			}); err != nil {
				return err
			}
		}

		return nil

	case KindAccessChange:
		return p.mutate(rec.LocalID, func(c *store.ConversationRecord) {
			c.Access = ev.Access
			c.AccessRole = ev.AccessRole
		})

	case KindCodeSet:
		return p.mutate(rec.LocalID, func(c *store.ConversationRecord) {
			c.Link = ev.Link
		})

	case KindCodeRemoved:
		return p.mutate(rec.LocalID, func(c *store.ConversationRecord) {
			c.Link = ""
		})

	case KindReceiptMode:
		return p.mutate(rec.LocalID, func(c *store.ConversationRecord) {
			c.ReceiptMode = ev.ReceiptMode
		})

	case KindMessageTimer:
		return p.mutate(rec.LocalID, func(c *store.ConversationRecord) {
			c.MessageTimerMS = ev.MessageTimerMS
		})

	case KindConnect:
		return p.handleConnect(ctx, rec, ev)

	default:
		p.logger.Debug("ignoring generic event",
			slog.String("kind", string(ev.Kind)),
			slog.String("conversation", ev.ConvRemoteID),
		)

		return nil
	}
}

// mutate applies fn to the conversation and publishes the delta.
func (p *Processor) mutate(localID string, fn func(*store.ConversationRecord)) error {
	old, updated, err := p.store.UpdateConversation(localID, fn)
	if err != nil {
		return err
	}

	if updated != nil {
		p.notify.ConversationChanged(Delta{Previous: old, Updated: *updated})
	}

	return nil
}

// handleMemberJoin adds the joining members. When self is among the
// joiners the conversation is first re-synced from the remote to
// recover changes missed while absent. Unknown or stale joiners are
// synced before the conversation is marked active.
func (p *Processor) handleMemberJoin(ctx context.Context, rec *store.ConversationRecord, ev Event) error {
	selfJoined := false

	for _, uid := range ev.UserIDs {
		if uid == p.selfID {
			selfJoined = true
			break
		}
	}

	if selfJoined {
		snap, err := p.remote.FetchConversation(ctx, ev.ConvRemoteID)
		if err != nil {
			return fmt.Errorf("re-syncing conversation on self join: %w", err)
		}

		if _, _, err := p.merger.MergeSnapshot(ctx, snap); err != nil {
			return err
		}
	}

	if err := p.store.AddMembers(rec.LocalID, ev.UserIDs, ev.From); err != nil {
		return err
	}

	for _, uid := range ev.UserIDs {
		if err := p.users.EnsurePlaceholder(uid); err != nil {
			return err
		}
	}

	if err := p.users.SyncIfStale(ctx, ev.UserIDs).Await(ctx); err != nil {
		p.logger.Warn("waiting for joiner sync",
			slog.String("conversation", ev.ConvRemoteID),
			slog.String("error", err.Error()),
		)
	}

	if err := p.mutate(rec.LocalID, func(c *store.ConversationRecord) {
		c.Active = true
	}); err != nil {
		return err
	}

	p.notify.MembersChanged(MemberChange{ConvID: rec.LocalID, By: ev.From, Joined: ev.UserIDs})

	return nil
}

// handleMemberLeave removes the leaving members and deactivates the
// conversation when self left.
func (p *Processor) handleMemberLeave(rec *store.ConversationRecord, ev Event) error {
	if err := p.store.RemoveMembers(rec.LocalID, ev.UserIDs, ev.From); err != nil {
		return err
	}

	for _, uid := range ev.UserIDs {
		if uid != p.selfID {
			continue
		}

		if err := p.mutate(rec.LocalID, func(c *store.ConversationRecord) {
			c.Active = false
		}); err != nil {
			return err
		}

		break
	}

	p.notify.MembersChanged(MemberChange{ConvID: rec.LocalID, By: ev.From, Left: ev.UserIDs})

	return nil
}

// handleConnect adds both parties of a connect request as members and
// queues their user sync.
func (p *Processor) handleConnect(ctx context.Context, rec *store.ConversationRecord, ev Event) error {
	parties := append([]string{ev.From}, ev.UserIDs...)

	if err := p.store.AddMembers(rec.LocalID, parties, ev.From); err != nil {
		return err
	}

	for _, uid := range parties {
		if err := p.users.EnsurePlaceholder(uid); err != nil {
			return err
		}
	}

	p.users.QueueSyncIfStale(ctx, parties)

	return nil
}

// requestCorrectiveSync fires a best-effort background refresh of a
// conversation whose events had to be dropped, so the replica converges
// on the next snapshot even without the lost event.
func (p *Processor) requestCorrectiveSync(ctx context.Context, remoteID string) {
	go func() {
		snap, err := p.remote.FetchConversation(ctx, remoteID)
		if err != nil {
			p.logger.Debug("corrective sync fetch failed",
				slog.String("conversation", remoteID),
				slog.String("error", err.Error()),
			)

			return
		}

		if _, _, err := p.merger.MergeSnapshot(ctx, snap); err != nil {
			p.logger.Debug("corrective sync merge failed",
				slog.String("conversation", remoteID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

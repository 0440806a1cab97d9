// Package daemon runs a site: it recovers from the decision log, owns one
// state machine per transaction and role, and routes incoming messages to
// them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/metrics"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/recovery"
	"github.com/baxromumarov/sensor-2pc/pkg/resource"
	"github.com/baxromumarov/sensor-2pc/pkg/transport"
	twophasecommit "github.com/baxromumarov/sensor-2pc/pkg/two_phase_commit"
)

var (
	ErrNoParticipants = errors.New("transaction has no participants")
	ErrStopped        = errors.New("daemon stopped")
	ErrNotStarted     = errors.New("daemon not started")
)

const DefaultFinishedCacheSize = 4096

// Log is the decision log as the daemon uses it.
type Log interface {
	decisionlog.Appender
	Replay(pred func(decisionlog.Record) bool) ([]decisionlog.Record, error)
}

// Options configures a Daemon.
type Options struct {
	Site    protocol.SiteID
	Log     Log
	RM      resource.Manager
	Sender  transport.Sender
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Config  twophasecommit.Config

	// Alive is the heartbeat view of the other sites; nil means all alive.
	Alive func(site protocol.SiteID) bool
	// Halt is called once when the decision log fails. The default logs at
	// Fatal level, which exits the process.
	Halt func(err error)
	// FinishedCacheSize bounds the memo of finished transactions.
	FinishedCacheSize int
}

type memoKey struct {
	txn  protocol.TxnID
	role protocol.Role
}

// memoEntry is what a finished machine already told its peers.
type memoEntry struct {
	decision protocol.Decision
	vote     protocol.Vote
}

// Daemon multiplexes the transactions of one site.
type Daemon struct {
	site    protocol.SiteID
	log     Log
	rm      resource.Manager
	sender  transport.Sender
	logger  *zap.Logger
	metrics *metrics.Metrics
	env     *twophasecommit.Env

	counter  atomic.Uint64
	finished *lru.Cache[memoKey, memoEntry]

	mu sync.Mutex
	// seen is the highest participant counter per origin; a PREPARE above
	// it never ran here.
	seen         map[protocol.SiteID]uint64
	coordinators map[protocol.TxnID]*twophasecommit.Coordinator
	participants map[protocol.TxnID]*twophasecommit.Participant
	started      bool
	stopped      bool

	haltOnce sync.Once
	sends    sync.WaitGroup
}

// New creates a daemon. Nothing runs until Start.
func New(opts Options) (*Daemon, error) {
	if opts.Site == "" {
		return nil, errors.New("daemon: site is required")
	}
	if opts.Log == nil || opts.RM == nil || opts.Sender == nil {
		return nil, errors.New("daemon: log, resource manager and sender are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FinishedCacheSize <= 0 {
		opts.FinishedCacheSize = DefaultFinishedCacheSize
	}

	cache, err := lru.New[memoKey, memoEntry](opts.FinishedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("daemon: finished cache: %w", err)
	}

	d := &Daemon{
		site:         opts.Site,
		log:          opts.Log,
		rm:           opts.RM,
		sender:       opts.Sender,
		logger:       opts.Logger.With(zap.String("component", "daemon")),
		metrics:      opts.Metrics,
		finished:     cache,
		seen:         make(map[protocol.SiteID]uint64),
		coordinators: make(map[protocol.TxnID]*twophasecommit.Coordinator),
		participants: make(map[protocol.TxnID]*twophasecommit.Participant),
	}

	halt := opts.Halt
	if halt == nil {
		halt = func(err error) {
			d.logger.Fatal("Decision log failed, halting site", zap.Error(err))
		}
	}

	d.env = &twophasecommit.Env{
		Site:     opts.Site,
		Log:      opts.Log,
		RM:       opts.RM,
		Sender:   opts.Sender,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Config:   opts.Config,
		Alive:    opts.Alive,
		Halt:     func(err error) { d.haltOnce.Do(func() { halt(err) }) },
		Go:       d.goSend,
		OnFinish: d.onFinish,
	}

	return d, nil
}

func (d *Daemon) Site() protocol.SiteID {
	return d.site
}

// Start replays the decision log, rolls back engine transactions that were
// never promised, and resumes every unfinished transaction.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon: already started")
	}
	d.mu.Unlock()

	records, err := d.log.Replay(nil)
	if err != nil {
		return fmt.Errorf("replay decision log: %w", err)
	}

	plan := recovery.Analyze(d.site, records)
	d.counter.Store(plan.NextCounter - 1)

	d.mu.Lock()
	for _, rec := range records {
		if rec.Role == protocol.RoleParticipant {
			d.markSeen(rec.TxnID)
		}
	}
	d.mu.Unlock()

	for _, f := range plan.Finished {
		d.finished.Add(memoKey{f.TxnID, f.Role}, memoEntry{decision: f.Decision, vote: f.Vote})
	}

	if err := d.cleanupOrphans(ctx, plan); err != nil {
		return err
	}

	// machines are registered only once every synchronous step succeeded
	var (
		coordinators []*twophasecommit.Coordinator
		participants []*twophasecommit.Participant
	)

	for _, a := range plan.Coordinators {
		coordinators = append(coordinators,
			twophasecommit.RecoveredCoordinator(d.env, a.TxnID, a.Participants, a.Decision, a.Logged, a.Acked))
	}

	wrote := false
	for _, a := range plan.Participants {
		switch a.Resume {
		case recovery.ResumePrepared:
			participants = append(participants,
				twophasecommit.RecoveredParticipant(d.env, a.TxnID, a.Coordinator, a.Participants))

		case recovery.AbortUnprepared:
			if err := d.abortUnprepared(ctx, a); err != nil {
				return err
			}
			wrote = true

		case recovery.FinishDecided:
			if err := d.finishDecided(ctx, a); err != nil {
				return err
			}
			wrote = true
		}
	}

	if wrote {
		if err := d.log.Flush(); err != nil {
			return fmt.Errorf("flush recovery records: %w", err)
		}
	}

	// votes may only leave once the abort records are durable
	for _, a := range plan.Participants {
		if a.Resume == recovery.AbortUnprepared && a.Coordinator != "" {
			d.reply(a.Coordinator, protocol.Message{Type: protocol.MsgVoteAbort, TxnID: a.TxnID})
		}
	}

	d.mu.Lock()
	for _, c := range coordinators {
		d.coordinators[c.TxnID()] = c
		c.Start()
	}
	for _, p := range participants {
		d.participants[p.TxnID()] = p
		p.Start()
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("Site started",
		zap.Int("records", len(records)),
		zap.Int("coordinators", len(plan.Coordinators)),
		zap.Int("participants", len(plan.Participants)),
		zap.Int("finished", len(plan.Finished)),
		zap.Uint64("next_counter", plan.NextCounter))

	return nil
}

// cleanupOrphans rolls back engine transactions prepared without a durable
// PREPARED record; no vote was promised for them.
func (d *Daemon) cleanupOrphans(ctx context.Context, plan recovery.Plan) error {
	prepared, err := d.rm.Prepared(ctx)
	if err != nil {
		return fmt.Errorf("list engine prepared transactions: %w", err)
	}

	for _, txn := range plan.Orphans(prepared) {
		if err := d.rm.Rollback(ctx, txn); err != nil {
			return fmt.Errorf("roll back orphan %s: %w", txn, err)
		}
		d.logger.Info("Rolled back orphan prepared transaction", zap.String("txn", string(txn)))
	}
	return nil
}

// abortUnprepared finishes a participant that crashed before promising a
// commit vote. The caller flushes and then announces the abort vote.
func (d *Daemon) abortUnprepared(ctx context.Context, a recovery.ParticipantAction) error {
	if err := d.rm.Rollback(ctx, a.TxnID); err != nil {
		return fmt.Errorf("roll back %s: %w", a.TxnID, err)
	}

	for _, kind := range []decisionlog.Kind{decisionlog.KindDecisionAbort, decisionlog.KindEnd} {
		if err := d.appendParticipant(a, kind); err != nil {
			return err
		}
	}

	d.finished.Add(memoKey{a.TxnID, protocol.RoleParticipant}, memoEntry{
		decision: protocol.DecisionAbort,
		vote:     protocol.VoteAbort,
	})
	d.logger.Info("Aborted unprepared participant", zap.String("txn", string(a.TxnID)))
	return nil
}

// finishDecided re-applies a durable decision whose END is missing. Both
// engine operations tolerate an already finished transaction.
func (d *Daemon) finishDecided(ctx context.Context, a recovery.ParticipantAction) error {
	var err error
	if a.Decision == protocol.DecisionCommit {
		err = d.rm.Commit(ctx, a.TxnID)
	} else {
		err = d.rm.Rollback(ctx, a.TxnID)
	}
	if err != nil {
		return fmt.Errorf("re-apply %s to %s: %w", a.Decision, a.TxnID, err)
	}

	if err := d.appendParticipant(a, decisionlog.KindEnd); err != nil {
		return err
	}

	d.finished.Add(memoKey{a.TxnID, protocol.RoleParticipant}, memoEntry{decision: a.Decision, vote: a.Vote})
	d.logger.Info("Finished decided participant",
		zap.String("txn", string(a.TxnID)),
		zap.String("decision", string(a.Decision)))
	return nil
}

func (d *Daemon) appendParticipant(a recovery.ParticipantAction, kind decisionlog.Kind) error {
	_, err := d.log.Append(decisionlog.Record{
		TxnID:        a.TxnID,
		Kind:         kind,
		Site:         d.site,
		Role:         protocol.RoleParticipant,
		Coordinator:  a.Coordinator,
		Participants: a.Participants,
	})
	if err != nil {
		return fmt.Errorf("append %s for %s: %w", kind, a.TxnID, err)
	}
	return nil
}

// Submit runs a new transaction coordinated by this site and waits for its
// decision. Each operation goes to the participant named by its Site; an
// operation without a site goes to every participant. participants may add
// sites that get no operations.
func (d *Daemon) Submit(ctx context.Context, ops []protocol.Operation, participants []protocol.SiteID) (protocol.TxnID, protocol.Outcome, error) {
	sites := participantSet(ops, participants)
	if len(sites) == 0 {
		return "", "", ErrNoParticipants
	}

	work := make(map[protocol.SiteID][]protocol.Operation, len(sites))
	for _, op := range ops {
		if op.Site != "" {
			work[op.Site] = append(work[op.Site], op)
			continue
		}
		for _, s := range sites {
			work[s] = append(work[s], op)
		}
	}

	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return "", "", ErrNotStarted
	}
	if d.stopped {
		d.mu.Unlock()
		return "", "", ErrStopped
	}
	txn := protocol.NewTxnID(d.site, d.counter.Add(1))
	c := twophasecommit.NewCoordinator(d.env, txn, sites, work)
	d.coordinators[txn] = c
	d.mu.Unlock()

	d.logger.Debug("Submitting transaction",
		zap.String("txn", string(txn)),
		zap.Int("operations", len(ops)),
		zap.Int("participants", len(sites)))

	c.Start()

	select {
	case decision := <-c.Decided():
		return txn, protocol.OutcomeOf(decision), nil
	case <-c.Done():
		// stopped or halted before a decision was durable
		select {
		case decision := <-c.Decided():
			return txn, protocol.OutcomeOf(decision), nil
		default:
		}
		return txn, "", ErrStopped
	case <-ctx.Done():
		return txn, "", ctx.Err()
	}
}

// participantSet returns the explicit participants plus every site named
// by an operation, sorted and deduplicated.
func participantSet(ops []protocol.Operation, explicit []protocol.SiteID) []protocol.SiteID {
	seen := make(map[protocol.SiteID]bool)
	var sites []protocol.SiteID
	add := func(s protocol.SiteID) {
		if s != "" && !seen[s] {
			seen[s] = true
			sites = append(sites, s)
		}
	}
	for _, s := range explicit {
		add(s)
	}
	for _, op := range ops {
		add(op.Site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	return sites
}

// Deliver routes an incoming message. Messages for transactions without a
// machine are answered from the finished memo or by presumed abort.
func (d *Daemon) Deliver(msg protocol.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return
	}

	switch msg.Type {
	case protocol.MsgPrepare:
		d.routePrepare(msg)
	case protocol.MsgVoteCommit, protocol.MsgVoteAbort, protocol.MsgAck:
		d.routeToCoordinator(msg)
	case protocol.MsgCommit, protocol.MsgAbort, protocol.MsgTerminationReply:
		d.routeToParticipant(msg)
	case protocol.MsgTerminationQuery:
		d.routeTerminationQuery(msg)
	default:
		d.logger.Warn("Unknown message type", zap.String("type", string(msg.Type)))
	}
}

func (d *Daemon) routePrepare(msg protocol.Message) {
	if p, ok := d.participants[msg.TxnID]; ok {
		p.Deliver(msg)
		return
	}

	m, ok := d.finished.Get(memoKey{msg.TxnID, protocol.RoleParticipant})
	if !ok && d.mayHaveRun(msg.TxnID) {
		found, logged, err := d.lookupFinished(msg.TxnID)
		if err != nil {
			d.env.Halt(err)
			return
		}
		if logged && found == nil {
			// unfinished history whose machine is gone; never prepare twice
			d.logger.Warn("Dropping PREPARE for an unfinished participant without a machine",
				zap.String("txn", string(msg.TxnID)))
			return
		}
		if found != nil {
			m, ok = *found, true
		}
	}
	if ok {
		vote := m.vote
		if vote == "" {
			vote = protocol.VoteAbort
		}
		d.reply(msg.Sender, protocol.Message{Type: protocol.VoteMessageType(vote), TxnID: msg.TxnID})
		return
	}

	d.markSeen(msg.TxnID)
	p := twophasecommit.NewParticipant(d.env, msg)
	d.participants[msg.TxnID] = p
	p.Start()
}

// markSeen records that a participant for txn ran here. Callers hold d.mu.
func (d *Daemon) markSeen(txn protocol.TxnID) {
	origin, counter, err := protocol.ParseTxnID(txn)
	if err != nil {
		return
	}
	if counter > d.seen[origin] {
		d.seen[origin] = counter
	}
}

// mayHaveRun reports whether a participant for txn could have finished here
// and been evicted from the memo since. Callers hold d.mu.
func (d *Daemon) mayHaveRun(txn protocol.TxnID) bool {
	origin, counter, err := protocol.ParseTxnID(txn)
	if err != nil {
		return true
	}
	return counter <= d.seen[origin]
}

// lookupFinished reads the participant history of txn back from the log.
// logged reports whether any history exists; a history that reached END is
// memoized again and returned.
func (d *Daemon) lookupFinished(txn protocol.TxnID) (found *memoEntry, logged bool, err error) {
	if err := d.log.Flush(); err != nil {
		return nil, false, fmt.Errorf("flush before lookup of %s: %w", txn, err)
	}
	records, err := d.log.Replay(func(rec decisionlog.Record) bool {
		return rec.TxnID == txn && rec.Role == protocol.RoleParticipant
	})
	if err != nil {
		return nil, false, fmt.Errorf("look up %s: %w", txn, err)
	}
	if len(records) == 0 {
		return nil, false, nil
	}

	for _, f := range recovery.Analyze(d.site, records).Finished {
		m := memoEntry{decision: f.Decision, vote: f.Vote}
		d.finished.Add(memoKey{txn, protocol.RoleParticipant}, m)
		d.logger.Debug("Finished participant found in the log", zap.String("txn", string(txn)))
		return &m, true, nil
	}
	return nil, true, nil
}

func (d *Daemon) routeToCoordinator(msg protocol.Message) {
	if c, ok := d.coordinators[msg.TxnID]; ok {
		c.Deliver(msg)
		return
	}

	if msg.Type == protocol.MsgAck {
		return
	}

	if m, ok := d.finished.Get(memoKey{msg.TxnID, protocol.RoleCoordinator}); ok {
		d.metrics.Resend(string(protocol.DecisionMessageType(m.decision)))
		d.reply(msg.Sender, protocol.Message{Type: protocol.DecisionMessageType(m.decision), TxnID: msg.TxnID})
		return
	}

	if msg.TxnID.Origin() == d.site {
		// never decided here, or forgotten after abort
		d.reply(msg.Sender, protocol.Message{Type: protocol.MsgAbort, TxnID: msg.TxnID})
		return
	}

	d.logger.Debug("Vote for a transaction not coordinated here",
		zap.String("txn", string(msg.TxnID)),
		zap.String("from", string(msg.Sender)))
}

func (d *Daemon) routeToParticipant(msg protocol.Message) {
	if p, ok := d.participants[msg.TxnID]; ok {
		p.Deliver(msg)
		return
	}

	// the decision was applied already, or nothing was ever prepared
	if msg.Type == protocol.MsgCommit || msg.Type == protocol.MsgAbort {
		d.reply(msg.Sender, protocol.Message{Type: protocol.MsgAck, TxnID: msg.TxnID})
	}
}

func (d *Daemon) routeTerminationQuery(msg protocol.Message) {
	if c, ok := d.coordinators[msg.TxnID]; ok {
		c.Deliver(msg)
		return
	}
	if p, ok := d.participants[msg.TxnID]; ok {
		p.Deliver(msg)
		return
	}

	decision := protocol.DecisionUnknown
	if m, ok := d.finished.Get(memoKey{msg.TxnID, protocol.RoleCoordinator}); ok {
		decision = m.decision
	} else if m, ok := d.finished.Get(memoKey{msg.TxnID, protocol.RoleParticipant}); ok && m.decision != "" {
		decision = m.decision
	} else if msg.TxnID.Origin() == d.site {
		decision = protocol.DecisionAbort
	} else if !ok && d.mayHaveRun(msg.TxnID) {
		found, _, err := d.lookupFinished(msg.TxnID)
		if err != nil {
			d.env.Halt(err)
			return
		}
		if found != nil && found.decision != "" {
			decision = found.decision
		}
	}

	d.reply(msg.Sender, protocol.Message{Type: protocol.MsgTerminationReply, TxnID: msg.TxnID, Decision: decision})
}

// reply sends a message on behalf of the site rather than a machine.
func (d *Daemon) reply(to protocol.SiteID, msg protocol.Message) {
	msg.Sender = d.site
	timeout := d.env.Config.MessageTimeout
	if timeout <= 0 {
		timeout = twophasecommit.DefaultConfig().MessageTimeout
	}

	d.goSend(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := d.sender.Send(ctx, to, msg); err != nil {
			d.logger.Debug("Reply failed",
				zap.String("to", string(to)),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
	})
}

func (d *Daemon) goSend(fn func()) {
	d.sends.Add(1)
	go func() {
		defer d.sends.Done()
		fn()
	}()
}

// onFinish runs on the machine goroutine once it reaches DONE.
func (d *Daemon) onFinish(res twophasecommit.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch res.Role {
	case protocol.RoleCoordinator:
		delete(d.coordinators, res.TxnID)
	case protocol.RoleParticipant:
		delete(d.participants, res.TxnID)
	}
	d.finished.Add(memoKey{res.TxnID, res.Role}, memoEntry{decision: res.Decision, vote: res.Vote})
}

// Transactions lists the in-flight machines, oldest first.
func (d *Daemon) Transactions() []protocol.TransactionStatus {
	d.mu.Lock()
	list := make([]protocol.TransactionStatus, 0, len(d.coordinators)+len(d.participants))
	for _, c := range d.coordinators {
		list = append(list, c.Status())
	}
	for _, p := range d.participants {
		list = append(list, p.Status())
	}
	d.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].Created.Equal(list[j].Created) {
			return list[i].Created.Before(list[j].Created)
		}
		if list[i].TransactionID != list[j].TransactionID {
			return list[i].TransactionID < list[j].TransactionID
		}
		return list[i].Role < list[j].Role
	})
	return list
}

// Active is the number of running machines.
func (d *Daemon) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.coordinators) + len(d.participants)
}

// Stop halts every machine where it stands and waits for pending sends.
// Whatever was in flight is resumed from the log by the next Start.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true

	machines := make([]interface{ Stop() }, 0, len(d.coordinators)+len(d.participants))
	for _, c := range d.coordinators {
		machines = append(machines, c)
	}
	for _, p := range d.participants {
		machines = append(machines, p)
	}
	d.mu.Unlock()

	for _, m := range machines {
		m.Stop()
	}
	d.sends.Wait()

	d.logger.Info("Site stopped", zap.Int("interrupted", len(machines)))
}

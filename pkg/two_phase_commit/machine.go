// Package twophasecommit holds the coordinator and participant state
// machines. Each transaction runs as one goroutine per role, fed through a
// bounded inbox; machines share nothing but the decision log, the resource
// manager and the transport.
package twophasecommit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/metrics"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/resource"
	"github.com/baxromumarov/sensor-2pc/pkg/timeout"
	"github.com/baxromumarov/sensor-2pc/pkg/transport"
)

// Config holds the protocol tunables.
type Config struct {
	VoteTimeout           time.Duration
	AckTimeout            time.Duration
	MaxBackoff            time.Duration
	TerminationQueryAfter time.Duration
	InDoubtReportAfter    time.Duration
	MessageTimeout        time.Duration
	InboxSize             int
}

func DefaultConfig() Config {
	return Config{
		VoteTimeout:           5 * time.Second,
		AckTimeout:            2 * time.Second,
		MaxBackoff:            30 * time.Second,
		TerminationQueryAfter: 10 * time.Second,
		InDoubtReportAfter:    time.Minute,
		MessageTimeout:        5 * time.Second,
		InboxSize:             64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.VoteTimeout <= 0 {
		c.VoteTimeout = d.VoteTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.TerminationQueryAfter <= 0 {
		c.TerminationQueryAfter = d.TerminationQueryAfter
	}
	if c.InDoubtReportAfter <= 0 {
		c.InDoubtReportAfter = d.InDoubtReportAfter
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}

// Result is reported once a machine reaches DONE.
type Result struct {
	TxnID    protocol.TxnID
	Role     protocol.Role
	Decision protocol.Decision
	// Vote is the participant's vote; empty for coordinators.
	Vote protocol.Vote
}

// Env is the per-site context every machine runs in.
type Env struct {
	Site    protocol.SiteID
	Log     decisionlog.Appender
	RM      resource.Manager
	Sender  transport.Sender
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Config  Config

	// Halt is called when the decision log fails. The machine stops
	// without sending anything further.
	Halt func(err error)
	// Alive reports the heartbeat view of a site; nil treats every site as alive.
	Alive func(site protocol.SiteID) bool
	// Go runs background sends; nil uses a plain goroutine.
	Go func(fn func())
	// OnFinish is called from the machine goroutine when it reaches DONE.
	OnFinish func(res Result)
}

func (e *Env) alive(site protocol.SiteID) bool {
	return e.Alive == nil || e.Alive(site)
}

// base is the actor plumbing shared by both roles.
type base struct {
	env    *Env
	cfg    Config
	txn    protocol.TxnID
	role   protocol.Role
	logger *zap.Logger
	timers *timeout.Manager
	inbox  chan protocol.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	halted bool
	once   sync.Once

	mu        sync.Mutex
	created   time.Time
	decidedAt time.Time
}

func newBase(env *Env, txn protocol.TxnID, role protocol.Role) *base {
	cfg := env.Config.withDefaults()
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &base{
		env:     env,
		cfg:     cfg,
		txn:     txn,
		role:    role,
		logger:  logger.With(zap.String("txn", string(txn)), zap.String("role", string(role))),
		timers:  timeout.NewManager(),
		inbox:   make(chan protocol.Message, cfg.InboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		created: time.Now(),
	}
}

func (b *base) TxnID() protocol.TxnID {
	return b.txn
}

// Deliver queues msg without blocking. A full inbox drops the message; the
// sender's retry covers the loss.
func (b *base) Deliver(msg protocol.Message) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.inbox <- msg:
		return true
	default:
		b.env.Metrics.Dropped()
		b.logger.Warn("Inbox full, dropping message",
			zap.String("type", string(msg.Type)),
			zap.String("from", string(msg.Sender)))
		return false
	}
}

// Stop terminates the machine without finishing it, as a crash would.
func (b *base) Stop() {
	b.once.Do(b.cancel)
	<-b.done
}

// Done is closed when the machine goroutine exits.
func (b *base) Done() <-chan struct{} {
	return b.done
}

// loop runs the machine until finished reports true or it is stopped.
func (b *base) loop(start func() bool, handle func(protocol.Message), expire func(timeout.Event), finished func() bool) {
	defer close(b.done)
	defer b.timers.Close()

	b.env.Metrics.Started(string(b.role))
	defer b.env.Metrics.Stopped(string(b.role))

	if !start() {
		return
	}

	for !finished() && !b.halted {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.inbox:
			handle(msg)
		case ev := <-b.timers.C():
			if b.timers.Fired(ev) {
				expire(ev)
			}
		}
	}
}

// append writes rec to the log, halting the machine on failure.
func (b *base) append(rec decisionlog.Record) bool {
	rec.TxnID = b.txn
	rec.Site = b.env.Site
	rec.Role = b.role
	if _, err := b.env.Log.Append(rec); err != nil {
		b.fail(err)
		return false
	}
	return true
}

func (b *base) flush() bool {
	if err := b.env.Log.Flush(); err != nil {
		b.fail(err)
		return false
	}
	return true
}

func (b *base) fail(err error) {
	b.halted = true
	b.timers.DisarmAll()
	if b.ctx.Err() != nil {
		// stopped underneath us; the log is already gone
		return
	}
	b.logger.Error("Decision log failure, halting", zap.Error(err))
	if b.env.Halt != nil {
		b.env.Halt(err)
	}
}

// send transmits msg in the background; delivery failures look like loss.
func (b *base) send(to protocol.SiteID, msg protocol.Message) {
	msg.TxnID = b.txn
	msg.Sender = b.env.Site

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.MessageTimeout)
		defer cancel()
		if err := b.env.Sender.Send(ctx, to, msg); err != nil {
			b.logger.Debug("Send failed",
				zap.String("to", string(to)),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
	}

	if b.env.Go != nil {
		b.env.Go(run)
		return
	}
	go run()
}

func (b *base) markDecided() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decidedAt = time.Now()
}

func (b *base) finish(decision protocol.Decision, vote protocol.Vote) {
	b.timers.DisarmAll()
	b.env.Metrics.Finished(string(b.role), string(protocol.OutcomeOf(decision)))
	if b.env.OnFinish != nil {
		b.env.OnFinish(Result{TxnID: b.txn, Role: b.role, Decision: decision, Vote: vote})
	}
}

func (b *base) backoff(initial time.Duration) timeout.Backoff {
	return timeout.Backoff{Initial: initial, Max: b.cfg.MaxBackoff}
}

func contains(sites []protocol.SiteID, site protocol.SiteID) bool {
	for _, s := range sites {
		if s == site {
			return true
		}
	}
	return false
}

// Package turn runs one patient utterance through classification, the
// session state machine and any scheduling work it asks for, streaming the
// resulting events onto the session's bus channel.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/classify"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/respond"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/internal/triage"
	"github.com/wolfman30/pearlflow/internal/waitlist"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

var tracer = otel.Tracer("pearlflow.internal.turn")

const (
	defaultNegotiateAt = 80
	defaultMaxOptions  = 5
	maxMessageLength   = 2000
)

// ErrTurnCancelled is reported when a turn is cancelled by a session close.
var ErrTurnCancelled = errors.New("turn: cancelled")

// Publisher appends events to a session's stream. *events.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, p events.Payload) (events.Event, error)
}

// Scheduler is the part of the scheduling engine a turn uses.
type Scheduler interface {
	Clinics() *scheduling.Directory
	SearchHorizon() time.Duration
	FindSlots(ctx context.Context, q scheduling.SlotQuery) ([]scheduling.Slot, error)
	BookOrResearch(ctx context.Context, req scheduling.BookingRequest) (scheduling.Appointment, []scheduling.Slot, error)
	Negotiate(ctx context.Context, req scheduling.NegotiationRequest) (scheduling.MoveOffer, bool, error)
}

// Waitlister adds patients to the clinic waitlist.
type Waitlister interface {
	Add(ctx context.Context, req waitlist.AddRequest) (waitlist.Entry, error)
}

// Sanitizer rewrites outbound text. *compliance.Sanitizer implements it.
type Sanitizer interface {
	SanitizeAgentResponse(ctx context.Context, clinicID, sessionID, text string) string
}

// Observer records turn outcomes, e.g. as metrics.
type Observer interface {
	TurnCompleted(agent, outcome string, elapsed time.Duration)
}

// EscalationRecorder keeps an audit trail of emergency escalations.
// *compliance.AuditService implements it.
type EscalationRecorder interface {
	LogEmergencyEscalated(ctx context.Context, clinicID, sessionID, userMessage string, priority *int) error
}

// Job is one submitted utterance.
type Job struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Submitted time.Time `json:"submitted_at"`
}

// Result summarises the session after a successful turn.
type Result struct {
	SessionID     string `json:"session_id" dynamodbav:"sessionId"`
	Agent         string `json:"agent" dynamodbav:"agent"`
	Stage         string `json:"stage" dynamodbav:"stage"`
	PriorityScore *int   `json:"priority_score,omitempty" dynamodbav:"priorityScore,omitempty"`
	Emergency     bool   `json:"emergency,omitempty" dynamodbav:"emergency,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty" dynamodbav:"appointmentId,omitempty"`
	LastSeq       int64  `json:"last_seq" dynamodbav:"lastSeq"`
}

// Option customizes a Processor.
type Option func(*Processor)

func WithGenerator(g respond.Generator) Option {
	return func(p *Processor) {
		if g != nil {
			p.generator = g
		}
	}
}

func WithWaitlist(w Waitlister) Option { return func(p *Processor) { p.waitlist = w } }

func WithSanitizer(s Sanitizer) Option { return func(p *Processor) { p.sanitizer = s } }

func WithParser(parser triage.Parser) Option {
	return func(p *Processor) {
		if parser != nil {
			p.parser = parser
		}
	}
}

func WithObserver(o Observer) Option { return func(p *Processor) { p.observer = o } }

func WithEscalationRecorder(r EscalationRecorder) Option {
	return func(p *Processor) { p.escalations = r }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithNegotiationThreshold sets the priority score at which a request with
// no nearby slot triggers move negotiation.
func WithNegotiationThreshold(score int) Option {
	return func(p *Processor) {
		if score > 0 {
			p.negotiateAt = score
		}
	}
}

// WithMaxOptions caps how many slots are offered at once.
func WithMaxOptions(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxOptions = n
		}
	}
}

// Processor executes turns. Turns for one session run one at a time.
type Processor struct {
	sessions   session.Store
	locks      *session.Locks
	bus        Publisher
	classifier classify.Classifier
	scheduler  Scheduler
	generator  respond.Generator
	waitlist   Waitlister
	sanitizer  Sanitizer
	parser     triage.Parser
	observer   Observer
	logger     *logging.Logger

	escalations EscalationRecorder
	events      *EventLogger
	now         func() time.Time

	negotiateAt int
	maxOptions  int

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
}

// NewProcessor panics when a required collaborator is nil.
func NewProcessor(sessions session.Store, locks *session.Locks, bus Publisher, classifier classify.Classifier, scheduler Scheduler, logger *logging.Logger, opts ...Option) *Processor {
	if sessions == nil {
		panic("turn: session store cannot be nil")
	}
	if locks == nil {
		panic("turn: session locks cannot be nil")
	}
	if bus == nil {
		panic("turn: publisher cannot be nil")
	}
	if classifier == nil {
		panic("turn: classifier cannot be nil")
	}
	if scheduler == nil {
		panic("turn: scheduler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	p := &Processor{
		sessions:    sessions,
		locks:       locks,
		bus:         bus,
		classifier:  classifier,
		scheduler:   scheduler,
		generator:   respond.TemplateGenerator{},
		parser:      triage.KeywordParser{},
		logger:      logger,
		events:      NewEventLogger(logger),
		now:         time.Now,
		negotiateAt: defaultNegotiateAt,
		maxOptions:  defaultMaxOptions,
		inflight:    make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one turn. Every turn that reaches the session publishes
// exactly one terminal event (complete or error) as its last event. On
// failure the session is left as it was before the turn.
func (p *Processor) Process(ctx context.Context, job Job) (Result, error) {
	const op = "turn.process"
	started := p.now()

	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("session.id", job.SessionID), attribute.String("job.id", job.ID))

	if strings.TrimSpace(job.SessionID) == "" {
		return Result{}, apperr.Validation(op, "session_id is required")
	}

	unlock, err := p.locks.Lock(ctx, job.SessionID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	p.track(job.SessionID, cancel)
	defer func() {
		p.untrack(job.SessionID)
		cancel(nil)
	}()

	s, err := p.sessions.Load(ctx, job.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return Result{}, apperr.NotFound(op, "session not found")
	}
	if err != nil {
		return Result{}, apperr.Upstream(op, err)
	}

	p.events.TurnStarted(ctx, s.ID, s.ClinicID, job.ID, s.ActiveAgent)
	out := newOutput(ctx, p, s)

	res, err := p.run(ctx, job, s, out)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrTurnCancelled) {
			err = ErrTurnCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.fail(err)
		p.events.TurnFailed(ctx, s.ID, s.ClinicID, job.ID, err)
		p.observe(string(s.ActiveAgent), "error", started)
		return Result{}, err
	}

	p.events.TurnCompleted(ctx, s.ID, s.ClinicID, job.ID, res.Agent, res.Stage, p.now().Sub(started))
	p.observe(res.Agent, "completed", started)
	return res, nil
}

func (p *Processor) run(ctx context.Context, job Job, s session.Session, out *output) (Result, error) {
	const op = "turn.process"
	if s.Status != session.StatusActive {
		return Result{}, apperr.Validation(op, "session is no longer active")
	}

	cls, err := p.classifier.Classify(ctx, job.Text, s.ActiveAgent)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.Upstream("turn.classify", err)
		}
		return Result{}, err
	}

	outcome, err := session.AdvanceTurn(s, session.Input{
		Text:           job.Text,
		Classification: cls,
		Parser:         p.parser,
		Now:            p.now(),
	})
	if err != nil {
		return Result{}, err
	}
	next := outcome.Session

	for _, payload := range outcome.Events {
		if err := out.emit(payload); err != nil {
			return Result{}, err
		}
	}

	if err := p.fulfil(ctx, &next, job, outcome.Directive, out); err != nil {
		return Result{}, err
	}

	// once a booking, offer or waitlist entry exists the turn must persist
	// it, so a close arriving now no longer discards the transition
	if out.committed {
		ctx = context.WithoutCancel(ctx)
	} else if err := context.Cause(ctx); err != nil {
		return Result{}, err
	}
	saved, err := p.save(ctx, next)
	if err != nil {
		if out.committed {
			p.logger.Error("session save failed after scheduling change", "session_id", next.ID,
				"appointment_id", next.Booking.AppointmentID, "offer_id", next.Booking.PendingOfferID,
				"waitlist_id", next.Booking.WaitlistID, "error", err)
		}
		return Result{}, err
	}

	if saved.Emergency && !s.Emergency && p.escalations != nil {
		if err := p.escalations.LogEmergencyEscalated(ctx, saved.ClinicID, saved.ID, job.Text, saved.PriorityScore); err != nil {
			p.logger.Error("emergency audit failed", "error", err, "session_id", saved.ID)
		}
	}

	seq, err := out.complete(saved)
	if err != nil {
		return Result{}, apperr.Upstream(op, err)
	}
	return Result{
		SessionID:     saved.ID,
		Agent:         string(saved.ActiveAgent),
		Stage:         string(saved.Stage),
		PriorityScore: saved.PriorityScore,
		Emergency:     saved.Emergency,
		AppointmentID: saved.Booking.AppointmentID,
		LastSeq:       seq,
	}, nil
}

// save retries a failed write once. A version conflict means another writer
// got in first and is not retried.
func (p *Processor) save(ctx context.Context, s session.Session) (session.Session, error) {
	const op = "turn.save_session"
	saved, err := p.sessions.Save(ctx, s)
	if err == nil {
		return saved, nil
	}
	if errors.Is(err, session.ErrVersionConflict) || errors.Is(err, session.ErrNotFound) || ctx.Err() != nil {
		return session.Session{}, apperr.Integrity(op, err)
	}
	p.logger.Warn("session save failed, retrying", "session_id", s.ID, "error", err)
	saved, err = p.sessions.Save(ctx, s)
	if err != nil {
		return session.Session{}, apperr.Integrity(op, err)
	}
	return saved, nil
}

func (p *Processor) fulfil(ctx context.Context, s *session.Session, job Job, d session.Directive, out *output) error {
	switch d.Kind {
	case session.DirectiveNone:
		return nil
	case session.DirectiveSearchSlots:
		return p.searchSlots(ctx, s, job, d, out)
	case session.DirectiveBook:
		return p.book(ctx, s, job, d, out)
	case session.DirectiveJoinWaitlist:
		return p.joinWaitlist(ctx, s, d, out)
	case session.DirectiveGenerateReply:
		return p.generate(ctx, s, job, d, out)
	default:
		return fmt.Errorf("turn: unknown directive %s", d.Kind)
	}
}

// Cancel aborts the in-flight turn for a session, if any. The turn
// publishes an error event and its transition is discarded.
func (p *Processor) Cancel(sessionID string) bool {
	p.mu.Lock()
	cancel, ok := p.inflight[sessionID]
	p.mu.Unlock()
	if ok {
		cancel(ErrTurnCancelled)
	}
	return ok
}

func (p *Processor) track(sessionID string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	p.inflight[sessionID] = cancel
	p.mu.Unlock()
}

func (p *Processor) untrack(sessionID string) {
	p.mu.Lock()
	delete(p.inflight, sessionID)
	p.mu.Unlock()
}

func (p *Processor) observe(agent, outcome string, started time.Time) {
	if p.observer != nil {
		p.observer.TurnCompleted(agent, outcome, p.now().Sub(started))
	}
}

// Close marks the session COMPLETED, cancelling any in-flight turn first.
func (p *Processor) Close(ctx context.Context, sessionID string) (session.Session, error) {
	const op = "turn.close_session"
	p.Cancel(sessionID)

	unlock, err := p.locks.Lock(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	defer unlock()

	s, err := p.sessions.Load(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, apperr.NotFound(op, "session not found")
	}
	if err != nil {
		return session.Session{}, apperr.Upstream(op, err)
	}
	if s.Status != session.StatusActive {
		return s, nil
	}
	s.Status = session.StatusCompleted
	s.UpdatedAt = p.now().UTC()
	return p.save(ctx, s)
}

package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/triage"
)

// Procedure codes requested by the dialogue when the classifier has none.
const (
	ProcedureEmergencyExam = "EMERG"
	ProcedureCheckup       = "CHECKUP"
)

// DirectiveKind names the effectful work AdvanceTurn asks its caller to do.
type DirectiveKind int

const (
	DirectiveNone DirectiveKind = iota
	DirectiveSearchSlots
	DirectiveBook
	DirectiveJoinWaitlist
	DirectiveGenerateReply
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveSearchSlots:
		return "search_slots"
	case DirectiveBook:
		return "book"
	case DirectiveJoinWaitlist:
		return "join_waitlist"
	case DirectiveGenerateReply:
		return "generate_reply"
	default:
		return "none"
	}
}

// Directive is a request for work outside the state machine.
type Directive struct {
	Kind          DirectiveKind
	ProcedureCode string
	PriorityScore int
	// After restricts a slot search to slots starting after this instant.
	After time.Time
	// Option is the slot chosen by the patient for DirectiveBook.
	Option SlotOption
	// Fallback is the reply to use when the generator is unavailable.
	Fallback string
}

// Input is everything AdvanceTurn needs to decide a transition.
type Input struct {
	Text           string
	Classification Classification
	Parser         triage.Parser
	Now            time.Time
}

// Outcome is the next session state, the ordered event payloads to publish,
// and any follow-up work. Terminal events are left to the caller.
type Outcome struct {
	Session   Session
	Events    []events.Payload
	Directive Directive
}

// AdvanceTurn applies one patient utterance to the session. It is pure: the
// input session is not modified and no I/O is performed.
func AdvanceTurn(s Session, in Input) (Outcome, error) {
	if s.Status != StatusActive {
		return Outcome{}, apperr.Validation("session.advance", "session is no longer active")
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Outcome{}, apperr.Validation("session.advance", "message text is required")
	}
	parser := in.Parser
	if parser == nil {
		parser = triage.KeywordParser{}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	t := &transition{s: s.Clone(), now: now.UTC()}
	t.s.History = append(t.s.History, Turn{Role: RolePatient, Text: text, At: t.now})
	t.s.UpdatedAt = t.now

	cls := in.Classification
	switch {
	case t.s.Emergency:
		t.emergency()
	case cls.Intent == IntentEmergency || parser.DetectBreathingDifficulty(text):
		t.s.Triage.BreathingDifficulty = triage.Bool(true)
		t.emergency()
	case t.s.Stage.InTriage():
		t.answerTriage(text, parser)
	default:
		t.route(text, cls)
	}
	return Outcome{Session: t.s, Events: t.events, Directive: t.directive}, nil
}

type transition struct {
	s         Session
	now       time.Time
	events    []events.Payload
	directive Directive
}

func (t *transition) switchAgent(a Agent) {
	if t.s.ActiveAgent == a {
		return
	}
	t.s.ActiveAgent = a
	t.events = append(t.events, events.AgentState{Agent: string(a), Stage: string(t.s.Stage)})
}

func (t *transition) say(text string) {
	t.events = append(t.events, events.Token{Text: text, Agent: string(t.s.ActiveAgent)})
	t.s.History = append(t.s.History, Turn{Role: RoleAssistant, Agent: t.s.ActiveAgent, Text: text, At: t.now})
}

func (t *transition) show(c events.Component) {
	t.events = append(t.events, events.UIComponent{Component: c})
	if n := len(t.s.History); n > 0 && t.s.History[n-1].Role == RoleAssistant {
		t.s.History[n-1].Component = c.ComponentType()
	}
}

func (t *transition) setStage(next Stage) {
	if next.Rank() >= t.s.Stage.Rank() {
		t.s.Stage = next
	}
}

// emergency jumps straight to triage_complete and never offers booking.
func (t *transition) emergency() {
	t.s.Emergency = true
	t.setStage(StageTriageComplete)
	score := triage.Score(t.s.Triage)
	t.s.PriorityScore = &score
	t.s.Booking.Options = nil
	t.switchAgent(IntakeSpecialist)
	t.say(msgEmergency)
}

func (t *transition) answerTriage(text string, parser triage.Parser) {
	t.switchAgent(IntakeSpecialist)
	switch t.s.Stage {
	case StageAwaitingPain:
		level, ok := parser.ParsePain(text)
		if !ok {
			t.say(msgPainReask)
			t.show(painSelector())
			return
		}
		t.s.Triage.PainLevel = triage.Int(level)
		t.setStage(StageAwaitingSwelling)
		t.say(msgSwellingPrompt)
	case StageAwaitingSwelling:
		swelling, ok := parser.ParseYesNo(text, triage.TopicSwelling)
		if !ok {
			t.say(msgSwellingReask)
			return
		}
		t.s.Triage.Swelling = triage.Bool(swelling)
		t.setStage(StageAwaitingFever)
		t.say(msgFeverPrompt)
	case StageAwaitingFever:
		fever, ok := parser.ParseYesNo(text, triage.TopicFever)
		if !ok {
			t.say(msgFeverReask)
			return
		}
		t.s.Triage.Fever = triage.Bool(fever)
		t.completeTriage()
	}
}

func (t *transition) completeTriage() {
	t.setStage(StageTriageComplete)
	score := triage.Score(t.s.Triage)
	t.s.PriorityScore = &score
	t.say(triageSummary(score))

	t.switchAgent(ResourceOptimiser)
	t.say(msgFindingSlots)
	t.s.Booking.ProcedureCode = ProcedureEmergencyExam
	t.directive = Directive{
		Kind:          DirectiveSearchSlots,
		ProcedureCode: ProcedureEmergencyExam,
		PriorityScore: score,
	}
}

// route handles utterances outside active triage questioning.
func (t *transition) route(text string, cls Classification) {
	if len(t.s.Booking.Options) > 0 {
		if opt, ok := selectOption(text, t.s.Booking.Options); ok {
			t.switchAgent(ResourceOptimiser)
			t.say(msgSelectedOption)
			t.directive = Directive{
				Kind:          DirectiveBook,
				Option:        opt,
				ProcedureCode: t.procedureCode(cls),
				PriorityScore: t.priority(),
			}
			return
		}
		if wantsLaterTimes(text) {
			last := t.s.Booking.Options[len(t.s.Booking.Options)-1]
			t.switchAgent(ResourceOptimiser)
			t.say(msgLaterTimes)
			t.directive = Directive{
				Kind:          DirectiveSearchSlots,
				ProcedureCode: t.procedureCode(cls),
				PriorityScore: t.priority(),
				After:         last.Start,
			}
			return
		}
	}

	if wantsWaitlist(text) {
		t.switchAgent(ResourceOptimiser)
		t.say(msgWaitlistIntro)
		t.directive = Directive{
			Kind:          DirectiveJoinWaitlist,
			ProcedureCode: t.procedureCode(cls),
			PriorityScore: t.priority(),
		}
		return
	}

	switch cls.Intent {
	case IntentPain:
		if t.s.Stage == StageInitial {
			t.switchAgent(IntakeSpecialist)
			t.setStage(StageAwaitingPain)
			t.say(msgPainPrompt)
			t.show(painSelector())
			return
		}
		t.book(cls)
	case IntentBooking:
		t.book(cls)
	case IntentEmergency:
		t.emergency()
	case IntentGeneral:
		if a, ok := ParseAgent(string(cls.Agent)); ok {
			t.switchAgent(a)
		}
		t.directive = Directive{Kind: DirectiveGenerateReply, Fallback: msgGeneralHelp}
	}
}

func (t *transition) book(cls Classification) {
	t.switchAgent(ResourceOptimiser)
	t.say(msgBookingIntro)
	code := t.procedureCode(cls)
	t.s.Booking.ProcedureCode = code
	t.directive = Directive{
		Kind:          DirectiveSearchSlots,
		ProcedureCode: code,
		PriorityScore: t.priority(),
	}
}

func (t *transition) procedureCode(cls Classification) string {
	switch {
	case cls.ProcedureCode != "":
		return cls.ProcedureCode
	case t.s.Booking.ProcedureCode != "":
		return t.s.Booking.ProcedureCode
	case t.s.Stage == StageTriageComplete:
		return ProcedureEmergencyExam
	default:
		return ProcedureCheckup
	}
}

func (t *transition) priority() int {
	if t.s.PriorityScore != nil {
		return *t.s.PriorityScore
	}
	return 0
}

func painSelector() events.PainScaleSelector {
	return events.PainScaleSelector{Min: 0, Max: triage.MaxPainLevel, Prompt: "How would you rate your pain?"}
}

var ordinals = map[string]int{
	"first": 1, "1st": 1, "second": 2, "2nd": 2, "third": 3, "3rd": 3,
	"fourth": 4, "4th": 4, "fifth": 5, "5th": 5, "last": -1,
}

// selectOption reads "2", "option 2", "the second one" or "last".
func selectOption(text string, options []SlotOption) (SlotOption, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, w := range words {
		idx := 0
		if n, err := strconv.Atoi(w); err == nil {
			idx = n
		} else if n, ok := ordinals[w]; ok {
			idx = n
		} else {
			continue
		}
		if idx == -1 {
			idx = len(options)
		}
		for _, opt := range options {
			if opt.Index == idx {
				return opt, true
			}
		}
		return SlotOption{}, false
	}
	return SlotOption{}, false
}

func wantsLaterTimes(text string) bool {
	text = strings.ToLower(text)
	for _, phrase := range []string{"later", "other time", "another time", "none of", "different time", "something else"} {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

func wantsWaitlist(text string) bool {
	text = strings.ToLower(text)
	return strings.Contains(text, "waitlist") || strings.Contains(text, "wait list") || strings.Contains(text, "waiting list")
}

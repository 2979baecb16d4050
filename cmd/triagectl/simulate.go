package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wolfman30/pearlflow/internal/classify"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/internal/turn"
	"github.com/wolfman30/pearlflow/internal/waitlist"
)

func newSimulateCmd(root *rootOptions) *cobra.Command {
	var clinicKey string
	cmd := &cobra.Command{
		Use:   "simulate [message...]",
		Short: "Run patient messages through an in-memory clinic",
		Long: `Simulate creates a session against an in-memory copy of the clinic roster
and runs each message as one turn, printing the streamed events. With no
arguments, messages are read line by line from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := root.directory()
			if err != nil {
				return err
			}
			sim, err := newSimulator(dir, clinicKey, root)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				for _, msg := range args {
					if err := sim.say(cmd.Context(), out, msg); err != nil {
						return err
					}
				}
				return nil
			}
			return sim.readLoop(cmd.Context(), cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVar(&clinicKey, "clinic-key", "pf_demo_key", "clinic API key to open the session with")
	return cmd
}

type simulator struct {
	proc    *turn.Processor
	bus     *events.Bus
	session string
	cursor  int64
}

func newSimulator(dir *scheduling.Directory, clinicKey string, root *rootOptions) (*simulator, error) {
	clinicID, ok := dir.ClinicForAPIKey(clinicKey)
	if !ok {
		return nil, fmt.Errorf("unknown clinic key %q", clinicKey)
	}
	logger := root.logger()
	sessions := session.NewMemoryStore()
	bus := events.NewBus(events.NewMemoryLog(events.DefaultRetention), logger)
	wl := waitlist.NewService(waitlist.NewMemoryStore(), nil, logger)
	engine := scheduling.NewEngine(scheduling.NewMemoryStore(), dir, logger, scheduling.WithWaitlist(wl))
	proc := turn.NewProcessor(sessions, session.NewLocks(), bus, classify.KeywordClassifier{}, engine, logger, turn.WithWaitlist(wl))

	s, err := sessions.Create(context.Background(), session.New(uuid.NewString(), clinicID, time.Now()))
	if err != nil {
		return nil, err
	}
	return &simulator{proc: proc, bus: bus, session: s.ID}, nil
}

func (s *simulator) readLoop(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.say(ctx, out, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *simulator) say(ctx context.Context, out io.Writer, text string) error {
	fmt.Fprintf(out, "you> %s\n", text)
	_, procErr := s.proc.Process(ctx, turn.Job{ID: uuid.NewString(), SessionID: s.session, Text: text})

	evs, err := s.bus.Replay(ctx, s.session, s.cursor)
	if err != nil {
		return err
	}
	printer := &eventPrinter{out: out}
	for _, ev := range evs {
		printer.print(ev)
		s.cursor = ev.Seq
	}
	if procErr != nil {
		fmt.Fprintf(out, "!! %v\n", procErr)
	}
	return nil
}

// eventPrinter joins streamed token chunks into one line per reply.
type eventPrinter struct {
	out    io.Writer
	inText bool
}

func (p *eventPrinter) print(ev events.Event) {
	if tok, ok := ev.Payload.(events.Token); ok {
		if !p.inText {
			fmt.Fprint(p.out, "pearl> ")
			p.inText = true
		}
		fmt.Fprint(p.out, tok.Text)
		return
	}
	if p.inText {
		fmt.Fprintln(p.out)
		p.inText = false
	}
	switch v := ev.Payload.(type) {
	case events.AgentState:
		fmt.Fprintf(p.out, "   [agent %s %s]\n", v.Agent, v.Stage)
	case events.UIComponent:
		body, _ := json.Marshal(v.Component)
		fmt.Fprintf(p.out, "   [%s] %s\n", v.Component.ComponentType(), body)
	case events.Complete:
		priority := "-"
		if v.PriorityScore != nil {
			priority = fmt.Sprint(*v.PriorityScore)
		}
		fmt.Fprintf(p.out, "   [complete agent=%s stage=%s priority=%s emergency=%t]\n", v.Agent, v.Stage, priority, v.Emergency)
	case events.Error:
		fmt.Fprintf(p.out, "   [error %s] %s\n", v.Kind, v.Message)
	}
}

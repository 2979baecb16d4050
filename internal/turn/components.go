package turn

import (
	"fmt"
	"time"

	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/internal/session"
)

const slotLabelLayout = "Mon 2 Jan, 3:04pm"

func dentistName(r *scheduling.Roster, id string) string {
	if d, ok := r.Dentist(id); ok && d.Name != "" {
		return d.Name
	}
	return id
}

// slotOptions numbers slots from 1 for the session and the SlotList widget.
func slotOptions(r *scheduling.Roster, slots []scheduling.Slot, code string, priority *int) ([]session.SlotOption, events.SlotList) {
	loc := r.Location()
	options := make([]session.SlotOption, 0, len(slots))
	list := events.SlotList{ProcedureCode: code, PriorityScore: priority, Slots: make([]events.SlotOption, 0, len(slots))}
	for i, sl := range slots {
		name := dentistName(r, sl.DentistID)
		options = append(options, session.SlotOption{
			Index:       i + 1,
			DentistID:   sl.DentistID,
			DentistName: name,
			Start:       sl.Start,
			End:         sl.End,
		})
		list.Slots = append(list.Slots, events.SlotOption{
			Index:       i + 1,
			DentistID:   sl.DentistID,
			DentistName: name,
			Start:       sl.Start,
			End:         sl.End,
			Label:       fmt.Sprintf("%s with %s", sl.Start.In(loc).Format(slotLabelLayout), name),
		})
	}
	return options, list
}

func confirmationCard(r *scheduling.Roster, a scheduling.Appointment) events.ConfirmationCard {
	name := a.ProcedureName
	if name == "" {
		if proc, ok := r.Procedure(a.ProcedureCode); ok {
			name = proc.Name
		}
	}
	return events.ConfirmationCard{
		AppointmentID: a.ID,
		DentistName:   dentistName(r, a.DentistID),
		ProcedureCode: a.ProcedureCode,
		ProcedureName: name,
		Start:         a.Start,
		End:           a.End,
		Status:        string(a.Status),
	}
}

func confirmationText(c events.ConfirmationCard, loc *time.Location) string {
	what := c.ProcedureName
	if what == "" {
		what = "appointment"
	}
	return fmt.Sprintf("You're booked in! Your %s is with %s on %s.", what, c.DentistName, c.Start.In(loc).Format(slotLabelLayout))
}

func incentiveOffer(o scheduling.MoveOffer) events.IncentiveOffer {
	return events.IncentiveOffer{
		OfferID:        o.ID,
		AppointmentID:  o.AppointmentID,
		TargetStart:    o.TargetSlot.Start,
		TargetEnd:      o.TargetSlot.End,
		IncentiveType:  string(o.Incentive.Type),
		IncentiveValue: o.Incentive.Value,
		ExpiresAt:      o.ExpiresAt,
	}
}

package scheduling

import (
	"sort"
	"time"
)

// SlotQuery asks for open slots in [From, To).
type SlotQuery struct {
	ClinicID      string
	From          time.Time
	To            time.Time
	ProcedureCode string
	DentistID     string
	// Limit caps the result; zero means no cap.
	Limit int
}

type interval struct{ start, end time.Time }

// OpenSlots carves every dentist's working hours inside the query window into
// back-to-back slots of duration, skipping time held by occupying
// appointments. Results are ordered by (start, dentist id).
func OpenSlots(r *Roster, q SlotQuery, duration time.Duration, busy []Appointment) []Slot {
	if duration <= 0 || !q.From.Before(q.To) {
		return nil
	}
	loc := r.Location()
	step := r.Granularity()

	taken := make(map[string][]interval)
	for _, a := range busy {
		if !a.Status.Occupies() {
			continue
		}
		taken[a.DentistID] = append(taken[a.DentistID], interval{a.Start, a.End})
	}
	for id := range taken {
		iv := taken[id]
		sort.Slice(iv, func(i, j int) bool { return iv[i].start.Before(iv[j].start) })
	}

	var out []Slot
	first := q.From.In(loc)
	day := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, loc)
	for ; day.Before(q.To); day = day.AddDate(0, 0, 1) {
		for _, d := range r.Dentists {
			if q.DentistID != "" && d.ID != q.DentistID {
				continue
			}
			if !d.Performs(q.ProcedureCode) {
				continue
			}
			for _, sh := range d.shifts(day.Weekday()) {
				open := interval{
					start: wallClock(day, sh.startMin, loc),
					end:   wallClock(day, sh.endMin, loc),
				}
				if open.start.Before(q.From) {
					open.start = q.From
				}
				if open.end.After(q.To) {
					open.end = q.To
				}
				for _, gap := range subtract(open, taken[d.ID]) {
					out = append(out, carve(gap, duration, step, day, d.ID, q.ProcedureCode)...)
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].DentistID < out[j].DentistID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func wallClock(day time.Time, minutes int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, loc)
}

// subtract removes sorted busy intervals from open.
func subtract(open interval, busy []interval) []interval {
	if !open.start.Before(open.end) {
		return nil
	}
	var out []interval
	cursor := open.start
	for _, b := range busy {
		if !b.end.After(cursor) || !b.start.Before(open.end) {
			continue
		}
		if b.start.After(cursor) {
			out = append(out, interval{cursor, b.start})
		}
		if b.end.After(cursor) {
			cursor = b.end
		}
		if !cursor.Before(open.end) {
			return out
		}
	}
	if cursor.Before(open.end) {
		out = append(out, interval{cursor, open.end})
	}
	return out
}

// carve splits a gap into slots whose starts sit on the granularity grid
// measured from local midnight.
func carve(gap interval, duration, step time.Duration, midnight time.Time, dentistID, code string) []Slot {
	var out []Slot
	start := alignUp(gap.start, midnight, step)
	for !start.Add(duration).After(gap.end) {
		out = append(out, Slot{DentistID: dentistID, Start: start, End: start.Add(duration), ProcedureCode: code})
		start = alignUp(start.Add(duration), midnight, step)
	}
	return out
}

func alignUp(t, midnight time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t
	}
	offset := t.Sub(midnight)
	if rem := offset % step; rem != 0 {
		return t.Add(step - rem)
	}
	return t
}

package scheduling

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const lockStripes = 64

// rangeLocks serializes writes per dentist and clinic-local calendar day.
// Keys hash onto a fixed set of stripes; multi-key callers lock stripes in
// ascending order so two resolutions touching the same pair cannot deadlock.
type rangeLocks struct {
	stripes [lockStripes]sync.Mutex
}

func rangeKey(dentistID string, start time.Time, loc *time.Location) string {
	return dentistID + "|" + start.In(loc).Format("2006-01-02")
}

func (l *rangeLocks) lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		i := int(h.Sum32() % lockStripes)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

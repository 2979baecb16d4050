package scheduling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRosterYAML = `
clinics:
  - id: c1
    name: Test Dental
    timezone: Australia/Sydney
    granularity_mins: 15
    api_keys: [key-c1]
    procedures:
      - {code: checkup, name: Checkup, category: general, duration_mins: 30, base_value: 180}
      - {code: EMERG, name: Emergency, category: emergency, duration_mins: 30, base_value: 250, priority_weight: 2}
      - {code: SCALE, name: Scale and polish, category: hygiene, duration_mins: 30, base_value: 400}
      - {code: FILL, name: Filling, category: restorative, duration_mins: 60, base_value: 320}
    dentists:
      - id: d1
        name: Dr One
        hours:
          monday: [{start: "09:00", end: "10:00"}]
          tue: [{start: "09:00", end: "10:00"}]
          wed: [{start: "09:00", end: "10:00"}]
          thu: [{start: "09:00", end: "10:00"}]
          fri: [{start: "09:00", end: "10:00"}]
      - id: d2
        name: Dr Two
        procedures: [CHECKUP]
        hours:
          mon: [{start: "09:15", end: "10:00"}]
`

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	dir, err := ParseDirectory([]byte(testRosterYAML))
	require.NoError(t, err)
	return dir
}

func TestParseDirectory(t *testing.T) {
	dir := testDirectory(t)

	r, ok := dir.Clinic("c1")
	require.True(t, ok)
	assert.Equal(t, "Australia/Sydney", r.Location().String())
	assert.Equal(t, 15*time.Minute, r.Granularity())

	p, ok := r.Procedure("Checkup")
	require.True(t, ok)
	assert.Equal(t, "CHECKUP", p.Code)
	assert.Equal(t, 1.0, p.PriorityWeight)
	emerg, _ := r.Procedure("EMERG")
	assert.Equal(t, 2.0, emerg.PriorityWeight)

	d1, _ := r.Dentist("d1")
	assert.Len(t, d1.shifts(time.Monday), 1, "long weekday names are shortened")
	assert.True(t, d1.Performs("FILL"), "empty procedure list performs everything")
	d2, _ := r.Dentist("d2")
	assert.False(t, d2.Performs("FILL"))
	assert.True(t, d2.Performs("checkup"))

	id, ok := dir.ClinicForAPIKey(" key-c1 ")
	assert.True(t, ok)
	assert.Equal(t, "c1", id)
	_, ok = dir.ClinicForAPIKey("nope")
	assert.False(t, ok)
	assert.Equal(t, []string{"c1"}, dir.ClinicIDs())
}

func TestParseDirectoryErrors(t *testing.T) {
	tests := map[string]string{
		"bad timezone": `clinics: [{id: c1, timezone: Mars/Olympus}]`,
		"no clinics":   `clinics: []`,
		"missing id":   `clinics: [{name: x}]`,
		"bad shift": `
clinics:
  - id: c1
    dentists:
      - id: d1
        hours: {mon: [{start: "10:00", end: "09:00"}]}`,
		"duplicate dentist": `
clinics:
  - id: c1
    dentists: [{id: d1}, {id: d1}]`,
		"duplicate clinic": `clinics: [{id: c1}, {id: c1}]`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDirectory([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestDefaultDirectory(t *testing.T) {
	dir, err := LoadDirectory("")
	require.NoError(t, err)
	r, ok := dir.Clinic("demo-clinic")
	require.True(t, ok)
	assert.Equal(t, DefaultTimezone, r.Location().String())
	assert.Len(t, r.Dentists, 3)
	rct, ok := r.Procedure("RCT")
	require.True(t, ok)
	assert.Equal(t, 90*time.Minute, rct.Duration())
	id, ok := dir.ClinicForAPIKey("pf_demo_key")
	assert.True(t, ok)
	assert.Equal(t, "demo-clinic", id)
}

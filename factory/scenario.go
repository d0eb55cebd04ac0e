/*
Package factory builds attendance fixtures from YAML scenario documents.

PURPOSE:
  Demo and test data without code changes. A scenario lists persons (with
  optional schedules) and their sessions; the factory turns it into domain
  records and writes them through attendance.Store in one transaction.

YAML SCHEMA:
  id: day-shift
  name: Day Shift
  description: Scheduled trainee with a week of sessions
  category: scheduled
  persons:
    - id: ana
      name: Ana Reyes
      badge: B-1001
      required_hours: 486
      status: ACTIVE               # default ACTIVE
      schedule: {start: "08:00", end: "17:00", grace: 5}
  sessions:
    - id: ana-1
      person: ana
      day: -3                      # days relative to today, <= 0
      in: "07:55"
      out: "17:02"                 # empty = still open; out <= in = next day
      task_log: "Filing"
      provenance: OVERRIDE_APPROVED  # optional
      hours: 9                     # optional stored total (legacy data)
      override: {status: PENDING, reason: "Inventory"}

DERIVED VALUES:
  - Closed sessions without "hours" are computed with the calculator, on
    the unscheduled path when provenance is OVERRIDE_APPROVED.
  - A person's accumulated hours default to the sum of their closed sessions.

SEE ALSO:
  - factory/scenarios/*.yaml: built-in scenarios
  - api/scenarios.go: HTTP listing and loading
*/
package factory

import (
	"bytes"
	"context"
	"embed"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/attendance-engine/attendance"
)

//go:embed scenarios/*.yaml
var builtin embed.FS

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// ScenarioYAML is the document format.
type ScenarioYAML struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Category    string        `yaml:"category"`
	Persons     []PersonYAML  `yaml:"persons"`
	Sessions    []SessionYAML `yaml:"sessions"`
}

type PersonYAML struct {
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name"`
	Badge            string        `yaml:"badge"`
	OTPSecret        string        `yaml:"otp_secret"`
	RequiredHours    float64       `yaml:"required_hours"`
	AccumulatedHours *float64      `yaml:"accumulated_hours"`
	Status           string        `yaml:"status"`
	Schedule         *ScheduleYAML `yaml:"schedule"`
}

type ScheduleYAML struct {
	Start  string `yaml:"start"`
	End    string `yaml:"end"`
	Grace  *int   `yaml:"grace"`
	Active *bool  `yaml:"active"`
}

type SessionYAML struct {
	ID         string        `yaml:"id"`
	Person     string        `yaml:"person"`
	Day        int           `yaml:"day"`
	In         string        `yaml:"in"`
	Out        string        `yaml:"out"`
	TaskLog    string        `yaml:"task_log"`
	Provenance string        `yaml:"provenance"`
	Hours      *float64      `yaml:"hours"`
	Override   *OverrideYAML `yaml:"override"`
}

type OverrideYAML struct {
	Status string `yaml:"status"`
	Reason string `yaml:"reason"`
}

// =============================================================================
// BUILT RECORDS
// =============================================================================

// Scenario is a parsed document ready to build.
type Scenario struct {
	ScenarioYAML
}

// Fixture is the set of domain records a scenario produces.
type Fixture struct {
	Persons   []attendance.Person
	Sessions  []attendance.Session
	Overrides []attendance.OverrideRequest
}

// ScenarioFactory parses scenarios and builds fixtures.
type ScenarioFactory struct {
	Rules attendance.Rules
	Calc  attendance.Calculator
}

func NewScenarioFactory(rules attendance.Rules) *ScenarioFactory {
	return &ScenarioFactory{Rules: rules, Calc: attendance.NewCalculator(rules)}
}

// Parse decodes and validates a YAML document.
func (f *ScenarioFactory) Parse(data []byte) (*Scenario, error) {
	var doc ScenarioYAML
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode scenario")
	}
	if doc.ID == "" {
		return nil, errors.New("scenario: id is required")
	}

	persons := make(map[string]bool, len(doc.Persons))
	for _, p := range doc.Persons {
		if p.ID == "" || p.Name == "" {
			return nil, errors.Errorf("scenario %s: person id and name are required", doc.ID)
		}
		if persons[p.ID] {
			return nil, errors.Errorf("scenario %s: duplicate person %s", doc.ID, p.ID)
		}
		persons[p.ID] = true
	}
	for _, s := range doc.Sessions {
		if !persons[s.Person] {
			return nil, errors.Errorf("scenario %s: session %s references unknown person %q", doc.ID, s.ID, s.Person)
		}
		if s.Day > 0 {
			return nil, errors.Errorf("scenario %s: session %s is in the future", doc.ID, s.ID)
		}
	}
	return &Scenario{ScenarioYAML: doc}, nil
}

// Builtin returns the embedded scenarios sorted by ID.
func (f *ScenarioFactory) Builtin() ([]*Scenario, error) {
	entries, err := builtin.ReadDir("scenarios")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list built-in scenarios")
	}
	var out []*Scenario
	for _, e := range entries {
		data, err := builtin.ReadFile(path.Join("scenarios", e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", e.Name())
		}
		sc, err := f.Parse(data)
		if err != nil {
			return nil, errors.Wrapf(err, "built-in scenario %s", e.Name())
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Find returns the built-in scenario with the given ID, or nil.
func (f *ScenarioFactory) Find(id string) (*Scenario, error) {
	all, err := f.Builtin()
	if err != nil {
		return nil, err
	}
	for _, sc := range all {
		if sc.ID == id {
			return sc, nil
		}
	}
	return nil, nil
}

// Build turns the scenario into records. Relative days count back from
// now's calendar date, in now's location.
func (f *ScenarioFactory) Build(sc *Scenario, now time.Time) (*Fixture, error) {
	fx := &Fixture{}
	byID := make(map[string]*attendance.Person, len(sc.Persons))

	for _, py := range sc.Persons {
		p, err := f.buildPerson(py, now)
		if err != nil {
			return nil, errors.Wrapf(err, "person %s", py.ID)
		}
		fx.Persons = append(fx.Persons, p)
	}
	for i := range fx.Persons {
		byID[string(fx.Persons[i].ID)] = &fx.Persons[i]
	}

	today := attendance.DateOf(now)
	totals := make(map[attendance.PersonID]decimal.Decimal)
	for _, sy := range sc.Sessions {
		person := byID[sy.Person]
		s, err := f.buildSession(sy, person, today)
		if err != nil {
			return nil, errors.Wrapf(err, "session %s", sy.ID)
		}
		fx.Sessions = append(fx.Sessions, s)
		if !s.IsOpen() {
			totals[person.ID] = totals[person.ID].Add(s.Hours.Total)
		}
		if sy.Override != nil {
			o, err := f.buildOverride(*sy.Override, s, person)
			if err != nil {
				return nil, errors.Wrapf(err, "override of session %s", sy.ID)
			}
			fx.Overrides = append(fx.Overrides, o)
		}
	}

	for i, py := range sc.Persons {
		if py.AccumulatedHours != nil {
			fx.Persons[i].AccumulatedHours = decimal.NewFromFloat(*py.AccumulatedHours)
			continue
		}
		fx.Persons[i].AccumulatedHours = totals[fx.Persons[i].ID]
	}
	return fx, nil
}

func (f *ScenarioFactory) buildPerson(py PersonYAML, now time.Time) (attendance.Person, error) {
	status := attendance.PersonActive
	if py.Status != "" {
		status = attendance.PersonStatus(strings.ToUpper(py.Status))
		if !status.Valid() {
			return attendance.Person{}, errors.Errorf("invalid status %q", py.Status)
		}
	}
	p := attendance.Person{
		ID:            attendance.PersonID(py.ID),
		Name:          py.Name,
		BadgeCode:     py.Badge,
		OTPSecret:     py.OTPSecret,
		RequiredHours: decimal.NewFromFloat(py.RequiredHours),
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if sy := py.Schedule; sy != nil {
		start, err := attendance.ParseTimeOfDay(sy.Start)
		if err != nil {
			return p, errors.Wrap(err, "schedule start")
		}
		end, err := attendance.ParseTimeOfDay(sy.End)
		if err != nil {
			return p, errors.Wrap(err, "schedule end")
		}
		grace := f.Rules.DefaultGraceMinutes
		if sy.Grace != nil {
			grace = *sy.Grace
		}
		p.Schedule = attendance.NewSchedule(start, end, grace)
		if sy.Active != nil {
			p.Schedule.Active = *sy.Active
		}
		if err := p.Schedule.Validate(f.Rules); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (f *ScenarioFactory) buildSession(sy SessionYAML, person *attendance.Person, today time.Time) (attendance.Session, error) {
	day := today.AddDate(0, 0, sy.Day)
	inTOD, err := attendance.ParseTimeOfDay(sy.In)
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "in")
	}
	in := inTOD.On(day)

	prov := attendance.ProvenanceNormal
	if sy.Provenance != "" {
		prov = attendance.Provenance(strings.ToUpper(sy.Provenance))
	}

	s := attendance.Session{
		ID:         attendance.SessionID(sy.ID),
		PersonID:   person.ID,
		Date:       attendance.DateOf(in),
		WorkDate:   attendance.WorkDateFor(in, f.Rules.NightShiftCutoffHour),
		TimeIn:     in,
		TaskLog:    sy.TaskLog,
		Status:     attendance.SessionOpen,
		Provenance: prov,
		Version:    1,
		CreatedAt:  in,
		UpdatedAt:  in,
	}
	if sy.Out == "" {
		return s, nil
	}

	outTOD, err := attendance.ParseTimeOfDay(sy.Out)
	if err != nil {
		return s, errors.Wrap(err, "out")
	}
	out := outTOD.On(day)
	if !out.After(in) {
		out = outTOD.On(day.AddDate(0, 0, 1))
	}
	s.TimeOut = &out
	s.Status = attendance.SessionClosed
	s.UpdatedAt = out

	switch {
	case sy.Hours != nil:
		s.Hours = f.Calc.SplitCorrected(decimal.NewFromFloat(*sy.Hours))
	default:
		s.Hours = f.Calc.Calculate(attendance.CalcInput{
			TimeIn:           in,
			TimeOut:          out,
			Schedule:         person.Schedule,
			OverrideApproved: prov == attendance.ProvenanceOverrideApproved,
		})
	}
	return s, nil
}

func (f *ScenarioFactory) buildOverride(oy OverrideYAML, s attendance.Session, person *attendance.Person) (attendance.OverrideRequest, error) {
	if !person.HasActiveSchedule() {
		return attendance.OverrideRequest{}, errors.New("person has no active schedule")
	}
	status := attendance.OverridePending
	if oy.Status != "" {
		status = attendance.OverrideStatus(strings.ToUpper(oy.Status))
	}
	w := f.Calc.ResolveWindow(s.TimeIn, person.Schedule)
	early := int(w.ScheduledStart.Sub(s.TimeIn) / time.Minute)
	if early <= 0 {
		return attendance.OverrideRequest{}, errors.New("session did not start early")
	}
	return attendance.OverrideRequest{
		ID:            attendance.OverrideID("ovr-" + string(s.ID)),
		SessionID:     s.ID,
		PersonID:      person.ID,
		ScheduledTime: w.ScheduledStart,
		ActualTime:    s.TimeIn,
		EarlyMinutes:  early,
		Reason:        oy.Reason,
		Status:        status,
		CreatedAt:     s.TimeIn,
	}, nil
}

// Apply writes the fixture in one transaction. Persons first, then
// sessions, then overrides.
func (fx *Fixture) Apply(ctx context.Context, store attendance.TxStore) error {
	return store.WithTx(ctx, func(tx attendance.Store) error {
		for _, p := range fx.Persons {
			if err := tx.SavePerson(ctx, p); err != nil {
				return errors.Wrapf(err, "save person %s", p.ID)
			}
		}
		for _, s := range fx.Sessions {
			if err := tx.CreateSession(ctx, s); err != nil {
				return errors.Wrapf(err, "create session %s", s.ID)
			}
		}
		for _, o := range fx.Overrides {
			if err := tx.CreateOverride(ctx, o); err != nil {
				return errors.Wrapf(err, "create override %s", o.ID)
			}
		}
		return nil
	})
}

// Copyright 2025 LogLine Contributors
//
// Adaptive Clock — grammar-driven temporal units, ticks, and listener
// notification. Grounded on original_source/time/{adaptive_clock,time_model}.rs
// for the unit conversions and pause-on-non-business-hours behavior; the
// tick loop itself follows the teacher's pkg/batch.Scheduler shape
// (injected Config, stopCh/doneCh lifecycle) with github.com/robfig/cron/v3
// driving the periodic fire instead of a bare time.Ticker.

package clock

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/danvoulez/logline/pkg/span"
)

// TimeUnit is the declared temporal unit for a grammar's TimeModel.
type TimeUnit string

const (
	UnitMicroseconds TimeUnit = "microseconds"
	UnitDays         TimeUnit = "days"
	UnitBusinessDays TimeUnit = "business_days"
	UnitHours        TimeUnit = "hours"
	UnitMinutes      TimeUnit = "minutes"
	UnitSlots        TimeUnit = "slots"
	UnitCycles       TimeUnit = "cycles"
	UnitWeeks        TimeUnit = "weeks"
)

// Calendar declares which wall-clock weekdays and hours count as
// "business" for the business_days unit.
type Calendar struct {
	WorkDays      map[time.Weekday]bool
	WorkHourStart int // 0-23
	WorkHourEnd   int // 0-23
	Holidays      map[string]bool // "2025-12-25"-style keys
}

func DefaultCalendar() Calendar {
	return Calendar{
		WorkDays: map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true,
		},
		WorkHourStart: 9,
		WorkHourEnd:   18,
		Holidays:      map[string]bool{},
	}
}

func (c Calendar) isWorkHour(t time.Time) bool {
	if c.Holidays[t.Format("2006-01-02")] {
		return false
	}
	if !c.WorkDays[t.Weekday()] {
		return false
	}
	return t.Hour() >= c.WorkHourStart && t.Hour() < c.WorkHourEnd
}

// TimeModel is the grammar-declared temporal configuration.
type TimeModel struct {
	Name          string
	Unit          TimeUnit
	Calendar      Calendar
	SlotLength    time.Duration // for UnitSlots
	CycleDuration time.Duration // for UnitCycles

	// Formulas are named rules (vencimento, delay, ...) evaluated
	// against an input map; results memoize in the clock's cache.
	Formulas map[string]func(inputs map[string]any) (float64, error)
}

// ClockStatus is the adaptive clock's operating state.
type ClockStatus string

const (
	StatusRunning ClockStatus = "running"
	StatusPaused  ClockStatus = "paused"
	StatusHoliday ClockStatus = "holiday"
	StatusError   ClockStatus = "error"
)

// TimeState is the clock's externally observable state.
type TimeState struct {
	CurrentTimestamp time.Time
	CurrentUnitValue float64
	LastUpdated      time.Time
	ClockStatus      ClockStatus
}

// Listener observes ticks in non-decreasing CurrentUnitValue order. A
// listener that sees two ticks with equal unit value may use
// CurrentTimestamp as a tiebreak.
type Listener interface {
	OnTick(state TimeState)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(TimeState)

func (f ListenerFunc) OnTick(state TimeState) { f(state) }

// Config controls the clock's tick loop.
type Config struct {
	BaseTickInterval time.Duration // default 1s
	Logger           *log.Logger
}

func DefaultConfig() *Config {
	return &Config{
		BaseTickInterval: time.Second,
		Logger:           log.New(log.Writer(), "[Clock] ", log.LstdFlags),
	}
}

// Clock is the adaptive clock for one active grammar.
type Clock struct {
	mu        sync.RWMutex
	cfg       *Config
	model     TimeModel
	state     TimeState
	listeners []Listener
	formulaCache map[string]float64

	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(model TimeModel, cfg *Config) *Clock {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Clock] ", log.LstdFlags)
	}
	now := time.Now().UTC()
	c := &Clock{
		cfg:   cfg,
		model: model,
		state: TimeState{
			CurrentTimestamp: now,
			ClockStatus:      StatusRunning,
		},
		formulaCache: make(map[string]float64),
	}
	c.state.CurrentUnitValue, _ = c.toUnitValue(now)
	return c
}

// LoadTimeModel swaps the active grammar's temporal model, clearing the
// derived-calculation memo cache since formulas may have changed.
func (c *Clock) LoadTimeModel(model TimeModel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
	c.formulaCache = make(map[string]float64)
}

// AddListener registers a listener for future ticks.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns a snapshot of the clock's current state.
func (c *Clock) State() TimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start begins the tick loop, driven by a robfig/cron schedule at the
// configured base interval. Each tick advances TimeState, evaluates the
// pause/resume condition, and notifies listeners in registration order.
func (c *Clock) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.cron = cron.New(cron.WithSeconds())
	c.mu.Unlock()

	interval := c.cfg.BaseTickInterval
	if interval <= 0 {
		interval = time.Second
	}
	c.cron.Schedule(everySchedule(interval), cron.FuncJob(c.tick))
	c.cron.Start()

	go func() {
		<-ctx.Done()
		stopCtx := c.cron.Stop()
		<-stopCtx.Done()
	}()
	return nil
}

// Stop halts the tick loop.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// everySchedule is a cron.Schedule that fires every d. Unlike an "@every"
// spec, which cron rounds to whole seconds, it keeps sub-second base
// intervals exact.
type everySchedule time.Duration

func (d everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

func (c *Clock) tick() {
	c.mu.Lock()

	now := time.Now().UTC()
	paused := c.model.Calendar.WorkDays != nil && !c.model.Calendar.isWorkHour(now) && c.model.Unit == UnitBusinessDays

	oldStatus := c.state.ClockStatus
	if paused {
		c.state.ClockStatus = StatusPaused
	} else {
		c.state.ClockStatus = StatusRunning
	}

	if !paused {
		unitValue, err := c.toUnitValue(now)
		if err != nil {
			c.state.ClockStatus = StatusError
		} else if unitValue >= c.state.CurrentUnitValue {
			// Monotonicity guard (P6): never let a tick regress the
			// observed unit value even if wall clock math jitters.
			c.state.CurrentUnitValue = unitValue
		}
		c.state.CurrentTimestamp = now
	}
	c.state.LastUpdated = now

	listeners := append([]Listener(nil), c.listeners...)
	snapshot := c.state
	_ = oldStatus
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnTick(snapshot)
	}
}

// toUnitValue converts a wall-clock timestamp into the model's declared
// unit value.
func (c *Clock) toUnitValue(t time.Time) (float64, error) {
	switch c.model.Unit {
	case UnitBusinessDays:
		return c.businessDayValue(t), nil
	case UnitSlots:
		slot := c.model.SlotLength
		if slot <= 0 {
			slot = 30 * time.Minute
		}
		return math.Floor(float64(t.UnixMicro()) / float64(slot.Microseconds())), nil
	case UnitCycles:
		cyc := c.model.CycleDuration
		if cyc <= 0 {
			cyc = 4 * time.Hour
		}
		return float64(t.UnixMicro()) / float64(cyc.Microseconds()), nil
	case UnitWeeks:
		return float64(t.Unix()) / (7 * 24 * 3600), nil
	case UnitDays:
		return float64(t.Unix()) / (24 * 3600), nil
	case UnitHours:
		return float64(t.Unix()) / 3600, nil
	case UnitMinutes:
		return float64(t.Unix()) / 60, nil
	default: // microseconds
		return float64(t.UnixMicro()), nil
	}
}

// businessDayValue counts business days elapsed since the Unix epoch,
// scaling calendar days by the fraction of the week that is a work day —
// matching original_source's days_since_epoch * (work_days/7) formula.
func (c *Clock) businessDayValue(t time.Time) float64 {
	daysSinceEpoch := float64(t.Unix()) / (24 * 3600)
	workDays := len(c.model.Calendar.WorkDays)
	if workDays == 0 {
		workDays = 5
	}
	return daysSinceEpoch * (float64(workDays) / 7.0)
}

// Evaluate runs a named grammar formula against inputs, memoizing the
// result keyed by name until the time model is reloaded.
func (c *Clock) Evaluate(name string, inputs map[string]any) (float64, error) {
	c.mu.RLock()
	if v, ok := c.formulaCache[name]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	formula, ok := c.model.Formulas[name]
	c.mu.RUnlock()
	if !ok {
		return 0, span.NotFound("no formula named %q in active time model", name)
	}

	result, err := formula(inputs)
	if err != nil {
		return 0, span.Wrap(span.KindValidation, err, "evaluate formula %q", name)
	}

	c.mu.Lock()
	c.formulaCache[name] = result
	c.mu.Unlock()
	return result, nil
}

// Package wizard is the checkout step state machine. Forward moves are
// driven by a transition table whose entries are tried in order; each source
// step has a completion guard that must pass first. Backward moves retrace
// the path actually taken.
package wizard

import (
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/telemetry"
)

// Event is a navigation action from the browser.
type Event string

const (
	Continue Event = "continue"
	Back     Event = "back"
)

// Guard reports field-scoped problems that keep a step from being complete.
type Guard func(s *domain.CheckoutSession) error

// Transition is one candidate target. When nil the transition always applies.
type Transition struct {
	When func(s *domain.CheckoutSession) bool
	To   domain.Step
}

// Machine holds the guards and the forward transition table.
type Machine struct {
	guards map[domain.Step]Guard
	table  map[domain.Step][]Transition
}

func needsNumber(s *domain.CheckoutSession) bool {
	return s.Phone.Mode == domain.PhoneModeNew
}

func needsHardware(s *domain.CheckoutSession) bool {
	return s.Plan.CallingMode == domain.CallingHardware
}

// New returns the checkout wizard.
//
//	address -> business needs -> [number selection] -> [hardware selection] -> payment
func New() *Machine {
	return &Machine{
		guards: map[domain.Step]Guard{
			domain.StepAddress:           addressComplete,
			domain.StepBusinessNeeds:     businessNeedsComplete,
			domain.StepNumberSelection:   numberSelectionComplete,
			domain.StepHardwareSelection: hardwareSelectionComplete,
		},
		table: map[domain.Step][]Transition{
			domain.StepAddress: {
				{To: domain.StepBusinessNeeds},
			},
			domain.StepBusinessNeeds: {
				{When: needsNumber, To: domain.StepNumberSelection},
				{When: needsHardware, To: domain.StepHardwareSelection},
				{To: domain.StepPayment},
			},
			domain.StepNumberSelection: {
				{When: needsHardware, To: domain.StepHardwareSelection},
				{To: domain.StepPayment},
			},
			domain.StepHardwareSelection: {
				{To: domain.StepPayment},
			},
		},
	}
}

// Check runs the guard of step against the session.
func (m *Machine) Check(step domain.Step, s *domain.CheckoutSession) error {
	guard, ok := m.guards[step]
	if !ok {
		return nil
	}
	return guard(s)
}

// Next returns the step after the session's current one without changing
// the session.
func (m *Machine) Next(s *domain.CheckoutSession) (domain.Step, error) {
	return m.next(s.Progress.Step, s)
}

// Revalidate replays the forward path from the first step to the current
// one against the session as it is now. Edits made after a step was left
// can break its guard or change which steps the path needs; the first step
// that no longer holds is returned with its guard error.
func (m *Machine) Revalidate(s *domain.CheckoutSession) (domain.Step, error) {
	step := domain.StepAddress
	for step != s.Progress.Step {
		to, err := m.next(step, s)
		if err != nil {
			return step, err
		}
		if to == domain.StepPayment && s.Progress.Step != domain.StepPayment {
			break
		}
		step = to
	}
	return step, nil
}

func (m *Machine) next(from domain.Step, s *domain.CheckoutSession) (domain.Step, error) {
	const op = "wizard.next"

	transitions, ok := m.table[from]
	if !ok {
		return from, domain.Invalid(op, "there is no step after "+from.String())
	}
	if err := m.Check(from, s); err != nil {
		return from, err
	}
	for _, t := range transitions {
		if t.When == nil || t.When(s) {
			return t.To, nil
		}
	}
	return from, domain.Invalid(op, "no transition from "+from.String())
}

// Previous returns the step before the current one on the path the session
// actually took.
func (m *Machine) Previous(s *domain.CheckoutSession) domain.Step {
	v := s.Progress.Visited
	if len(v) < 2 {
		return domain.StepAddress
	}
	return v[len(v)-2]
}

// Fire applies ev to the session's progress and returns the step that was
// left. A blocked Continue leaves the session unchanged.
func (m *Machine) Fire(s *domain.CheckoutSession, ev Event) (domain.Step, error) {
	from := s.Progress.Step
	switch ev {
	case Continue:
		to, err := m.Next(s)
		if err != nil {
			if telemetry.Business != nil {
				telemetry.Business.StepBlocked.WithLabelValues(from.String()).Inc()
			}
			return from, err
		}
		s.Progress.Step = to
		s.Progress.Visited = append(s.Progress.Visited, to)
		recordTransition(from, to, "forward")
	case Back:
		if len(s.Progress.Visited) < 2 {
			return from, nil
		}
		s.Progress.Visited = s.Progress.Visited[:len(s.Progress.Visited)-1]
		to := s.Progress.Visited[len(s.Progress.Visited)-1]
		s.Progress.Step = to
		recordTransition(from, to, "back")
	default:
		return from, domain.Invalid("wizard.fire", "unknown event "+string(ev))
	}
	return from, nil
}

func recordTransition(from, to domain.Step, direction string) {
	if telemetry.Business != nil {
		telemetry.Business.StepTransitions.WithLabelValues(from.String(), to.String(), direction).Inc()
	}
}

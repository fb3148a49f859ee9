package platform

import (
	"sort"

	"github.com/lastowl/nolongerevil-bridge/internal/nle"
)

// Plan is the outcome of comparing a discovery sweep against the host
type Plan struct {
	Add    []nle.ThermostatState
	Update []nle.ThermostatState
	Remove []Accessory
	// Empty is set when the sweep found nothing; no accessory is added or
	// removed in that case.
	Empty bool
}

// Reconcile diffs discovered thermostats against known accessories, keyed by
// serial. Serials in retain were listed by the backend but could not be
// fetched; they are kept as-is. Duplicate serials collapse to the last entry.
func Reconcile(discovered []nle.ThermostatState, known []Accessory, retain []string) Plan {
	if len(discovered) == 0 {
		return Plan{Empty: true}
	}

	bySerial := make(map[string]nle.ThermostatState, len(discovered))
	order := make([]string, 0, len(discovered))
	for _, state := range discovered {
		if _, seen := bySerial[state.Serial]; !seen {
			order = append(order, state.Serial)
		}
		bySerial[state.Serial] = state
	}

	knownBySerial := make(map[string]Accessory, len(known))
	for _, acc := range known {
		knownBySerial[acc.Serial] = acc
	}

	kept := make(map[string]bool, len(retain))
	for _, serial := range retain {
		kept[serial] = true
	}

	var plan Plan
	for _, serial := range order {
		state := bySerial[serial]
		if _, ok := knownBySerial[serial]; ok {
			plan.Update = append(plan.Update, state)
		} else {
			plan.Add = append(plan.Add, state)
		}
	}

	for _, acc := range known {
		if _, ok := bySerial[acc.Serial]; ok || kept[acc.Serial] {
			continue
		}
		plan.Remove = append(plan.Remove, acc)
	}
	sort.Slice(plan.Remove, func(i, j int) bool { return plan.Remove[i].Serial < plan.Remove[j].Serial })

	return plan
}

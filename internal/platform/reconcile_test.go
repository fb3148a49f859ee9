package platform

import (
	"reflect"
	"testing"

	"github.com/lastowl/nolongerevil-bridge/internal/nle"
)

func thermostat(serial string) nle.ThermostatState {
	return nle.ThermostatState{DeviceID: "id-" + serial, Serial: serial, Name: "Nest " + serial}
}

func accessory(serial string) Accessory {
	return Accessory{ID: uint64(len(serial)), Serial: serial, Name: "Nest " + serial, Context: thermostat(serial)}
}

func serialsOf(states []nle.ThermostatState) []string {
	var out []string
	for _, s := range states {
		out = append(out, s.Serial)
	}
	return out
}

func accessorySerials(accs []Accessory) []string {
	var out []string
	for _, a := range accs {
		out = append(out, a.Serial)
	}
	return out
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name       string
		discovered []nle.ThermostatState
		known      []Accessory
		retain     []string
		wantAdd    []string
		wantUpdate []string
		wantRemove []string
		wantEmpty  bool
	}{
		{
			name:       "new serial replaces stale one",
			discovered: []nle.ThermostatState{thermostat("A")},
			known:      []Accessory{accessory("B")},
			wantAdd:    []string{"A"},
			wantRemove: []string{"B"},
		},
		{
			name:       "first launch adds everything",
			discovered: []nle.ThermostatState{thermostat("A"), thermostat("B")},
			wantAdd:    []string{"A", "B"},
		},
		{
			name:       "known serials are updated",
			discovered: []nle.ThermostatState{thermostat("A"), thermostat("C")},
			known:      []Accessory{accessory("A"), accessory("B")},
			wantAdd:    []string{"C"},
			wantUpdate: []string{"A"},
			wantRemove: []string{"B"},
		},
		{
			name:      "zero devices removes nothing",
			known:     []Accessory{accessory("A"), accessory("B")},
			wantEmpty: true,
		},
		{
			name:       "duplicate serials collapse",
			discovered: []nle.ThermostatState{thermostat("A"), thermostat("A")},
			wantAdd:    []string{"A"},
		},
		{
			name:       "retained serials survive",
			discovered: []nle.ThermostatState{thermostat("A")},
			known:      []Accessory{accessory("A"), accessory("B"), accessory("C")},
			retain:     []string{"B"},
			wantUpdate: []string{"A"},
			wantRemove: []string{"C"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Reconcile(tt.discovered, tt.known, tt.retain)
			if plan.Empty != tt.wantEmpty {
				t.Errorf("Empty = %v, want %v", plan.Empty, tt.wantEmpty)
			}
			if got := serialsOf(plan.Add); !reflect.DeepEqual(got, tt.wantAdd) {
				t.Errorf("Add = %v, want %v", got, tt.wantAdd)
			}
			if got := serialsOf(plan.Update); !reflect.DeepEqual(got, tt.wantUpdate) {
				t.Errorf("Update = %v, want %v", got, tt.wantUpdate)
			}
			if got := accessorySerials(plan.Remove); !reflect.DeepEqual(got, tt.wantRemove) {
				t.Errorf("Remove = %v, want %v", got, tt.wantRemove)
			}
		})
	}
}

func TestReconcile_DuplicateKeepsLast(t *testing.T) {
	first := thermostat("A")
	second := thermostat("A")
	second.CurrentTemperature = 25

	plan := Reconcile([]nle.ThermostatState{first, second}, nil, nil)
	if len(plan.Add) != 1 || plan.Add[0].CurrentTemperature != 25 {
		t.Fatalf("Add = %+v, want the last duplicate", plan.Add)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	discovered := []nle.ThermostatState{thermostat("A"), thermostat("B")}

	first := Reconcile(discovered, nil, nil)
	var known []Accessory
	for _, s := range first.Add {
		known = append(known, Accessory{Serial: s.Serial, Name: s.Name, Context: s})
	}

	second := Reconcile(discovered, known, nil)
	if len(second.Add) != 0 || len(second.Remove) != 0 {
		t.Fatalf("second pass should only update, got add=%v remove=%v",
			serialsOf(second.Add), accessorySerials(second.Remove))
	}
	if got := serialsOf(second.Update); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("Update = %v", got)
	}
}

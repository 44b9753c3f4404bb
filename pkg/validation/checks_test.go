package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkCase struct {
	name    string
	id      string
	seed    func(g *graph)
	count   int
	subject string
	issue   string
}

func runCases(t *testing.T, cases []checkCase, run func(v *Validator, id string) (CheckResult, error)) {
	t.Helper()
	for _, tt := range cases {
		t.Run(tt.id+" "+tt.name, func(t *testing.T) {
			g := newGraph(t)
			tt.seed(g)
			res, err := run(newTestValidator(t, g.store), tt.id)
			require.NoError(t, err)

			assert.Equal(t, tt.id, res.ID)
			assert.Equal(t, tt.count, res.ViolationCount)
			assert.Equal(t, tt.count == 0, res.Passed)
			assert.Equal(t, testNow, res.CheckedAt)
			if tt.count == 0 {
				return
			}
			require.NotEmpty(t, res.Violations)
			if tt.subject != "" {
				assert.Equal(t, tt.subject, res.Violations[0].SubjectID)
			}
			if tt.issue != "" {
				assert.Contains(t, res.Violations[0].Description, tt.issue)
			}
		})
	}
}

func TestAxioms(t *testing.T) {
	cases := []checkCase{
		{"node in both classes", "AX001", func(g *graph) {
			g.node([]string{"Equipment", "Sensor"}, map[string]any{"equipmentId": "X-001"})
			g.equipment("RO-001", "ReverseOsmosis")
		}, 1, "X-001", "both Equipment and Sensor"},

		{"healthScore on a sensor", "AX002", func(g *graph) {
			g.node([]string{"Sensor"}, map[string]any{"sensorId": "PS-01", "healthScore": 50})
			g.equipment("RO-001", "ReverseOsmosis")
		}, 1, "PS-01", "not Equipment"},

		{"missing IS_ATTACHED_TO", "AX003", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			g.sensor(ro, "PS-RO-IN", "Pressure")
		}, 1, "RO-001", "Missing IS_ATTACHED_TO"},

		{"missing HAS_SENSOR", "AX003", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			s := g.sensor(nil, "PS-RO-IN", "Pressure")
			g.edge(s, "IS_ATTACHED_TO", ro)
		}, 1, "PS-RO-IN", "Missing HAS_SENSOR"},

		{"both directions present", "AX003", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			s := g.sensor(ro, "PS-RO-IN", "Pressure")
			g.edge(s, "IS_ATTACHED_TO", ro)
		}, 0, "", ""},

		{"open feed chain", "AX004", func(g *graph) {
			a, b, c := g.equipment("TK-001", "StorageTank"), g.equipment("PMP-001", "Pump"), g.equipment("RO-001", "ReverseOsmosis")
			g.edge(a, "FEEDS_INTO", b)
			g.edge(b, "FEEDS_INTO", c)
		}, 1, "TK-001", "Missing transitive FEEDS_INTO"},

		{"closed feed chain", "AX004", func(g *graph) {
			a, b, c := g.equipment("TK-001", "StorageTank"), g.equipment("PMP-001", "Pump"), g.equipment("RO-001", "ReverseOsmosis")
			g.edge(a, "FEEDS_INTO", b)
			g.edge(b, "FEEDS_INTO", c)
			g.edge(a, "FEEDS_INTO", c)
		}, 0, "", ""},

		{"missing healthScore", "AX005", func(g *graph) {
			g.node([]string{"Equipment"}, map[string]any{"equipmentId": "RO-001"})
		}, 1, "RO-001", "Missing healthScore"},

		{"several healthScores", "AX005", func(g *graph) {
			g.equipment("RO-001", "ReverseOsmosis", "healthScore", []any{55, 60})
		}, 1, "RO-001", "healthScore has 2 values"},

		{"outlet conductivity above inlet", "AX006", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			g.observe(g.sensor(ro, "CS-RO-IN", "Conductivity"), 10, 30*time.Minute)
			g.observe(g.sensor(ro, "CS-RO-OUT", "ConductivitySensor"), 12, 30*time.Minute)
		}, 1, "RO-001", "Outlet conductivity"},

		{"stale conductivity readings", "AX006", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			g.observe(g.sensor(ro, "CS-RO-IN", "Conductivity"), 10, 2*time.Hour)
			g.observe(g.sensor(ro, "CS-RO-OUT", "Conductivity"), 12, 2*time.Hour)
		}, 0, "", ""},

		{"EDI without current sensor", "AX007", func(g *graph) {
			edi := g.equipment("EDI-001", "Electrodeionization")
			g.sensor(edi, "VS-EDI-01", "Voltage")
		}, 1, "EDI-001", "Missing Current sensor"},

		{"EDI without sensors", "AX007", func(g *graph) {
			g.equipment("EDI-001", "EDI")
		}, 1, "EDI-001", "Missing Voltage sensor and Current sensor"},

		{"UV without intensity sensor", "AX008", func(g *graph) {
			g.equipment("UV-001", "UVSterilizer")
			uv := g.equipment("UV-002", "UV")
			g.sensor(uv, "UVI-02", "UVIntensitySensor")
		}, 1, "UV-001", "Missing UV intensity sensor"},

		{"EDI feeds back into RO", "AX009", func(g *graph) {
			ro, edi, pump := g.equipment("RO-001", "ReverseOsmosis"), g.equipment("EDI-001", "Electrodeionization"), g.equipment("PMP-001", "Pump")
			g.edge(ro, "FEEDS_INTO", edi)
			g.edge(edi, "FEEDS_INTO", pump)
			g.edge(pump, "FEEDS_INTO", ro)
		}, 1, "RO-001", "Process flow violation"},

		{"forward process order", "AX009", func(g *graph) {
			ro, edi := g.equipment("RO-001", "ReverseOsmosis"), g.equipment("EDI-001", "Electrodeionization")
			g.edge(ro, "FEEDS_INTO", edi)
		}, 0, "", ""},

		{"pressure drop above 1.5 bar", "AX010", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			g.observe(g.sensor(ro, "PS-RO-IN", "Pressure"), 16, 10*time.Minute)
			g.observe(g.sensor(ro, "PS-RO-OUT", "PressureSensor"), 14, 10*time.Minute)
		}, 1, "RO-001", "Pressure drop"},

		{"pressure drop within limit", "AX010", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			g.observe(g.sensor(ro, "PS-RO-IN", "Pressure"), 15, 10*time.Minute)
			g.observe(g.sensor(ro, "PS-RO-OUT", "Pressure"), 14, 10*time.Minute)
		}, 0, "", ""},

		{"rising outlet conductivity", "AX011", func(g *graph) {
			s := g.sensor(g.equipment("RO-001", "ReverseOsmosis"), "CS-RO-OUT", "Conductivity")
			for i, v := range []float64{1.0, 1.0, 1.1, 1.0, 1.3} {
				g.observe(s, v, time.Duration(6-i)*24*time.Hour)
			}
		}, 1, "CS-RO-OUT", "membrane aging"},

		{"too few conductivity readings", "AX011", func(g *graph) {
			s := g.sensor(g.equipment("RO-001", "ReverseOsmosis"), "CS-RO-OUT", "Conductivity")
			for i, v := range []float64{1.0, 1.0, 1.0, 1.3} {
				g.observe(s, v, time.Duration(4-i)*24*time.Hour)
			}
		}, 0, "", ""},
	}

	runCases(t, cases, func(v *Validator, id string) (CheckResult, error) {
		return v.CheckAxiom(context.Background(), id)
	})
}

func TestConstraints(t *testing.T) {
	cases := []checkCase{
		{"missing name and type", "CONS001", func(g *graph) {
			g.node([]string{"Equipment"}, map[string]any{"equipmentId": "RO-001", "name": ""})
		}, 1, "RO-001", "Missing required properties: name, type"},

		{"healthScore above 100", "CONS002", func(g *graph) {
			g.equipment("RO-001", "ReverseOsmosis", "healthScore", 120)
			g.equipment("RO-002", "ReverseOsmosis", "healthScore", 100)
		}, 1, "RO-001", "above maximum 100"},

		{"healthScore below 0", "CONS002", func(g *graph) {
			g.equipment("RO-001", "ReverseOsmosis", "healthScore", -5)
		}, 1, "RO-001", "below minimum 0"},

		{"equipment without sensors", "CONS003", func(g *graph) {
			g.equipment("UV-001", "UVSterilizer")
			g.sensor(g.equipment("RO-001", "ReverseOsmosis"), "PS-RO-IN", "Pressure")
		}, 1, "UV-001", "expected at least 1"},

		{"duplicate equipmentId", "CONS004", func(g *graph) {
			g.equipment("RO-001", "ReverseOsmosis")
			g.equipment("RO-001", "ReverseOsmosis")
			g.equipment("EDI-001", "EDI")
		}, 1, "RO-001", "Duplicate equipmentId 'RO-001' on 2 nodes"},

		{"temperature out of range", "CONS005", func(g *graph) {
			ts := g.sensor(g.equipment("RO-001", "ReverseOsmosis"), "TS-RO-01", "Temperature")
			g.observe(ts, 250, time.Hour)
			g.observe(ts, 25, time.Hour)
			g.observe(ts, -60, 2*time.Hour)
		}, 2, "TS-RO-01", ""},

		{"RO inlet pressure low", "CONS006", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			g.observe(g.sensor(ro, "PS-RO-IN", "Pressure"), 7, time.Hour)
			g.observe(g.sensor(ro, "PS-RO-OUT", "Pressure"), 7, time.Hour)
		}, 1, "RO-001", "below minimum 8 bar"},

		{"EDI voltage high", "CONS007", func(g *graph) {
			edi := g.equipment("EDI-001", "Electrodeionization")
			g.observe(g.sensor(edi, "VS-EDI-01", "VoltageSensor"), 650, time.Hour)
			g.observe(g.sensor(edi, "VS-EDI-02", "Voltage"), 400, time.Hour)
		}, 1, "EDI-001", "above maximum 600V"},

		{"UV intensity low", "CONS008", func(g *graph) {
			uv := g.equipment("UV-001", "UVSterilizer")
			g.observe(g.sensor(uv, "UVI-01", "UVIntensity"), 20, time.Hour)
		}, 1, "UV-001", "below minimum 30"},

		{"outlet conductivity high", "CONS009", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			g.observe(g.sensor(ro, "CS-RO-OUT", "Conductivity"), 1.5, time.Hour)
			g.observe(g.sensor(ro, "CS-RO-IN", "Conductivity"), 15, time.Hour)
		}, 1, "RO-001", "above maximum 1"},

		{"RO flow low", "CONS010", func(g *graph) {
			ro := g.equipment("RO-001", "ReverseOsmosis")
			g.observe(g.sensor(ro, "FS-RO-01", "Flow"), 25, time.Hour)
			g.observe(g.sensor(ro, "FS-RO-01B", "FlowSensor"), 35, time.Hour)
		}, 1, "RO-001", "below minimum 30"},

		{"RO operating hours", "CONS011", func(g *graph) {
			g.equipment("RO-001", "ReverseOsmosis", "operatingHours", 9000)
			g.equipment("RO-002", "RO", "operatingHours", 100)
			g.equipment("PMP-001", "Pump", "operatingHours", 20000)
		}, 1, "RO-001", "above maximum 8000h"},

		{"malformed equipmentId", "CONS012", func(g *graph) {
			g.equipment("ro-1", "ReverseOsmosis")
			g.equipment("RO-001", "ReverseOsmosis")
		}, 1, "ro-1", "does not match"},
	}

	runCases(t, cases, func(v *Validator, id string) (CheckResult, error) {
		return v.ValidateConstraint(context.Background(), id)
	})
}

func TestValueRange_Details(t *testing.T) {
	g := newGraph(t)
	ro := g.equipment("RO-001", "ReverseOsmosis")
	g.observe(g.sensor(ro, "PS-RO-IN", "Pressure"), 16, time.Hour)

	res, err := newTestValidator(t, g.store).ValidateConstraint(context.Background(), "CONS006")
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	d := res.Violations[0].Details
	assert.Equal(t, "RO-001", d["equipmentId"])
	assert.Equal(t, "PS-RO-IN", d["sensorId"])
	assert.Equal(t, 16.0, d["value"])
	assert.Equal(t, KindValueRange, res.Kind)
	assert.Equal(t, SeverityHigh, res.Severity)
}

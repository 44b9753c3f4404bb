package validation

import (
	"time"

	"github.com/orneryd/upwreason/pkg/pattern"
)

// Type spellings seen in plant data. Loaders disagree on the "Sensor"
// suffix, so every check accepts both.
var (
	roTypes           = []any{"ReverseOsmosis", "RO"}
	ediTypes          = []any{"Electrodeionization", "EDI"}
	uvTypes           = []any{"UVSterilizer", "UV"}
	conductivityTypes = []any{"ConductivitySensor", "Conductivity"}
	pressureTypes     = []any{"PressureSensor", "Pressure"}
	flowTypes         = []any{"FlowSensor", "Flow"}
	voltageTypes      = []any{"VoltageSensor", "Voltage"}
	currentTypes      = []any{"CurrentSensor", "Current"}
	uvIntensityTypes  = []any{"UVIntensitySensor", "UVIntensity"}
	temperatureTypes  = []any{"TemperatureSensor", "Temperature"}
)

func typeIn(v string, types []any) pattern.Cond {
	return pattern.Cond{Var: v, Property: "type", Op: pattern.In, Value: types}
}

func idContains(v, part string) pattern.Cond {
	return pattern.Cond{Var: v, Property: "sensorId", Op: pattern.Contains, Value: part}
}

// sensorPair binds the inlet (sIn) and outlet (sOut) sensors of types on
// equipment e of equipmentTypes.
func sensorPair(equipmentTypes, types []any) []pattern.Step {
	return []pattern.Step{
		pattern.Scan{Var: "e", Label: "Equipment"},
		pattern.Where{typeIn("e", equipmentTypes)},
		pattern.Traverse{From: "e", Type: "HAS_SENSOR", To: "sIn", ToLabel: "Sensor"},
		pattern.Where{typeIn("sIn", types), idContains("sIn", "IN")},
		pattern.Traverse{From: "e", Type: "HAS_SENSOR", To: "sOut", ToLabel: "Sensor"},
		pattern.Where{typeIn("sOut", types), idContains("sOut", "OUT")},
	}
}

// recentAvg averages the readings of sensor v over the last window.
func recentAvg(v, into string, window time.Duration) pattern.Aggregate {
	return pattern.Aggregate{
		Var:           v,
		Type:          "OBSERVED_BY",
		Direction:     pattern.Incoming,
		NeighborLabel: "Observation",
		As:            "o",
		Where:         []pattern.Cond{{Var: "o", Property: "timestamp", Op: pattern.Within, Value: window}},
		Property:      "value",
		Func:          pattern.Avg,
		Into:          into,
		MinCount:      1,
	}
}

// readings binds every observation o of the sensors of equipmentTypes
// equipment that satisfy sensorConds.
func readings(equipmentTypes []any, sensorConds ...pattern.Cond) []pattern.Step {
	return []pattern.Step{
		pattern.Scan{Var: "e", Label: "Equipment"},
		pattern.Where{typeIn("e", equipmentTypes)},
		pattern.Traverse{From: "e", Type: "HAS_SENSOR", To: "s", ToLabel: "Sensor"},
		pattern.Where(sensorConds),
		pattern.Traverse{From: "s", Type: "OBSERVED_BY", Direction: pattern.Incoming, To: "o", ToLabel: "Observation"},
	}
}

var readingDetails = []Detail{
	D("equipmentId", "e", "equipmentId"),
	D("sensorId", "s", "sensorId"),
	D("timestamp", "o", "timestamp"),
}

// DefaultAxioms returns the plant ontology axioms AX001 to AX011.
func DefaultAxioms() []*Check {
	return []*Check{
		{
			ID:          "AX001",
			Name:        "Equipment and Sensor are disjoint",
			Description: "No node can be both Equipment and Sensor",
			Severity:    SeverityHigh,
			Definition:  DisjointClasses{A: "Equipment", B: "Sensor"},
		},
		{
			ID:          "AX002",
			Name:        "healthScore domain",
			Description: "healthScore may only be set on Equipment",
			Severity:    SeverityHigh,
			Definition:  PropertyDomain{Property: "healthScore", Domain: "Equipment"},
		},
		{
			ID:          "AX003",
			Name:        "HAS_SENSOR and IS_ATTACHED_TO are inverse",
			Description: "Every HAS_SENSOR edge needs an IS_ATTACHED_TO edge back, and the other way round",
			Severity:    SeverityMedium,
			Definition: InverseProperty{
				Type:      "HAS_SENSOR",
				Inverse:   "IS_ATTACHED_TO",
				FromLabel: "Equipment",
				ToLabel:   "Sensor",
			},
		},
		{
			ID:          "AX004",
			Name:        "FEEDS_INTO is transitive",
			Description: "If A feeds B and B feeds C, A feeds C",
			Severity:    SeverityLow,
			Definition:  TransitiveProperty{Type: "FEEDS_INTO", Label: "Equipment"},
		},
		{
			ID:          "AX005",
			Name:        "healthScore is functional",
			Description: "Every Equipment has exactly one healthScore",
			Severity:    SeverityMedium,
			Definition:  FunctionalProperty{Label: "Equipment", Property: "healthScore", RequireValue: true},
		},
		{
			ID:          "AX006",
			Name:        "RO improves water quality",
			Description: "RO outlet conductivity must be below inlet conductivity over the last hour",
			Severity:    SeverityHigh,
			Definition: PatternViolation{
				Steps: append(sensorPair(roTypes, conductivityTypes),
					recentAvg("sIn", "avgIn", time.Hour),
					recentAvg("sOut", "avgOut", time.Hour),
					pattern.Compare{Left: pattern.Ref{Var: "avgOut"}, Op: pattern.Gte, Right: pattern.Ref{Var: "avgIn"}},
				),
				Subject: "e",
				Issue:   "Outlet conductivity not below inlet",
				Details: []Detail{
					D("inletConductivity", "avgIn", ""),
					D("outletConductivity", "avgOut", ""),
				},
			},
		},
		{
			ID:          "AX007",
			Name:        "EDI required sensors",
			Description: "EDI equipment must have a voltage sensor and a current sensor",
			Severity:    SeverityHigh,
			Definition: RequiredNeighbors{
				Label: "Equipment",
				Where: []pattern.Cond{typeIn("", ediTypes)},
				Requirements: []Requirement{
					{Name: "Voltage sensor", Type: "HAS_SENSOR", NeighborLabel: "Sensor", Where: []pattern.Cond{typeIn("", voltageTypes)}},
					{Name: "Current sensor", Type: "HAS_SENSOR", NeighborLabel: "Sensor", Where: []pattern.Cond{typeIn("", currentTypes)}},
				},
			},
		},
		{
			ID:          "AX008",
			Name:        "UV required sensor",
			Description: "UV sterilizers must have a UV intensity sensor",
			Severity:    SeverityHigh,
			Definition: RequiredNeighbors{
				Label: "Equipment",
				Where: []pattern.Cond{typeIn("", uvTypes)},
				Requirements: []Requirement{
					{Name: "UV intensity sensor", Type: "HAS_SENSOR", NeighborLabel: "Sensor", Where: []pattern.Cond{typeIn("", uvIntensityTypes)}},
				},
			},
		},
		{
			ID:          "AX009",
			Name:        "Process order",
			Description: "RO comes before EDI: EDI must not feed back into RO",
			Severity:    SeverityHigh,
			Definition: Acyclic{
				Type:  "FEEDS_INTO",
				From:  Endpoint{Label: "Equipment", Where: []pattern.Cond{typeIn("", roTypes)}},
				To:    Endpoint{Label: "Equipment", Where: []pattern.Cond{typeIn("", ediTypes)}},
				Issue: "Process flow violation: EDI feeds back into RO",
			},
		},
		{
			ID:          "AX010",
			Name:        "RO pressure differential",
			Description: "A pressure drop above 1.5 bar across RO over the last hour suggests fouling",
			Severity:    SeverityMedium,
			Definition: PatternViolation{
				Steps: append(sensorPair(roTypes, pressureTypes),
					recentAvg("sIn", "avgIn", time.Hour),
					recentAvg("sOut", "avgOut", time.Hour),
					pattern.Compare{Left: pattern.Ref{Var: "avgIn"}, Op: pattern.Gt, Right: pattern.Ref{Var: "avgOut"}, Offset: 1.5},
				),
				Subject: "e",
				Issue:   "Pressure drop across RO above 1.5 bar",
				Details: []Detail{
					D("inletPressure", "avgIn", ""),
					D("outletPressure", "avgOut", ""),
				},
			},
		},
		{
			ID:          "AX011",
			Name:        "Conductivity trend",
			Description: "Outlet conductivity rising more than 20% over 7 days indicates membrane aging",
			Severity:    SeverityMedium,
			Definition: PatternViolation{
				Steps: []pattern.Step{
					pattern.Scan{Var: "s", Label: "Sensor"},
					pattern.Where{typeIn("s", conductivityTypes), idContains("s", "OUT")},
					conductivityEnd("s", pattern.First, "firstValue"),
					conductivityEnd("s", pattern.Last, "lastValue"),
					pattern.Compare{Left: pattern.Ref{Var: "lastValue"}, Op: pattern.Gt, Right: pattern.Ref{Var: "firstValue"}, Factor: 1.2},
				},
				Subject: "s",
				Issue:   "Outlet conductivity rising: membrane aging",
				Details: []Detail{
					D("firstValue", "firstValue", ""),
					D("lastValue", "lastValue", ""),
				},
			},
		},
	}
}

func conductivityEnd(v string, fn pattern.AggFunc, into string) pattern.Aggregate {
	return pattern.Aggregate{
		Var:           v,
		Type:          "OBSERVED_BY",
		Direction:     pattern.Incoming,
		NeighborLabel: "Observation",
		As:            "o",
		Where:         []pattern.Cond{{Var: "o", Property: "timestamp", Op: pattern.Within, Value: 7 * 24 * time.Hour}},
		Property:      "value",
		OrderBy:       "timestamp",
		Func:          fn,
		Into:          into,
		MinCount:      5,
	}
}

// DefaultConstraints returns the data-integrity constraints CONS001 to
// CONS012.
func DefaultConstraints() []*Check {
	return []*Check{
		{
			ID:          "CONS001",
			Name:        "Required equipment properties",
			Description: "Equipment must have equipmentId, name and type",
			Severity:    SeverityHigh,
			Definition:  RequiredProperty{Label: "Equipment", Properties: []string{"equipmentId", "name", "type"}},
		},
		{
			ID:          "CONS002",
			Name:        "healthScore range",
			Description: "healthScore must be between 0 and 100",
			Severity:    SeverityHigh,
			Definition: ValueRange{
				Target:   []pattern.Step{pattern.Scan{Var: "e", Label: "Equipment"}},
				Var:      "e",
				Property: "healthScore",
				Min:      Bound(0),
				Max:      Bound(100),
			},
		},
		{
			ID:          "CONS003",
			Name:        "Minimum sensors",
			Description: "Equipment must have at least one sensor",
			Severity:    SeverityMedium,
			Definition:  Cardinality{Label: "Equipment", Type: "HAS_SENSOR", NeighborLabel: "Sensor", Min: 1},
		},
		{
			ID:          "CONS004",
			Name:        "Unique equipmentId",
			Description: "No two Equipment nodes share an equipmentId",
			Severity:    SeverityCritical,
			Definition:  Uniqueness{Label: "Equipment", Property: "equipmentId"},
		},
		{
			ID:          "CONS005",
			Name:        "Temperature range",
			Description: "Temperature observations must be between -50°C and 200°C",
			Severity:    SeverityMedium,
			Limit:       100,
			Definition: ValueRange{
				Target: []pattern.Step{
					pattern.Scan{Var: "s", Label: "Sensor"},
					pattern.Where{typeIn("s", temperatureTypes)},
					pattern.Traverse{From: "s", Type: "OBSERVED_BY", Direction: pattern.Incoming, To: "o", ToLabel: "Observation"},
				},
				Var:      "o",
				Property: "value",
				Min:      Bound(-50),
				Max:      Bound(200),
				Unit:     "°C",
				Subject:  "s",
				Details:  []Detail{D("sensorId", "s", "sensorId"), D("timestamp", "o", "timestamp")},
			},
		},
		{
			ID:          "CONS006",
			Name:        "RO inlet pressure",
			Description: "RO inlet pressure must be between 8 and 15 bar",
			Severity:    SeverityHigh,
			Limit:       50,
			Definition: ValueRange{
				Target:   readings(roTypes, typeIn("s", pressureTypes), idContains("s", "IN")),
				Var:      "o",
				Property: "value",
				Min:      Bound(8),
				Max:      Bound(15),
				Unit:     " bar",
				Subject:  "e",
				Details:  readingDetails,
			},
		},
		{
			ID:          "CONS007",
			Name:        "EDI voltage",
			Description: "EDI voltage must be between 200 and 600 V",
			Severity:    SeverityHigh,
			Limit:       50,
			Definition: ValueRange{
				Target:   readings(ediTypes, typeIn("s", voltageTypes)),
				Var:      "o",
				Property: "value",
				Min:      Bound(200),
				Max:      Bound(600),
				Unit:     "V",
				Subject:  "e",
				Details:  readingDetails,
			},
		},
		{
			ID:          "CONS008",
			Name:        "UV intensity",
			Description: "UV intensity must be at least 30 mW/cm² for effective sterilization",
			Severity:    SeverityMedium,
			Limit:       50,
			Definition: ValueRange{
				Target:   readings(uvTypes, typeIn("s", uvIntensityTypes)),
				Var:      "o",
				Property: "value",
				Min:      Bound(30),
				Unit:     " mW/cm²",
				Subject:  "e",
				Details:  readingDetails,
			},
		},
		{
			ID:          "CONS009",
			Name:        "Outlet conductivity",
			Description: "UPW outlet conductivity must not exceed 1.0 μS/cm",
			Severity:    SeverityCritical,
			Limit:       50,
			Definition: ValueRange{
				Target: []pattern.Step{
					pattern.Scan{Var: "e", Label: "Equipment"},
					pattern.Traverse{From: "e", Type: "HAS_SENSOR", To: "s", ToLabel: "Sensor"},
					pattern.Where{typeIn("s", conductivityTypes), idContains("s", "OUT")},
					pattern.Traverse{From: "s", Type: "OBSERVED_BY", Direction: pattern.Incoming, To: "o", ToLabel: "Observation"},
				},
				Var:      "o",
				Property: "value",
				Max:      Bound(1.0),
				Unit:     " μS/cm",
				Subject:  "e",
				Details:  readingDetails,
			},
		},
		{
			ID:          "CONS010",
			Name:        "RO flow",
			Description: "RO flow must be at least 30 m³/h",
			Severity:    SeverityMedium,
			Limit:       50,
			Definition: ValueRange{
				Target:   readings(roTypes, typeIn("s", flowTypes)),
				Var:      "o",
				Property: "value",
				Min:      Bound(30),
				Unit:     " m³/h",
				Subject:  "e",
				Details:  readingDetails,
			},
		},
		{
			ID:          "CONS011",
			Name:        "RO operating hours",
			Description: "RO membranes need replacement after 8000 operating hours",
			Severity:    SeverityHigh,
			Definition: ValueRange{
				Target: []pattern.Step{
					pattern.Scan{Var: "e", Label: "Equipment"},
					pattern.Where{typeIn("e", roTypes)},
				},
				Var:      "e",
				Property: "operatingHours",
				Max:      Bound(8000),
				Unit:     "h",
			},
		},
		{
			ID:          "CONS012",
			Name:        "equipmentId format",
			Description: "equipmentId must look like RO-001",
			Severity:    SeverityLow,
			Definition:  &Pattern{Label: "Equipment", Property: "equipmentId", Regex: `^[A-Z]+-[0-9]{3}$`},
		},
	}
}

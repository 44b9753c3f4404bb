package inference

import (
	"fmt"
	"time"

	"github.com/orneryd/upwreason/pkg/convert"
	"github.com/orneryd/upwreason/pkg/pattern"
)

// Observation bands outside which a reading is anomalous.
const (
	pressureLow      = 1.0
	pressureHigh     = 10.0
	temperatureLow   = 10.0
	temperatureHigh  = 50.0
	conductivityHigh = 15.0
	vibrationHigh    = 8.0

	// trendFactor is how far the latest reading must exceed the window
	// average before a failure is predicted.
	trendFactor = 1.25
	// trendMinSamples is the minimum number of trending observations.
	trendMinSamples = 10
	// predictionConfidence is the confidence recorded on predictions.
	predictionConfidence = 0.7
)

var (
	pressureTypes     = []string{"Pressure", "PressureSensor"}
	temperatureTypes  = []string{"Temperature", "TemperatureSensor"}
	conductivityTypes = []string{"Conductivity", "ConductivitySensor"}
	vibrationTypes    = []string{"Vibration", "VibrationSensor"}
	flowTypes         = []string{"Flow", "FlowSensor"}
	trendTypes        = []string{
		"Vibration", "VibrationSensor",
		"Temperature", "TemperatureSensor",
		"Pressure", "PressureSensor",
	}
)

// DefaultRules returns the plant rule set in catalog order. Each call
// returns fresh values.
func DefaultRules() []*Rule {
	return []*Rule{
		maintenanceNeeded(),
		anomalyFromSensor(),
		failurePrediction(),
		equipmentDependency(),
		sensorCorrelation(),
		sensorAttachment(),
		feedClosure(),
	}
}

// DefaultCatalog builds a catalog from DefaultRules.
func DefaultCatalog() (*Catalog, error) {
	return NewCatalog(DefaultRules()...)
}

func maintenanceNeeded() *Rule {
	return &Rule{
		ID:          "maintenance_needed",
		Name:        "Maintenance needed",
		Description: "Schedules condition-based maintenance for equipment with a low health score",
		Category:    CategoryMaintenance,
		Condition:   "Equipment healthScore < 60, healthStatus is not Critical, no pending maintenance",
		Inference:   "Create a Maintenance node and a NEEDS_MAINTENANCE relationship",
		Inputs:      []string{"Equipment.healthScore", "Equipment.healthStatus"},
		Outputs:     []string{"Maintenance node (Pending)", "NEEDS_MAINTENANCE relationship"},

		MatchDescription: "Find all equipment",
		Match: []pattern.Step{
			pattern.Scan{Var: "e", Label: "Equipment"},
		},
		Filters: []Filter{
			{
				Description: "Health score below 60",
				Steps: []pattern.Step{
					pattern.Where{{Var: "e", Property: "healthScore", Op: pattern.Lt, Value: 60}},
				},
			},
			{
				Description: "Health status is not Critical",
				Steps: []pattern.Step{
					pattern.Where{{Var: "e", Property: "healthStatus", Op: pattern.Ne, Value: "Critical"}},
				},
			},
		},
		DedupDescription: "Skip equipment that already has pending maintenance",
		Dedup: []pattern.Step{
			pattern.NotExists{
				From: "e", Type: "NEEDS_MAINTENANCE", ToLabel: "Maintenance", As: "m",
				Where: []pattern.Cond{{Var: "m", Property: "status", Op: pattern.Eq, Value: "Pending"}},
			},
		},

		Action: Action{
			Nodes: []NodeTemplate{{
				Var:    "m",
				Labels: []string{"Maintenance"},
				Properties: func(b pattern.Binding, now time.Time) map[string]any {
					score := b.Get("e", "healthScore")
					priority := "Medium"
					if f, ok := convert.ToFloat64(score); ok && f < 40 {
						priority = "High"
					}
					return map[string]any{
						"maintenanceId": factID("MAINT-INF", b.Get("e", "equipmentId"), now),
						"type":          "ConditionBased",
						"priority":      priority,
						"reason":        fmt.Sprintf("Inferred: Low health score (%s)", convert.ToString(score)),
						"status":        "Pending",
					}
				},
			}},
			Edges: []EdgeTemplate{{From: "e", To: "m", Type: "NEEDS_MAINTENANCE"}},
		},

		Preview: []Column{
			Col("equipmentId", "e", "equipmentId"),
			Col("name", "e", "name"),
			Col("healthScore", "e", "healthScore"),
			Col("healthStatus", "e", "healthStatus"),
		},
		Output: []Column{
			Col("equipmentId", "e", "equipmentId"),
			Col("maintenanceId", "m", "maintenanceId"),
		},
	}
}

func anomalyFromSensor() *Rule {
	band := func(types []string, op pattern.Op, limit float64) []pattern.Cond {
		return []pattern.Cond{
			{Var: "s", Property: "type", Op: pattern.In, Value: types},
			{Var: "o", Property: "value", Op: op, Value: limit},
		}
	}

	return &Rule{
		ID:          "anomaly_from_sensor",
		Name:        "Sensor anomaly",
		Description: "Detects anomalies from sensor readings outside their normal band",
		Category:    CategoryAnomaly,
		Condition:   "An observation in the last 24h is outside the normal band for its sensor type",
		Inference:   "Create an Anomaly node and a HAS_ANOMALY relationship",
		Inputs:      []string{"Observation.value (last 24h)", "Sensor.type"},
		Outputs:     []string{"Anomaly node (severity Medium)", "HAS_ANOMALY relationship"},

		MatchDescription: "Find recent observations of equipment sensors",
		Match: []pattern.Step{
			pattern.Scan{Var: "e", Label: "Equipment"},
			pattern.Traverse{From: "e", Type: "HAS_SENSOR", To: "s", ToLabel: "Sensor"},
			pattern.Traverse{From: "s", Type: "OBSERVED_BY", Direction: pattern.Incoming, To: "o", ToLabel: "Observation"},
			pattern.Where{{Var: "o", Property: "timestamp", Op: pattern.Within, Value: 24 * time.Hour}},
		},
		Filters: []Filter{{
			Description: "Reading outside the normal band",
			Steps: []pattern.Step{
				pattern.AnyOf{
					band(pressureTypes, pattern.Lt, pressureLow),
					band(pressureTypes, pattern.Gt, pressureHigh),
					band(temperatureTypes, pattern.Lt, temperatureLow),
					band(temperatureTypes, pattern.Gt, temperatureHigh),
					band(conductivityTypes, pattern.Gt, conductivityHigh),
					band(vibrationTypes, pattern.Gt, vibrationHigh),
				},
			},
		}},
		DedupDescription: "Skip sensors with an anomaly in the last hour, keep the latest reading per sensor",
		Dedup: []pattern.Step{
			pattern.NotExists{
				From: "e", Type: "HAS_ANOMALY", ToLabel: "Anomaly", As: "a",
				Where: []pattern.Cond{
					{Var: "a", Property: "sensorId", Op: pattern.Eq, Value: pattern.Ref{Var: "s", Property: "sensorId"}},
					{Var: "a", Property: "timestamp", Op: pattern.Within, Value: time.Hour},
				},
			},
			pattern.OrderBy{Var: "o", Property: "timestamp", Desc: true},
			pattern.Distinct{"e", "s"},
		},
		Limit: 10,

		Action: Action{
			Nodes: []NodeTemplate{{
				Var:    "a",
				Labels: []string{"Anomaly"},
				Properties: func(b pattern.Binding, now time.Time) map[string]any {
					sensorType := convert.ToString(b.Get("s", "type"))
					value := b.Get("o", "value")
					return map[string]any{
						"anomalyId":   factID("ANOM-INF", b.Get("s", "sensorId"), now),
						"sensorId":    b.Get("s", "sensorId"),
						"sensorType":  sensorType,
						"value":       value,
						"severity":    "Medium",
						"description": fmt.Sprintf("Inferred: Abnormal %s reading (%s)", sensorType, convert.ToString(value)),
						"timestamp":   now,
					}
				},
			}},
			Edges: []EdgeTemplate{{From: "e", To: "a", Type: "HAS_ANOMALY"}},
		},

		Preview: []Column{
			Col("equipmentId", "e", "equipmentId"),
			Col("sensorId", "s", "sensorId"),
			Col("sensorType", "s", "type"),
			Col("value", "o", "value"),
			Col("timestamp", "o", "timestamp"),
		},
		Output: []Column{
			Col("equipmentId", "e", "equipmentId"),
			Col("anomalyId", "a", "anomalyId"),
		},
	}
}

func failurePrediction() *Rule {
	trending := []pattern.Cond{
		{Var: "o", Property: "timestamp", Op: pattern.Within, Value: 7 * 24 * time.Hour},
		{Var: "o", Property: "isTrendingData", Op: pattern.Eq, Value: true},
	}
	observations := func(fn pattern.AggFunc, into string) pattern.Aggregate {
		return pattern.Aggregate{
			Var: "s", Type: "OBSERVED_BY", Direction: pattern.Incoming, NeighborLabel: "Observation", As: "o",
			Where: trending, Property: "value", OrderBy: "timestamp",
			Func: fn, Into: into, MinCount: trendMinSamples,
		}
	}

	return &Rule{
		ID:          "failure_prediction",
		Name:        "Failure prediction",
		Description: "Predicts potential failures from rising sensor trends",
		Category:    CategoryPrediction,
		Condition:   "Over the last 7 days a vibration, temperature or pressure sensor's latest reading exceeds 125% of its average (at least 10 readings)",
		Inference:   "Create a FailurePrediction node and a MAY_FAIL relationship",
		Inputs:      []string{"Observation.value (last 7 days)", "Sensor.type"},
		Outputs:     []string{"FailurePrediction node (confidence 0.7)", "MAY_FAIL relationship"},

		MatchDescription: "Find trend-capable sensors on equipment",
		Match: []pattern.Step{
			pattern.Scan{Var: "e", Label: "Equipment"},
			pattern.Traverse{From: "e", Type: "HAS_SENSOR", To: "s", ToLabel: "Sensor"},
			pattern.Where{{Var: "s", Property: "type", Op: pattern.In, Value: trendTypes}},
		},
		Filters: []Filter{
			{
				Description: "At least 10 trending readings in the last 7 days",
				Steps: []pattern.Step{
					observations(pattern.Avg, "avgValue"),
					observations(pattern.Last, "latestValue"),
				},
			},
			{
				Description: "Latest reading above 125% of the average",
				Steps: []pattern.Step{
					pattern.Compare{
						Left:   pattern.Ref{Var: "latestValue"},
						Op:     pattern.Gt,
						Right:  pattern.Ref{Var: "avgValue"},
						Factor: trendFactor,
					},
				},
			},
		},
		DedupDescription: "Skip equipment with a prediction in the last day",
		Dedup: []pattern.Step{
			pattern.NotExists{
				From: "e", Type: "MAY_FAIL", ToLabel: "FailurePrediction", As: "f",
				Where: []pattern.Cond{{Var: "f", Property: "timestamp", Op: pattern.Within, Value: 24 * time.Hour}},
			},
			pattern.Distinct{"e"},
		},
		Limit: 5,

		Action: Action{
			Nodes: []NodeTemplate{{
				Var:    "f",
				Labels: []string{"FailurePrediction"},
				Properties: func(b pattern.Binding, now time.Time) map[string]any {
					sensorType := convert.ToString(b.Get("s", "type"))
					avg, _ := convert.ToFloat64(b.Get("avgValue", ""))
					latest, _ := convert.ToFloat64(b.Get("latestValue", ""))
					return map[string]any{
						"predictionId": factID("PRED", b.Get("e", "equipmentId"), now),
						"sensorType":   sensorType,
						"confidence":   predictionConfidence,
						"reason":       fmt.Sprintf("Inferred: %s trending up (avg: %.2f, latest: %.2f)", sensorType, avg, latest),
						"timestamp":    now,
					}
				},
			}},
			Edges: []EdgeTemplate{{From: "e", To: "f", Type: "MAY_FAIL", Confidence: predictionConfidence}},
		},

		Preview: []Column{
			Col("equipmentId", "e", "equipmentId"),
			Col("name", "e", "name"),
			Col("sensorType", "s", "type"),
			Col("avgValue", "avgValue", ""),
			Col("latestValue", "latestValue", ""),
		},
		Output: []Column{
			Col("equipmentId", "e", "equipmentId"),
			Col("predictionId", "f", "predictionId"),
		},
	}
}

func equipmentDependency() *Rule {
	return &Rule{
		ID:          "equipment_dependency",
		Name:        "Equipment dependency",
		Description: "Infers process flow between equipment in the same process area",
		Category:    CategoryStructure,
		Condition:   "RO/EDI equipment and UV sterilizer/storage tank equipment share a process area with no FEEDS_INTO between them",
		Inference:   "Create a FEEDS_INTO relationship",
		Inputs:      []string{"Equipment.type", "LOCATED_IN"},
		Outputs:     []string{"FEEDS_INTO relationship"},

		MatchDescription: "Find equipment pairs in the same process area",
		Match: []pattern.Step{
			pattern.Scan{Var: "e1", Label: "Equipment"},
			pattern.Traverse{From: "e1", Type: "LOCATED_IN", To: "area", ToLabel: "ProcessArea"},
			pattern.Traverse{From: "area", Type: "LOCATED_IN", Direction: pattern.Incoming, To: "e2", ToLabel: "Equipment"},
			pattern.Different{A: "e1", B: "e2"},
		},
		Filters: []Filter{
			{
				Description: "Upstream is reverse osmosis or electrodeionization",
				Steps: []pattern.Step{
					pattern.Where{{Var: "e1", Property: "type", Op: pattern.In, Value: []string{"ReverseOsmosis", "Electrodeionization"}}},
				},
			},
			{
				Description: "Downstream is a UV sterilizer or storage tank",
				Steps: []pattern.Step{
					pattern.Where{{Var: "e2", Property: "type", Op: pattern.In, Value: []string{"UVSterilizer", "StorageTank"}}},
				},
			},
		},
		Limit: 10,

		Action: Action{
			Edges: []EdgeTemplate{{From: "e1", To: "e2", Type: "FEEDS_INTO"}},
		},

		Preview: []Column{
			Col("sourceId", "e1", "equipmentId"),
			Col("sourceName", "e1", "name"),
			Col("targetId", "e2", "equipmentId"),
			Col("targetName", "e2", "name"),
			Col("processArea", "area", "name"),
		},
	}
}

func sensorCorrelation() *Rule {
	return &Rule{
		ID:          "sensor_correlation",
		Name:        "Sensor correlation",
		Description: "Infers correlation between pressure and flow sensors on the same equipment",
		Category:    CategoryAnalysis,
		Condition:   "A pressure sensor and a flow sensor are attached to the same equipment",
		Inference:   "Create a CORRELATES_WITH relationship",
		Inputs:      []string{"Sensor.type", "HAS_SENSOR"},
		Outputs:     []string{"CORRELATES_WITH relationship (Pressure-Flow)"},

		MatchDescription: "Find sensor pairs on the same equipment",
		Match: []pattern.Step{
			pattern.Scan{Var: "e", Label: "Equipment"},
			pattern.Traverse{From: "e", Type: "HAS_SENSOR", To: "s1", ToLabel: "Sensor"},
			pattern.Traverse{From: "e", Type: "HAS_SENSOR", To: "s2", ToLabel: "Sensor"},
			pattern.Different{A: "s1", B: "s2"},
		},
		Filters: []Filter{{
			Description: "Pressure sensor paired with a flow sensor",
			Steps: []pattern.Step{
				pattern.Where{
					{Var: "s1", Property: "type", Op: pattern.In, Value: pressureTypes},
					{Var: "s2", Property: "type", Op: pattern.In, Value: flowTypes},
				},
			},
		}},
		Limit: 10,

		Action: Action{
			Edges: []EdgeTemplate{{
				From: "s1", To: "s2", Type: "CORRELATES_WITH",
				Properties: func(pattern.Binding, time.Time) map[string]any {
					return map[string]any{"correlationType": "Pressure-Flow"}
				},
			}},
		},

		Preview: []Column{
			Col("sensor1Id", "s1", "sensorId"),
			Col("sensor1Name", "s1", "name"),
			Col("sensor2Id", "s2", "sensorId"),
			Col("sensor2Name", "s2", "name"),
			Col("equipmentName", "e", "name"),
		},
	}
}

func sensorAttachment() *Rule {
	return &Rule{
		ID:          "sensor_attachment",
		Name:        "Sensor attachment",
		Description: "Adds the IS_ATTACHED_TO inverse of every HAS_SENSOR relationship",
		Category:    CategoryStructure,
		Condition:   "Equipment HAS_SENSOR a sensor that is not IS_ATTACHED_TO it",
		Inference:   "Create an IS_ATTACHED_TO relationship from the sensor to the equipment",
		Inputs:      []string{"HAS_SENSOR"},
		Outputs:     []string{"IS_ATTACHED_TO relationship"},

		MatchDescription: "Find equipment sensors",
		Match: []pattern.Step{
			pattern.Scan{Var: "e", Label: "Equipment"},
			pattern.Traverse{From: "e", Type: "HAS_SENSOR", To: "s", ToLabel: "Sensor"},
		},

		Action: Action{
			Edges: []EdgeTemplate{{From: "s", To: "e", Type: "IS_ATTACHED_TO"}},
		},

		Preview: []Column{
			Col("equipmentId", "e", "equipmentId"),
			Col("sensorId", "s", "sensorId"),
		},
	}
}

func feedClosure() *Rule {
	return &Rule{
		ID:          "feed_closure",
		Name:        "Feed closure",
		Description: "Adds FEEDS_INTO shortcuts across two-step feed chains",
		Category:    CategoryStructure,
		Condition:   "a FEEDS_INTO b and b FEEDS_INTO c, with a and c distinct",
		Inference:   "Create a FEEDS_INTO relationship from a to c",
		Inputs:      []string{"FEEDS_INTO"},
		Outputs:     []string{"FEEDS_INTO relationship"},

		MatchDescription: "Find two-step feed chains",
		Match: []pattern.Step{
			pattern.Scan{Var: "a", Label: "Equipment"},
			pattern.Traverse{From: "a", Type: "FEEDS_INTO", To: "b", ToLabel: "Equipment"},
			pattern.Traverse{From: "b", Type: "FEEDS_INTO", To: "c", ToLabel: "Equipment"},
			pattern.Different{A: "a", B: "c"},
		},
		DedupDescription: "Skip chains whose shortcut already exists",
		Dedup: []pattern.Step{
			pattern.NotExists{From: "a", Type: "FEEDS_INTO", To: "c"},
			pattern.Distinct{"a", "c"},
		},

		Action: Action{
			Edges: []EdgeTemplate{{From: "a", To: "c", Type: "FEEDS_INTO"}},
		},

		Preview: []Column{
			Col("sourceId", "a", "equipmentId"),
			Col("viaId", "b", "equipmentId"),
			Col("targetId", "c", "equipmentId"),
		},
	}
}

// factID builds a readable id for a created node from a prefix, the
// subject's business id and the materialization time.
func factID(prefix string, subject any, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", prefix, convert.ToString(subject), now.UTC().Format("20060102T150405.000"))
}

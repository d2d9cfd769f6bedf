package reading

import "time"

// Baseline values substituted when a payload omits environmental fields.
const (
	BaselineTemperature = 25.0
	BaselineHumidity    = 50.0
)

// Stage is the discrete spoilage stage reported by the peripheral.
// It is derived on the sensor side from raw gas measurements; this
// application never recomputes it.
type Stage int

const (
	StageFresh Stage = iota
	StageWarning
	StageSpoiling
	StageSpoiled
)

var stageNames = map[Stage]string{
	StageFresh:    "Fresh",
	StageWarning:  "Warning",
	StageSpoiling: "Spoiling",
	StageSpoiled:  "Spoiled",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

// clampStage maps out-of-range wire values into the valid 0-3 window.
func clampStage(v int) Stage {
	if v < int(StageFresh) {
		return StageFresh
	}
	if v > int(StageSpoiled) {
		return StageSpoiled
	}
	return Stage(v)
}

// GasLevels holds the four gas channel concentrations from one sample.
type GasLevels struct {
	NH3 float64 `json:"nh3"`
	H2S float64 `json:"h2s"`
	CO2 float64 `json:"co2"`
	CH4 float64 `json:"ch4"`
}

// Reading is a single environmental sample received from a peripheral.
// Immutable once constructed.
type Reading struct {
	Gas         GasLevels `json:"gas"`
	Stage       Stage     `json:"stage"`
	Confidence  float64   `json:"confidence"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CapturedAt  time.Time `json:"captured_at"`
}

// StageText returns the human-readable spoilage stage label.
func (r Reading) StageText() string {
	return r.Stage.String()
}

package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// wirePayload mirrors the JSON fragment the peripheral pushes over the
// notification characteristic. Pointer fields distinguish "absent" from
// zero so baselines can be substituted only when a key is missing.
type wirePayload struct {
	Gas         map[string]float64 `json:"gas"`
	Stage       *float64           `json:"stage"`
	Confidence  *float64           `json:"confidence"`
	Temp        *float64           `json:"temp"`
	Temperature *float64           `json:"temperature"`
	Humidity    *float64           `json:"humidity"`
}

// ExtractObject locates the JSON object embedded in a notification
// payload. Peripherals wrap the object in framing noise (log prefixes,
// CR/LF), so everything outside the first '{' and the last '}' is
// discarded.
func ExtractObject(data []byte) ([]byte, error) {
	start := bytes.IndexByte(data, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object found in payload (%d bytes)", len(data))
	}
	end := bytes.LastIndexByte(data, '}')
	if end < start {
		return nil, fmt.Errorf("unterminated JSON object in payload (%d bytes)", len(data))
	}
	return data[start : end+1], nil
}

// Decode parses a raw notification payload into a Reading captured at
// the given time. Missing gas channels default to zero, missing
// environmental fields fall back to the fixed baselines, and the
// "methane" / "temperature" key synonyms are accepted.
func Decode(data []byte, capturedAt time.Time) (Reading, error) {
	obj, err := ExtractObject(data)
	if err != nil {
		return Reading{}, err
	}

	var w wirePayload
	if err := json.Unmarshal(obj, &w); err != nil {
		return Reading{}, fmt.Errorf("malformed sensor payload: %w", err)
	}

	r := Reading{
		Temperature: BaselineTemperature,
		Humidity:    BaselineHumidity,
		CapturedAt:  capturedAt,
	}

	if w.Gas != nil {
		r.Gas.NH3 = w.Gas["nh3"]
		r.Gas.H2S = w.Gas["h2s"]
		r.Gas.CO2 = w.Gas["co2"]
		if ch4, ok := w.Gas["ch4"]; ok {
			r.Gas.CH4 = ch4
		} else {
			r.Gas.CH4 = w.Gas["methane"]
		}
	}

	if w.Stage != nil {
		r.Stage = clampStage(int(*w.Stage))
	}
	if w.Confidence != nil {
		r.Confidence = *w.Confidence
	}

	switch {
	case w.Temp != nil:
		r.Temperature = *w.Temp
	case w.Temperature != nil:
		r.Temperature = *w.Temperature
	}
	if w.Humidity != nil {
		r.Humidity = *w.Humidity
	}

	return r, nil
}

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Every payload carries "when": Unix seconds, interpreted UTC. Fractional
// seconds are tolerated and truncated.
type envelope struct {
	When *float64 `json:"when"`
}

func unixUTC(sec float64) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}

// DecodeWhen decodes the common envelope shared by every event payload.
func DecodeWhen(payload []byte) (time.Time, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return time.Time{}, err
	}
	if env.When == nil {
		return time.Time{}, errors.New("missing required field when")
	}
	return unixUTC(*env.When), nil
}

// HelloPayload is a device announcing itself, optionally reporting its
// current option and formula tables.
type HelloPayload struct {
	When     time.Time
	Options  map[string]string
	Formulas map[string]string
	Raw      json.RawMessage
}

func DecodeHello(payload []byte) (*HelloPayload, error) {
	var wire struct {
		When     *float64          `json:"when"`
		Options  map[string]string `json:"options"`
		Formulas map[string]string `json:"formulas"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}
	if wire.When == nil {
		return nil, errors.New("missing required field when")
	}
	return &HelloPayload{
		When:     unixUTC(*wire.When),
		Options:  wire.Options,
		Formulas: wire.Formulas,
		Raw:      json.RawMessage(append([]byte(nil), payload...)),
	}, nil
}

// EegPowerPayload is one spectral reading: signal quality, ten band powers
// and the device-computed formula value.
type EegPowerPayload struct {
	When time.Time
	Poor int

	Delta      float64
	Theta      float64
	AlphaLow   float64
	AlphaHigh  float64
	BetaLow    float64
	BetaHigh   float64
	GammaLow   float64
	GammaMid   float64
	Attention  float64
	Meditation float64
	Formula    float64
}

func DecodeEegPower(payload []byte) (*EegPowerPayload, error) {
	var wire struct {
		When *float64 `json:"when"`
		Poor *int     `json:"poor"`
		D    *float64 `json:"d"`
		T    *float64 `json:"t"`
		Al   *float64 `json:"al"`
		Ah   *float64 `json:"ah"`
		Bl   *float64 `json:"bl"`
		Bh   *float64 `json:"bh"`
		Gl   *float64 `json:"gl"`
		Gm   *float64 `json:"gm"`
		Ea   *float64 `json:"ea"`
		Em   *float64 `json:"em"`
		F    *float64 `json:"f"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}
	var missing []string
	req := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	req("when", wire.When != nil)
	req("poor", wire.Poor != nil)
	req("d", wire.D != nil)
	req("t", wire.T != nil)
	req("al", wire.Al != nil)
	req("ah", wire.Ah != nil)
	req("bl", wire.Bl != nil)
	req("bh", wire.Bh != nil)
	req("gl", wire.Gl != nil)
	req("gm", wire.Gm != nil)
	req("ea", wire.Ea != nil)
	req("em", wire.Em != nil)
	req("f", wire.F != nil)
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return &EegPowerPayload{
		When:       unixUTC(*wire.When),
		Poor:       *wire.Poor,
		Delta:      *wire.D,
		Theta:      *wire.T,
		AlphaLow:   *wire.Al,
		AlphaHigh:  *wire.Ah,
		BetaLow:    *wire.Bl,
		BetaHigh:   *wire.Bh,
		GammaLow:   *wire.Gl,
		GammaMid:   *wire.Gm,
		Attention:  *wire.Ea,
		Meditation: *wire.Em,
		Formula:    *wire.F,
	}, nil
}

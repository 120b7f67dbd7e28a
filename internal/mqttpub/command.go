package mqttpub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joshp123/moenhome/plugins/moen"
)

// commandMessage is the JSON form of a set payload.
type commandMessage struct {
	Action      string   `json:"action"`
	Temperature *float64 `json:"temperature"`
	FlowRate    *int     `json:"flow_rate"`
	Preset      string   `json:"preset"`
	Enabled     *bool    `json:"enabled"`

	HandleTimeout           *int `json:"handle_timeout"`
	SensorTimeout           *int `json:"sensor_timeout"`
	VoiceTimeout            *int `json:"voice_timeout"`
	DispenseActivateTimeout *int `json:"dispense_activate_timeout"`
}

// ParseCommand accepts either a JSON object with an action or a bare word:
// "stop", "start" (warm preset) or a preset name.
func ParseCommand(payload []byte) (moen.Command, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", moen.ErrInvalidCommand)
	}
	if payload[0] != '{' {
		return parseWord(string(payload))
	}

	var msg commandMessage
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", moen.ErrInvalidCommand, err)
	}

	flowRate := moen.DefaultFlowRate
	if msg.FlowRate != nil {
		flowRate = *msg.FlowRate
	}

	switch strings.ToLower(msg.Action) {
	case "start", "temperature":
		if msg.Temperature == nil {
			return nil, fmt.Errorf("%w: temperature is required", moen.ErrInvalidCommand)
		}
		return moen.StartFlow(*msg.Temperature, flowRate)
	case "stop":
		return moen.StopFlow(), nil
	case "preset":
		preset, ok := moen.ParsePreset(msg.Preset)
		if !ok {
			return nil, fmt.Errorf("%w: unknown preset %q", moen.ErrInvalidCommand, msg.Preset)
		}
		return moen.SetPreset(preset, flowRate)
	case "flow_rate":
		if msg.FlowRate == nil {
			return nil, fmt.Errorf("%w: flow_rate is required", moen.ErrInvalidCommand)
		}
		return moen.SetFlowRate(*msg.FlowRate)
	case "freeze_protection":
		if msg.Enabled == nil {
			return nil, fmt.Errorf("%w: enabled is required", moen.ErrInvalidCommand)
		}
		return moen.SetFreezeProtection(*msg.Enabled), nil
	case "timeouts":
		t := moen.DefaultTimeouts()
		setIf(&t.Handle, msg.HandleTimeout)
		setIf(&t.Sensor, msg.SensorTimeout)
		setIf(&t.Voice, msg.VoiceTimeout)
		setIf(&t.DispenseActivate, msg.DispenseActivateTimeout)
		return moen.SetTimeouts(t)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", moen.ErrInvalidCommand, msg.Action)
	}
}

func parseWord(word string) (moen.Command, error) {
	switch w := strings.ToLower(strings.Trim(word, `"`)); w {
	case "stop", "off":
		return moen.StopFlow(), nil
	case "start", "on":
		return moen.SetPreset(moen.PresetWarm, moen.DefaultFlowRate)
	default:
		preset, ok := moen.ParsePreset(w)
		if !ok {
			return nil, fmt.Errorf("%w: unknown command %q", moen.ErrInvalidCommand, word)
		}
		return moen.SetPreset(preset, moen.DefaultFlowRate)
	}
}

func setIf(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

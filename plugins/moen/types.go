package moen

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// DeviceTypeFaucet is the vendor device type of the smart faucet. Other types
// on the same account (FLO water monitors) are ignored.
const DeviceTypeFaucet = "VAK"

// Device is one entry of the account's device directory.
type Device struct {
	ID         string         `json:"id,omitempty"`
	ClientID   string         `json:"clientId,omitempty"`
	Name       string         `json:"name,omitempty"`
	Nickname   string         `json:"nickname,omitempty"`
	DeviceType string         `json:"deviceType,omitempty"`
	LocationID string         `json:"locationId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Key identifies the device for shadow, details and command calls.
func (d Device) Key() string {
	if d.ClientID != "" {
		return d.ClientID
	}
	return d.ID
}

// DisplayName prefers the user's nickname.
func (d Device) DisplayName() string {
	switch {
	case d.Nickname != "":
		return d.Nickname
	case d.Name != "":
		return d.Name
	default:
		return "Moen Smart Faucet " + d.Key()
	}
}

var deviceKnownFields = map[string]bool{
	"id": true, "clientId": true, "name": true, "nickname": true,
	"deviceType": true, "locationId": true, "attributes": true,
}

func (d *Device) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Device{
		ID:         flexString(raw["id"]),
		ClientID:   flexString(raw["clientId"]),
		Name:       flexString(raw["name"]),
		Nickname:   flexString(raw["nickname"]),
		DeviceType: flexString(raw["deviceType"]),
		LocationID: flexString(raw["locationId"]),
	}
	for key, value := range raw {
		if deviceKnownFields[key] {
			continue
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			continue
		}
		if d.Attributes == nil {
			d.Attributes = make(map[string]any)
		}
		d.Attributes[key] = decoded
	}
	return nil
}

// flexString accepts ids the API sends either as strings or numbers.
func flexString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// FaucetState is the derived valve state.
type FaucetState string

const (
	FaucetRunning FaucetState = "running"
	FaucetStopped FaucetState = "stopped"
	FaucetIdle    FaucetState = "idle"
)

// Preset is a named temperature level.
type Preset string

const (
	PresetColdest Preset = "coldest"
	PresetCold    Preset = "cold"
	PresetWarm    Preset = "warm"
	PresetHot     Preset = "hot"
	PresetHottest Preset = "hottest"
	PresetCustom  Preset = "custom"
)

// Presets lists the presets accepted by SetPreset.
var Presets = []Preset{PresetColdest, PresetCold, PresetWarm, PresetHot, PresetHottest}

// ParsePreset accepts preset names case-insensitively.
func ParsePreset(raw string) (Preset, bool) {
	p := Preset(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Presets {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// PresetForTemperature buckets a reported temperature in °C.
func PresetForTemperature(celsius float64) Preset {
	switch {
	case celsius <= 10:
		return PresetColdest
	case celsius <= 25:
		return PresetCold
	case celsius <= 40:
		return PresetWarm
	case celsius <= 60:
		return PresetHot
	default:
		return PresetHottest
	}
}

// Shadow is the device shadow document. The reported and desired sections are
// kept as sent; typed accessors read the fields consumers use.
type Shadow struct {
	Reported map[string]any
	Desired  map[string]any
}

type shadowDocument struct {
	State struct {
		Reported map[string]any `json:"reported,omitempty"`
		Desired  map[string]any `json:"desired,omitempty"`
	} `json:"state"`
}

func (s Shadow) MarshalJSON() ([]byte, error) {
	var doc shadowDocument
	doc.State.Reported = s.Reported
	doc.State.Desired = s.Desired
	return json.Marshal(doc)
}

func (s *Shadow) UnmarshalJSON(data []byte) error {
	var doc shadowDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.Reported = doc.State.Reported
	s.Desired = doc.State.Desired
	return nil
}

// Empty reports whether nothing was reported, as for a failed shadow fetch.
func (s Shadow) Empty() bool {
	return len(s.Reported) == 0
}

func (s Shadow) Command() string {
	v, _ := s.Reported["command"].(string)
	return v
}

func (s Shadow) CommandSource() string {
	v, _ := s.Reported["commandSrc"].(string)
	return v
}

func (s Shadow) State() FaucetState {
	switch s.Command() {
	case "run":
		return FaucetRunning
	case "stop":
		return FaucetStopped
	default:
		return FaucetIdle
	}
}

// Temperature is the reported water temperature in °C.
func (s Shadow) Temperature() (float64, bool) {
	return numberField(s.Reported, "temperature")
}

// FlowRate is the reported flow rate in percent.
func (s Shadow) FlowRate() (float64, bool) {
	return numberField(s.Reported, "flowRate")
}

// VolumeML converts the reported last dispense volume from µL.
func (s Shadow) VolumeML() (float64, bool) {
	v, ok := numberField(s.Reported, "volume")
	if !ok {
		return 0, false
	}
	return v / 1000, true
}

func (s Shadow) Connected() (bool, bool) {
	v, ok := s.Reported["connected"].(bool)
	return v, ok
}

// Preset derives the temperature preset, or custom when no temperature is reported.
// Preset maps the target temperature to a preset. A shadow without a
// temperature reports custom rather than assuming a default.
func (s Shadow) Preset() Preset {
	t, ok := s.Temperature()
	if !ok {
		return PresetCustom
	}
	return PresetForTemperature(t)
}

// ValvePosition is the flow rate while running and zero otherwise.
func (s Shadow) ValvePosition() float64 {
	if s.State() != FaucetRunning {
		return 0
	}
	v, _ := s.FlowRate()
	return v
}

func numberField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Details is the diagnostic device document.
type Details struct {
	Connected   bool
	Network     string
	RSSI        *float64
	Battery     *float64
	Firmware    string
	LastConnect *time.Time
	Raw         map[string]any
}

func (d Details) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Raw)
}

func (d *Details) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = parseDetails(raw)
	return nil
}

func parseDetails(raw map[string]any) Details {
	d := Details{Raw: raw}
	d.Connected, _ = raw["connected"].(bool)
	if conn, ok := raw["connectivity"].(map[string]any); ok {
		d.Network, _ = conn["net"].(string)
		if v, ok := numberField(conn, "rssi"); ok {
			d.RSSI = &v
		}
	}
	if battery, ok := raw["battery"].(map[string]any); ok {
		if v, ok := numberField(battery, "percentage"); ok {
			d.Battery = &v
		}
	}
	if firmware, ok := raw["firmware"].(map[string]any); ok {
		d.Firmware, _ = firmware["version"].(string)
	}
	d.LastConnect = parseLastConnect(raw["lastConnect"])
	return d
}

// parseLastConnect accepts ISO timestamps and epoch milliseconds.
func parseLastConnect(v any) *time.Time {
	switch value := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, value); err == nil {
				return &t
			}
		}
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			return &t
		}
	case float64:
		t := time.UnixMilli(int64(value)).UTC()
		return &t
	}
	return nil
}

// Snapshot is the merged view published after every poll cycle.
type Snapshot struct {
	Account     string             `json:"account"`
	Devices     []Device           `json:"devices"`
	Shadows     map[string]Shadow  `json:"shadows"`
	Details     map[string]Details `json:"details"`
	Success     bool               `json:"success"`
	Error       string             `json:"error,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
	LastSuccess time.Time          `json:"last_success"`
}

// Device looks up a device by key.
func (s Snapshot) Device(key string) (Device, bool) {
	for _, d := range s.Devices {
		if d.Key() == key {
			return d, true
		}
	}
	return Device{}, false
}

package moen

import (
	"encoding/json"
	"testing"
	"time"
)

func TestShadowDerivedFields(t *testing.T) {
	var shadow Shadow
	if err := json.Unmarshal([]byte(`{"state":{"reported":{"command":"run","temperature":22.5,"flowRate":60}}}`), &shadow); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if shadow.State() != FaucetRunning {
		t.Fatalf("expected running, got %s", shadow.State())
	}
	if temp, ok := shadow.Temperature(); !ok || temp != 22.5 {
		t.Fatalf("expected 22.5, got %v", temp)
	}
	if shadow.Preset() != PresetCold {
		t.Fatalf("expected cold preset, got %s", shadow.Preset())
	}
	if shadow.ValvePosition() != 60 {
		t.Fatalf("expected valve position 60, got %v", shadow.ValvePosition())
	}

	shadow.Reported["command"] = "stop"
	if shadow.State() != FaucetStopped || shadow.ValvePosition() != 0 {
		t.Fatalf("expected stopped with closed valve, got %s %v", shadow.State(), shadow.ValvePosition())
	}
}

func TestEmptyShadow(t *testing.T) {
	var shadow Shadow
	if !shadow.Empty() || shadow.State() != FaucetIdle || shadow.Preset() != PresetCustom {
		t.Fatalf("unexpected empty shadow: %s %s", shadow.State(), shadow.Preset())
	}
	if _, ok := shadow.Temperature(); ok {
		t.Fatalf("expected no temperature")
	}
}

func TestShadowMarshalKeepsEnvelope(t *testing.T) {
	shadow := Shadow{Reported: map[string]any{"command": "run"}, Desired: map[string]any{"flowRate": 10.0}}
	data, err := json.Marshal(shadow)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"state":{"reported":{"command":"run"},"desired":{"flowRate":10}}}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
}

func TestPresetForTemperature(t *testing.T) {
	cases := []struct {
		celsius float64
		want    Preset
	}{
		{5, PresetColdest},
		{10, PresetColdest},
		{10.5, PresetCold},
		{25, PresetCold},
		{38, PresetWarm},
		{60, PresetHot},
		{61, PresetHottest},
	}
	for _, tc := range cases {
		if got := PresetForTemperature(tc.celsius); got != tc.want {
			t.Fatalf("%v°C: expected %s, got %s", tc.celsius, tc.want, got)
		}
	}
}

func TestParsePreset(t *testing.T) {
	if p, ok := ParsePreset(" WARM "); !ok || p != PresetWarm {
		t.Fatalf("expected warm, got %q %v", p, ok)
	}
	if _, ok := ParsePreset("custom"); ok {
		t.Fatalf("custom is derived only and must not parse")
	}
}

func TestDeviceUnmarshalKeepsExtraFields(t *testing.T) {
	var device Device
	data := `{"id":42,"clientId":null,"name":"Kitchen","deviceType":"VAK","firmwareVersion":"1.0","locationId":"loc"}`
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if device.Key() != "42" {
		t.Fatalf("expected numeric id fallback, got %q", device.Key())
	}
	if device.Attributes["firmwareVersion"] != "1.0" {
		t.Fatalf("expected extra field in attributes, got %v", device.Attributes)
	}
	if (Device{ClientID: "abc"}).DisplayName() != "Moen Smart Faucet abc" {
		t.Fatalf("unexpected fallback display name")
	}
}

func TestParseLastConnect(t *testing.T) {
	iso := parseLastConnect("2024-08-04T09:20:08.370Z")
	if iso == nil || !iso.Equal(time.Date(2024, 8, 4, 9, 20, 8, 370000000, time.UTC)) {
		t.Fatalf("unexpected iso parse: %v", iso)
	}
	ms := parseLastConnect(float64(1722763208370))
	if ms == nil || ms.UnixMilli() != 1722763208370 {
		t.Fatalf("unexpected epoch parse: %v", ms)
	}
	if parseLastConnect("yesterday") != nil || parseLastConnect(nil) != nil {
		t.Fatalf("expected unparseable values to be nil")
	}
}

func TestSnapshotViews(t *testing.T) {
	rssi := -60.0
	snapshot := Snapshot{
		Account: "home",
		Devices: []Device{{ClientID: "a", Name: "Kitchen"}, {ClientID: "b"}},
		Shadows: map[string]Shadow{
			"a": {Reported: map[string]any{"command": "run", "temperature": 40.0, "connected": false}},
		},
		Details: map[string]Details{"a": {Connected: true, RSSI: &rssi}},
	}

	views := snapshot.Views()
	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}
	a := views[0]
	if a.State != FaucetRunning || a.Preset != PresetWarm || a.Temperature == nil || *a.Temperature != 40 {
		t.Fatalf("unexpected view: %+v", a)
	}
	if a.Connected == nil || !*a.Connected || a.RSSI == nil || *a.RSSI != -60 {
		t.Fatalf("expected details to override shadow connectivity: %+v", a)
	}
	if views[1].State != FaucetIdle || views[1].Details != nil {
		t.Fatalf("unexpected view for device without data: %+v", views[1])
	}
	if _, ok := snapshot.View("missing"); ok {
		t.Fatalf("expected missing device view to be absent")
	}
}

package moen

import "time"

// DeviceView is the flattened state of one faucet served to consumers.
type DeviceView struct {
	Account       string      `json:"account"`
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	State         FaucetState `json:"state"`
	Temperature   *float64    `json:"temperature_celsius,omitempty"`
	FlowRate      *float64    `json:"flow_rate_percent,omitempty"`
	LastVolumeML  *float64    `json:"last_dispense_volume_ml,omitempty"`
	Preset        Preset      `json:"preset"`
	ValvePosition float64     `json:"valve_position"`
	CommandSource string      `json:"command_source,omitempty"`
	Connected     *bool       `json:"connected,omitempty"`
	Network       string      `json:"network,omitempty"`
	RSSI          *float64    `json:"wifi_rssi,omitempty"`
	Battery       *float64    `json:"battery_percent,omitempty"`
	Firmware      string      `json:"firmware,omitempty"`
	LastConnect   *time.Time  `json:"last_connect,omitempty"`
	Shadow        Shadow      `json:"shadow"`
	Details       *Details    `json:"details,omitempty"`
}

// NewDeviceView merges a device with its shadow and, when known, its details.
func NewDeviceView(account string, device Device, shadow Shadow, details *Details) DeviceView {
	view := DeviceView{
		Account:       account,
		ID:            device.Key(),
		Name:          device.DisplayName(),
		State:         shadow.State(),
		Preset:        shadow.Preset(),
		ValvePosition: shadow.ValvePosition(),
		CommandSource: shadow.CommandSource(),
		Shadow:        shadow,
		Details:       details,
	}
	if v, ok := shadow.Temperature(); ok {
		view.Temperature = &v
	}
	if v, ok := shadow.FlowRate(); ok {
		view.FlowRate = &v
	}
	if v, ok := shadow.VolumeML(); ok {
		view.LastVolumeML = &v
	}
	if v, ok := shadow.Connected(); ok {
		view.Connected = &v
	}
	if details != nil {
		connected := details.Connected
		view.Connected = &connected
		view.Network = details.Network
		view.RSSI = details.RSSI
		view.Battery = details.Battery
		view.Firmware = details.Firmware
		view.LastConnect = details.LastConnect
	}
	return view
}

// Views flattens every device of a snapshot.
func (s Snapshot) Views() []DeviceView {
	out := make([]DeviceView, 0, len(s.Devices))
	for _, device := range s.Devices {
		out = append(out, s.view(device))
	}
	return out
}

// View returns the flattened state of one device.
func (s Snapshot) View(key string) (DeviceView, bool) {
	device, ok := s.Device(key)
	if !ok {
		return DeviceView{}, false
	}
	return s.view(device), true
}

func (s Snapshot) view(device Device) DeviceView {
	var details *Details
	if d, ok := s.Details[device.Key()]; ok {
		details = &d
	}
	return NewDeviceView(s.Account, device, s.Shadows[device.Key()], details)
}

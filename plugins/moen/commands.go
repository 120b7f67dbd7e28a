package moen

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/joshp123/moenhome/internal/rate"
)

// ErrInvalidCommand marks arguments rejected before anything is sent.
var ErrInvalidCommand = errors.New("invalid command")

const (
	MinTemperature = 0.0
	MaxTemperature = 100.0
	MinFlowRate    = 0
	MaxFlowRate    = 100

	DefaultFlowRate = 100

	// Presets without a vendor keyword are sent as fixed temperatures.
	coldCelsius = 15.0
	hotCelsius  = 50.0
)

// Command is a shadow update payload.
type Command map[string]any

// SendCommand writes payload to the device shadow and returns the parsed reply.
// Cached state is not touched; the next poll picks up the result. Commands may
// spend the request budget held back from polling.
func (c *Client) SendCommand(ctx context.Context, deviceKey string, payload Command) (map[string]any, error) {
	if deviceKey == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidCommand)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidCommand)
	}

	var result map[string]any
	err := c.invoke(rate.WithPriority(ctx), fnShadowUpdate, map[string]any{
		"payload":  map[string]any(payload),
		"locale":   c.cfg.Locale,
		"clientId": deviceKey,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", deviceKey, err)
	}
	c.logger.Info("sent command", "device", deviceKey, "command", payload["command"])
	return result, nil
}

// StartFlow opens the valve at a temperature in °C and a flow rate in percent.
func StartFlow(temperature float64, flowRate int) (Command, error) {
	if err := validateTemperature(temperature); err != nil {
		return nil, err
	}
	if err := validateFlowRate(flowRate); err != nil {
		return nil, err
	}
	return runCommand(temperature, flowRate), nil
}

// StopFlow closes the valve.
func StopFlow() Command {
	return Command{"commandSrc": "app", "command": "stop"}
}

// SetTemperature starts flow at a specific temperature.
func SetTemperature(celsius float64, flowRate int) (Command, error) {
	return StartFlow(celsius, flowRate)
}

// SetPreset starts flow at a named preset.
func SetPreset(preset Preset, flowRate int) (Command, error) {
	if err := validateFlowRate(flowRate); err != nil {
		return nil, err
	}
	switch preset {
	case PresetColdest, PresetHottest, PresetWarm:
		return runCommand(string(preset), flowRate), nil
	case PresetCold:
		return runCommand(coldCelsius, flowRate), nil
	case PresetHot:
		return runCommand(hotCelsius, flowRate), nil
	default:
		return nil, fmt.Errorf("%w: unknown preset %q", ErrInvalidCommand, preset)
	}
}

// SetFlowRate changes the default flow rate used by the faucet.
func SetFlowRate(flowRate int) (Command, error) {
	if err := validateFlowRate(flowRate); err != nil {
		return nil, err
	}
	return settings(map[string]any{"defaultFlowRate": flowRate}), nil
}

// SetFreezeProtection toggles freeze protection.
func SetFreezeProtection(enabled bool) Command {
	return settings(map[string]any{"freezeEnable": enabled})
}

// Timeouts are the faucet's idle shutoff timers in seconds.
type Timeouts struct {
	Handle           int
	Sensor           int
	Voice            int
	DispenseActivate int
}

// DefaultTimeouts match the app's factory settings.
func DefaultTimeouts() Timeouts {
	return Timeouts{Handle: 300, Sensor: 300, Voice: 300, DispenseActivate: 120}
}

// SetTimeouts updates the shutoff timers.
func SetTimeouts(t Timeouts) (Command, error) {
	for name, v := range map[string]int{
		"handle":            t.Handle,
		"sensor":            t.Sensor,
		"voice":             t.Voice,
		"dispense_activate": t.DispenseActivate,
	} {
		if v <= 0 {
			return nil, fmt.Errorf("%w: %s timeout must be positive", ErrInvalidCommand, name)
		}
	}
	return settings(map[string]any{
		"handleTimeout":           t.Handle,
		"sensorTimeout":           t.Sensor,
		"voiceTimeout":            t.Voice,
		"dispenseActivateTimeout": t.DispenseActivate,
	}), nil
}

func runCommand(temperature any, flowRate int) Command {
	return Command{
		"commandSrc":  "app",
		"command":     "run",
		"temperature": temperature,
		"flowRate":    flowRate,
	}
}

func settings(values map[string]any) Command {
	cmd := Command{"commandSrc": "app"}
	for k, v := range values {
		cmd[k] = v
	}
	return cmd
}

func validateTemperature(celsius float64) error {
	if math.IsNaN(celsius) || celsius < MinTemperature || celsius > MaxTemperature {
		return fmt.Errorf("%w: temperature %.1f outside %.0f-%.0f °C", ErrInvalidCommand, celsius, MinTemperature, MaxTemperature)
	}
	return nil
}

func validateFlowRate(flowRate int) error {
	if flowRate < MinFlowRate || flowRate > MaxFlowRate {
		return fmt.Errorf("%w: flow rate %d outside %d-%d%%", ErrInvalidCommand, flowRate, MinFlowRate, MaxFlowRate)
	}
	return nil
}

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshp123/moenhome/plugins/moen"
)

const faucetService = moen.ServiceName

func accountsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List configured accounts and their last poll",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := c.invoke(cmd.Context(), faucetService, "ListAccounts", nil)
			if err != nil {
				return err
			}
			if c.out.json {
				return c.out.printJSON(resp)
			}
			c.out.table(accountRows(list(resp, "accounts")))
			return nil
		},
	}
}

func devicesCmd(c *cli) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"list"},
		Short:   "List faucets with their cached state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{}
			if account != "" {
				req["account"] = account
			}
			resp, err := c.invoke(cmd.Context(), faucetService, "ListDevices", req)
			if err != nil {
				return err
			}
			if c.out.json {
				return c.out.printJSON(resp)
			}
			c.out.table(deviceRows(list(resp, "devices")))
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Only list devices of this account")
	return cmd
}

func stateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "state <device>",
		Short: "Show the merged state of one faucet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := c.lookupDevice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			resp, err := c.invoke(cmd.Context(), faucetService, "GetDevice", ref.request())
			if err != nil {
				return err
			}
			device := object(resp, "device")
			if c.out.json {
				return c.out.printJSON(device)
			}
			c.out.table(stateRows(device))
			return nil
		},
	}
}

func stateRows(d map[string]any) [][]string {
	return [][]string{
		{"name", str(d, "name")},
		{"id", str(d, "id")},
		{"account", str(d, "account")},
		{"state", str(d, "state")},
		{"temperature_c", num(d, "temperature_celsius", 1)},
		{"flow_rate_%", num(d, "flow_rate_percent", 0)},
		{"preset", str(d, "preset")},
		{"last_volume_ml", num(d, "last_dispense_volume_ml", 0)},
		{"connected", yesNo(d, "connected")},
		{"wifi_rssi", num(d, "wifi_rssi", 0)},
		{"battery_%", num(d, "battery_percent", 0)},
		{"firmware", str(d, "firmware")},
		{"last_connect", str(d, "last_connect")},
	}
}

func startCmd(c *cli) *cobra.Command {
	var flowRate int
	cmd := &cobra.Command{
		Use:   "start <device> <temp_c>",
		Short: "Start water flow at a temperature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			temp, err := parseTemperature(args[1])
			if err != nil {
				return err
			}
			return c.send(cmd, args[0], "StartFlow", map[string]any{"temperature": temp, "flow_rate": flowRate},
				fmt.Sprintf("running at %.1f°C, %d%%", temp, flowRate))
		},
	}
	cmd.Flags().IntVar(&flowRate, "flow", moen.DefaultFlowRate, "Flow rate percent")
	return cmd
}

func stopCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <device>",
		Short: "Stop water flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.send(cmd, args[0], "StopFlow", nil, "stopped")
		},
	}
}

func tempCmd(c *cli) *cobra.Command {
	var flowRate int
	cmd := &cobra.Command{
		Use:   "temp <device> <temp_c>",
		Short: "Set the target temperature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			temp, err := parseTemperature(args[1])
			if err != nil {
				return err
			}
			return c.send(cmd, args[0], "SetTemperature", map[string]any{"temperature": temp, "flow_rate": flowRate},
				fmt.Sprintf("%.1f°C", temp))
		},
	}
	cmd.Flags().IntVar(&flowRate, "flow", moen.DefaultFlowRate, "Flow rate percent")
	return cmd
}

func flowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "flow <device> <percent>",
		Short: "Set the default flow rate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid flow rate %q", args[1])
			}
			return c.send(cmd, args[0], "SetFlowRate", map[string]any{"flow_rate": rate}, fmt.Sprintf("flow %d%%", rate))
		},
	}
}

func presetCmd(c *cli) *cobra.Command {
	var flowRate int
	cmd := &cobra.Command{
		Use:   "preset <device> <coldest|cold|warm|hot>",
		Short: "Start water flow at a preset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			preset, ok := moen.ParsePreset(args[1])
			if !ok {
				return fmt.Errorf("unknown preset %q", args[1])
			}
			return c.send(cmd, args[0], "SetPreset", map[string]any{"preset": string(preset), "flow_rate": flowRate},
				fmt.Sprintf("preset %s", preset))
		},
	}
	cmd.Flags().IntVar(&flowRate, "flow", moen.DefaultFlowRate, "Flow rate percent")
	return cmd
}

func freezeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "freeze <device> <on|off>",
		Short: "Toggle freeze protection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch strings.ToLower(args[1]) {
			case "on", "true", "yes":
				enabled = true
			case "off", "false", "no":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			return c.send(cmd, args[0], "SetFreezeProtection", map[string]any{"enabled": enabled},
				fmt.Sprintf("freeze protection %s", strings.ToLower(args[1])))
		},
	}
}

func usageCmd(c *cli) *cobra.Command {
	var tzOffset int
	cmd := &cobra.Command{
		Use:   "usage <device>",
		Short: "Show today's water usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := c.lookupDevice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			req := ref.request()
			if cmd.Flags().Changed("tz-offset") {
				req["timezone_offset"] = tzOffset
			}
			resp, err := c.invoke(cmd.Context(), faucetService, "GetDailyUsage", req)
			if err != nil {
				return err
			}
			return c.out.printJSON(object(resp, "usage"))
		},
	}
	cmd.Flags().IntVar(&tzOffset, "tz-offset", 0, "Timezone offset in hours (defaults to the server's)")
	return cmd
}

func sessionsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions <device>",
		Short: "Show recent dispense sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := c.lookupDevice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			req := ref.request()
			req["limit"] = limit
			resp, err := c.invoke(cmd.Context(), faucetService, "GetSessions", req)
			if err != nil {
				return err
			}
			return c.out.printJSON(object(resp, "sessions"))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", moen.DefaultSessionLimit, "Number of sessions")
	return cmd
}

func locationsCmd(c *cli) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "List the account's locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{}
			if account != "" {
				req["account"] = account
			}
			resp, err := c.invoke(cmd.Context(), faucetService, "ListLocations", req)
			if err != nil {
				return err
			}
			return c.out.printJSON(resp["locations"])
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account name")
	return cmd
}

func refreshCmd(c *cli) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Poll the cloud now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{}
			if account != "" {
				req["account"] = account
			}
			resp, err := c.invoke(cmd.Context(), faucetService, "Refresh", req)
			if err != nil {
				return err
			}
			if c.out.json {
				return c.out.printJSON(resp)
			}
			c.out.table(accountRows(list(resp, "accounts")))
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Only refresh this account")
	return cmd
}

// send resolves the device, invokes a command RPC and reports the outcome.
func (c *cli) send(cmd *cobra.Command, device, method string, args map[string]any, summary string) error {
	ref, err := c.lookupDevice(cmd.Context(), device)
	if err != nil {
		return err
	}
	req := ref.request()
	for k, v := range args {
		req[k] = v
	}
	resp, err := c.invoke(cmd.Context(), faucetService, method, req)
	if err != nil {
		return err
	}
	if c.out.json {
		return c.out.printJSON(resp)
	}
	c.out.println("ok: %s -> %s", device, summary)
	return nil
}

func parseTemperature(raw string) (float64, error) {
	temp, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid temperature %q", raw)
	}
	return temp, nil
}

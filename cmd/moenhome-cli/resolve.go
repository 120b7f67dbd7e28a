package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	name = replacer.Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// deviceRef is enough to address a faucet in an RPC.
type deviceRef struct {
	Account string
	ID      string
}

func (d deviceRef) request() map[string]any {
	req := map[string]any{"device_id": d.ID}
	if d.Account != "" {
		req["account"] = d.Account
	}
	return req
}

// resolveDevice matches input against device ids and nicknames.
func resolveDevice(input string, devices []map[string]any) (deviceRef, error) {
	needle := normalizeName(input)
	var matches []deviceRef
	for _, d := range devices {
		ref := deviceRef{Account: str(d, "account"), ID: str(d, "id")}
		if ref.ID == input {
			return ref, nil
		}
		if normalizeName(str(d, "name")) == needle {
			matches = append(matches, ref)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		available := make([]string, 0, len(devices))
		for _, d := range devices {
			available = append(available, str(d, "name"))
		}
		sort.Strings(available)
		return deviceRef{}, fmt.Errorf("device %q not found. Available: %s", input, strings.Join(available, ", "))
	default:
		return deviceRef{}, fmt.Errorf("device %q is ambiguous across accounts; use the device id", input)
	}
}

func (c *cli) lookupDevice(ctx context.Context, input string) (deviceRef, error) {
	resp, err := c.invoke(ctx, faucetService, "ListDevices", nil)
	if err != nil {
		return deviceRef{}, err
	}
	return resolveDevice(input, list(resp, "devices"))
}

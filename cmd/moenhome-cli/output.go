package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

type outputMode struct {
	json bool
	w    io.Writer
}

func (o outputMode) printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("format json: %w", err)
	}
	_, err = fmt.Fprintln(o.w, string(data))
	return err
}

func (o outputMode) table(rows [][]string) {
	w := tabwriter.NewWriter(o.w, 2, 4, 2, ' ', 0)
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func (o outputMode) println(format string, args ...any) {
	fmt.Fprintf(o.w, format+"\n", args...)
}

// field helpers read loosely typed values out of decoded responses.

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func num(m map[string]any, key string, precision int) string {
	v, ok := m[key].(float64)
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}

func yesNo(m map[string]any, key string) string {
	v, ok := m[key].(bool)
	if !ok {
		return "-"
	}
	if v {
		return "yes"
	}
	return "no"
}

func list(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]any); ok {
			out = append(out, entry)
		}
	}
	return out
}

func object(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func deviceRows(devices []map[string]any) [][]string {
	rows := [][]string{{"ACCOUNT", "NAME", "ID", "STATE", "TEMP_C", "FLOW_%", "PRESET", "CONNECTED"}}
	for _, d := range devices {
		rows = append(rows, []string{
			str(d, "account"),
			str(d, "name"),
			str(d, "id"),
			str(d, "state"),
			num(d, "temperature_celsius", 1),
			num(d, "flow_rate_percent", 0),
			str(d, "preset"),
			yesNo(d, "connected"),
		})
	}
	return rows
}

func accountRows(accounts []map[string]any) [][]string {
	rows := [][]string{{"ACCOUNT", "USERNAME", "DEVICES", "OK", "UPDATED", "ERROR"}}
	for _, a := range accounts {
		rows = append(rows, []string{
			str(a, "name"),
			str(a, "username"),
			num(a, "devices", 0),
			yesNo(a, "success"),
			str(a, "updated_at"),
			str(a, "error"),
		})
	}
	return rows
}

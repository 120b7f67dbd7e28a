package core

import (
	"context"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubPlugin struct {
	id            string
	name          string
	version       string
	services      []string
	dashboards    []Dashboard
	agents        string
	health        HealthStatus
	healthMessage string
}

func (s stubPlugin) ID() string { return s.id }

func (s stubPlugin) Manifest() Manifest {
	return Manifest{
		PluginID:    s.id,
		DisplayName: s.name,
		Version:     s.version,
		Services:    s.services,
	}
}

func (s stubPlugin) AgentsMD() string { return s.agents }

func (s stubPlugin) Dashboards() []Dashboard { return s.dashboards }

func (s stubPlugin) RegisterGRPC(*grpc.Server) error { return nil }

func (s stubPlugin) Collectors() []prometheus.Collector { return nil }

func (s stubPlugin) Health() HealthStatus { return s.health }

func (s stubPlugin) HealthMessage() string { return s.healthMessage }

func newStubPlugin(id string) stubPlugin {
	return stubPlugin{
		id:         id,
		name:       "Demo",
		version:    "0.1.0",
		services:   []string{"moenhome.demo.v1.DemoService"},
		agents:     "demo agents",
		health:     HealthHealthy,
		dashboards: []Dashboard{{Name: "demo", JSON: []byte("{}")}},
	}
}

func dialRegistry(t *testing.T, plugins []Plugin) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	if err := NewRegistryService(plugins).Register(server); err != nil {
		t.Fatalf("register: %v", err)
	}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRegistryListPlugins(t *testing.T) {
	plugin := newStubPlugin("demo")
	svc := NewRegistryService([]Plugin{plugin})

	plugins := svc.ListPlugins(context.Background())
	if len(plugins) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(plugins))
	}

	got := plugins[0]
	if got.PluginID != "demo" || got.DisplayName != "Demo" || got.Version != "0.1.0" {
		t.Fatalf("unexpected plugin summary: %+v", got)
	}
	if got.Status != string(HealthHealthy) {
		t.Fatalf("unexpected health status: %s", got.Status)
	}
}

func TestRegistryDescribePlugin(t *testing.T) {
	plugin := newStubPlugin("demo")
	svc := NewRegistryService([]Plugin{plugin})

	descriptor, ok := svc.DescribePlugin(context.Background(), "demo")
	if !ok {
		t.Fatalf("expected plugin descriptor")
	}
	if descriptor.PluginID != "demo" {
		t.Fatalf("unexpected plugin id: %s", descriptor.PluginID)
	}
	if len(descriptor.Dashboards) != 1 {
		t.Fatalf("expected 1 dashboard, got %d", len(descriptor.Dashboards))
	}
	if descriptor.Dashboards[0].Path != "/dashboards/demo/demo.json" {
		t.Fatalf("unexpected dashboard path: %s", descriptor.Dashboards[0].Path)
	}
}

func TestRegistryOverGRPC(t *testing.T) {
	conn := dialRegistry(t, []Plugin{newStubPlugin("demo")})
	ctx := context.Background()

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/"+RegistryServiceName+"/ListPlugins", &structpb.Struct{}, out); err != nil {
		t.Fatalf("ListPlugins: %v", err)
	}
	plugins := out.GetFields()["plugins"].GetListValue().GetValues()
	if len(plugins) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(plugins))
	}
	if id := plugins[0].GetStructValue().GetFields()["plugin_id"].GetStringValue(); id != "demo" {
		t.Fatalf("unexpected plugin id %q", id)
	}

	req, _ := structpb.NewStruct(map[string]any{"plugin_id": "missing"})
	err := conn.Invoke(ctx, "/"+RegistryServiceName+"/DescribePlugin", req, new(structpb.Struct))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	err = conn.Invoke(ctx, "/"+RegistryServiceName+"/DescribePlugin", &structpb.Struct{}, new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestRegisterServicePublishesDescriptor(t *testing.T) {
	dialRegistry(t, nil)

	desc, err := protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(RegistryServiceName))
	if err != nil {
		t.Fatalf("find descriptor: %v", err)
	}
	service, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		t.Fatalf("expected service descriptor, got %T", desc)
	}
	method := service.Methods().ByName("ListPlugins")
	if method == nil || method.Input().FullName() != "google.protobuf.Struct" {
		t.Fatalf("unexpected ListPlugins descriptor: %v", method)
	}
}

func TestArgHelpers(t *testing.T) {
	req, _ := structpb.NewStruct(map[string]any{
		"device_id":   "abc",
		"temperature": 38.5,
		"flow_rate":   80,
		"enabled":     true,
	})

	if id, err := StringArg(req, "device_id", true); err != nil || id != "abc" {
		t.Fatalf("StringArg: %q %v", id, err)
	}
	if _, err := StringArg(req, "missing", true); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if v, err := NumberArg(req, "temperature", 0); err != nil || v != 38.5 {
		t.Fatalf("NumberArg: %v %v", v, err)
	}
	if v, err := IntArg(req, "flow_rate", 100); err != nil || v != 80 {
		t.Fatalf("IntArg: %v %v", v, err)
	}
	if v, err := IntArg(req, "absent", 100); err != nil || v != 100 {
		t.Fatalf("IntArg fallback: %v %v", v, err)
	}
	if _, err := IntArg(req, "temperature", 0); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for fractional int, got %v", err)
	}
	if v, err := BoolArg(req, "enabled"); err != nil || !v {
		t.Fatalf("BoolArg: %v %v", v, err)
	}
	if _, err := NumberArg(req, "device_id", 0); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for string number, got %v", err)
	}
}

func TestFilterPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo"), newStubPlugin("extra")}

	active := FilterPlugins(compiled, map[string]bool{"demo": true}, false)
	if len(active) != 1 || active[0].ID() != "demo" {
		t.Fatalf("unexpected active plugins: %v", active)
	}

	active = FilterPlugins(compiled, map[string]bool{}, true)
	if len(active) != 2 {
		t.Fatalf("expected all plugins, got %d", len(active))
	}
}

func TestValidateEnabledPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo")}

	if err := ValidateEnabledPlugins(compiled, map[string]bool{"demo": true}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ValidateEnabledPlugins(compiled, map[string]bool{"missing": true}, false); err == nil {
		t.Fatalf("expected error for missing plugin")
	}
}

func TestValidatePluginsRejectsDuplicates(t *testing.T) {
	if err := ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("demo")}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

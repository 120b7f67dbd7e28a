package moen

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/moenhome/internal/apierr"
	"github.com/joshp123/moenhome/internal/core"
	"github.com/joshp123/moenhome/internal/rate"
)

const (
	ServiceName = "moenhome.v1.FaucetService"
	serviceFile = "moenhome/v1/faucet.proto"
)

type service struct {
	accounts *Accounts
}

// RegisterFaucetService mounts the faucet service on server.
func RegisterFaucetService(server *grpc.Server, accounts *Accounts) error {
	s := &service{accounts: accounts}
	return core.RegisterService(server, core.Service{
		Name: ServiceName,
		File: serviceFile,
		Methods: []core.Method{
			{Name: "ListAccounts", Handler: s.ListAccounts},
			{Name: "ListDevices", Handler: s.ListDevices},
			{Name: "GetDevice", Handler: s.GetDevice},
			{Name: "Refresh", Handler: s.Refresh},
			{Name: "StartFlow", Handler: s.StartFlow},
			{Name: "StopFlow", Handler: s.StopFlow},
			{Name: "SetTemperature", Handler: s.SetTemperature},
			{Name: "SetFlowRate", Handler: s.SetFlowRate},
			{Name: "SetPreset", Handler: s.SetPreset},
			{Name: "SetFreezeProtection", Handler: s.SetFreezeProtection},
			{Name: "SetTimeouts", Handler: s.SetTimeouts},
			{Name: "ListPresets", Handler: s.ListPresets},
			{Name: "GetProfile", Handler: s.GetProfile},
			{Name: "GetDailyUsage", Handler: s.GetDailyUsage},
			{Name: "GetSessions", Handler: s.GetSessions},
			{Name: "GetUserSettings", Handler: s.GetUserSettings},
			{Name: "ListLocations", Handler: s.ListLocations},
			{Name: "GetWinterizeStatus", Handler: s.GetWinterizeStatus},
		},
	})
}

type accountSummary struct {
	Name        string    `json:"name"`
	Username    string    `json:"username"`
	Devices     int       `json:"devices"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastSuccess time.Time `json:"last_success"`
}

func (s *service) ListAccounts(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var out []accountSummary
	for _, account := range s.accounts.List() {
		snapshot := account.Coordinator.Snapshot()
		out = append(out, accountSummary{
			Name:        account.Name(),
			Username:    account.Config.Username,
			Devices:     len(snapshot.Devices),
			Success:     snapshot.Success,
			Error:       snapshot.Error,
			UpdatedAt:   snapshot.UpdatedAt,
			LastSuccess: snapshot.LastSuccess,
		})
	}
	return core.NewStruct(map[string]any{"accounts": out})
}

func (s *service) ListDevices(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := core.StringArg(req, "account", false)
	if err != nil {
		return nil, err
	}

	var views []DeviceView
	for _, account := range s.accounts.List() {
		if name != "" && account.Name() != name {
			continue
		}
		views = append(views, account.Coordinator.Snapshot().Views()...)
	}
	if name != "" {
		if _, ok := s.accounts.Get(name); !ok {
			return nil, status.Errorf(codes.NotFound, "account %q not found", name)
		}
	}
	return core.NewStruct(map[string]any{"devices": views})
}

func (s *service) GetDevice(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account, device, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	view, ok := account.Coordinator.Snapshot().View(device.Key())
	if !ok {
		return nil, grpcError(apierr.DeviceNotFound(device.Key()))
	}
	return core.NewStruct(map[string]any{"device": view})
}

func (s *service) Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := core.StringArg(req, "account", false)
	if err != nil {
		return nil, err
	}
	var results []accountSummary
	for _, account := range s.accounts.List() {
		if name != "" && account.Name() != name {
			continue
		}
		refreshErr := account.Coordinator.Refresh(ctx)
		snapshot := account.Coordinator.Snapshot()
		summary := accountSummary{
			Name:        account.Name(),
			Username:    account.Config.Username,
			Devices:     len(snapshot.Devices),
			Success:     refreshErr == nil,
			UpdatedAt:   snapshot.UpdatedAt,
			LastSuccess: snapshot.LastSuccess,
		}
		if refreshErr != nil {
			summary.Error = refreshErr.Error()
		}
		results = append(results, summary)
	}
	if name != "" && len(results) == 0 {
		return nil, status.Errorf(codes.NotFound, "account %q not found", name)
	}
	return core.NewStruct(map[string]any{"accounts": results})
}

func (s *service) StartFlow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	temperature, err := core.RequiredNumberArg(req, "temperature")
	if err != nil {
		return nil, err
	}
	flowRate, err := core.IntArg(req, "flow_rate", DefaultFlowRate)
	if err != nil {
		return nil, err
	}
	cmd, err := StartFlow(temperature, flowRate)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.send(ctx, req, cmd)
}

func (s *service) StopFlow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.send(ctx, req, StopFlow())
}

func (s *service) SetTemperature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	temperature, err := core.RequiredNumberArg(req, "temperature")
	if err != nil {
		return nil, err
	}
	flowRate, err := core.IntArg(req, "flow_rate", DefaultFlowRate)
	if err != nil {
		return nil, err
	}
	cmd, err := SetTemperature(temperature, flowRate)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.send(ctx, req, cmd)
}

func (s *service) SetFlowRate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := core.RequiredNumberArg(req, "flow_rate"); err != nil {
		return nil, err
	}
	flowRate, err := core.IntArg(req, "flow_rate", 0)
	if err != nil {
		return nil, err
	}
	cmd, err := SetFlowRate(flowRate)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.send(ctx, req, cmd)
}

func (s *service) SetPreset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := core.StringArg(req, "preset", true)
	if err != nil {
		return nil, err
	}
	preset, ok := ParsePreset(raw)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown preset %q", raw)
	}
	flowRate, err := core.IntArg(req, "flow_rate", DefaultFlowRate)
	if err != nil {
		return nil, err
	}
	cmd, err := SetPreset(preset, flowRate)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.send(ctx, req, cmd)
}

func (s *service) SetFreezeProtection(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	enabled, err := core.BoolArg(req, "enabled")
	if err != nil {
		return nil, err
	}
	return s.send(ctx, req, SetFreezeProtection(enabled))
}

func (s *service) SetTimeouts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	defaults := DefaultTimeouts()
	var timeouts Timeouts
	var err error
	if timeouts.Handle, err = core.IntArg(req, "handle_timeout", defaults.Handle); err != nil {
		return nil, err
	}
	if timeouts.Sensor, err = core.IntArg(req, "sensor_timeout", defaults.Sensor); err != nil {
		return nil, err
	}
	if timeouts.Voice, err = core.IntArg(req, "voice_timeout", defaults.Voice); err != nil {
		return nil, err
	}
	if timeouts.DispenseActivate, err = core.IntArg(req, "dispense_activate_timeout", defaults.DispenseActivate); err != nil {
		return nil, err
	}
	cmd, err := SetTimeouts(timeouts)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.send(ctx, req, cmd)
}

func (s *service) ListPresets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account, err := s.account(req)
	if err != nil {
		return nil, err
	}
	presets, err := account.Client.Presets(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return core.NewStruct(map[string]any{"presets": presets})
}

func (s *service) GetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account, err := s.account(req)
	if err != nil {
		return nil, err
	}
	profile, err := account.Client.Profile(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return core.NewStruct(map[string]any{"profile": profile})
}

func (s *service) GetDailyUsage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account, device, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	_, offset := time.Now().Zone()
	tzOffset, err := core.IntArg(req, "timezone_offset", offset/3600)
	if err != nil {
		return nil, err
	}
	usage, err := account.Client.DailyUsage(ctx, device.Key(), tzOffset, time.Now())
	if err != nil {
		return nil, grpcError(err)
	}
	return core.NewStruct(map[string]any{"usage": usage})
}

func (s *service) GetSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account, device, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	limit, err := core.IntArg(req, "limit", DefaultSessionLimit)
	if err != nil {
		return nil, err
	}
	sessions, err := account.Client.Sessions(ctx, device.Key(), limit)
	if err != nil {
		return nil, grpcError(err)
	}
	return core.NewStruct(map[string]any{"device_id": device.Key(), "sessions": sessions})
}

func (s *service) GetUserSettings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account, err := s.account(req)
	if err != nil {
		return nil, err
	}
	settings, err := account.Client.UserSettings(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return core.NewStruct(map[string]any{"settings": settings})
}

func (s *service) ListLocations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account, err := s.account(req)
	if err != nil {
		return nil, err
	}
	locations, err := account.Client.Locations(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return core.NewStruct(map[string]any{"locations": locations})
}

func (s *service) GetWinterizeStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account, err := s.account(req)
	if err != nil {
		return nil, err
	}
	location, err := core.StringArg(req, "location_id", true)
	if err != nil {
		return nil, err
	}
	winterize, err := account.Client.WinterizeStatus(ctx, location)
	if err != nil {
		return nil, grpcError(err)
	}
	return core.NewStruct(map[string]any{"winterize": winterize})
}

func (s *service) send(ctx context.Context, req *structpb.Struct, cmd Command) (*structpb.Struct, error) {
	account, device, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	result, err := account.Client.SendCommand(ctx, device.Key(), cmd)
	if err != nil {
		return nil, grpcError(err)
	}
	account.Coordinator.RequestRefresh()
	return core.NewStruct(map[string]any{"device_id": device.Key(), "result": result})
}

// resolve finds the device named by device_id, optionally within account.
func (s *service) resolve(req *structpb.Struct) (*Account, Device, error) {
	id, err := core.StringArg(req, "device_id", true)
	if err != nil {
		return nil, Device{}, err
	}
	name, err := core.StringArg(req, "account", false)
	if err != nil {
		return nil, Device{}, err
	}
	if name == "" {
		account, device, err := s.accounts.FindDevice(id)
		if err != nil {
			return nil, Device{}, grpcError(err)
		}
		return account, device, nil
	}
	account, ok := s.accounts.Get(name)
	if !ok {
		return nil, Device{}, status.Errorf(codes.NotFound, "account %q not found", name)
	}
	device, err := account.Coordinator.Device(id)
	if err != nil {
		return nil, Device{}, grpcError(err)
	}
	return account, device, nil
}

// account picks the named account, or the only one when just one is configured.
func (s *service) account(req *structpb.Struct) (*Account, error) {
	name, err := core.StringArg(req, "account", false)
	if err != nil {
		return nil, err
	}
	if name != "" {
		account, ok := s.accounts.Get(name)
		if !ok {
			return nil, status.Errorf(codes.NotFound, "account %q not found", name)
		}
		return account, nil
	}
	accounts := s.accounts.List()
	switch len(accounts) {
	case 0:
		return nil, status.Error(codes.FailedPrecondition, "no accounts configured")
	case 1:
		return accounts[0], nil
	default:
		return nil, status.Error(codes.InvalidArgument, "account is required when several accounts are configured")
	}
}

func grpcError(err error) error {
	var limitErr rate.LimitError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apierr.ErrDeviceNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, apierr.ErrAuthentication):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.As(err, &limitErr):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, apierr.ErrConnectivity), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const structType = ".google.protobuf.Struct"

// UnaryFunc handles one RPC. Requests and responses are google.protobuf.Struct
// so services need no generated code.
type UnaryFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// Method is one RPC of a Service.
type Method struct {
	Name    string
	Handler UnaryFunc
}

// Service is a gRPC service whose methods all take and return Struct.
type Service struct {
	// Name is fully qualified, e.g. "moenhome.v1.FaucetService".
	Name string
	// File is the descriptor path reported through reflection.
	File    string
	Methods []Method
}

// RegisterService registers the descriptor with the global registry, so server
// reflection and grpcurl can describe it, and mounts the handlers.
func RegisterService(server *grpc.Server, svc Service) error {
	if err := registerDescriptor(svc); err != nil {
		return err
	}

	desc := grpc.ServiceDesc{
		ServiceName: svc.Name,
		HandlerType: (*any)(nil),
		Metadata:    svc.File,
	}
	for _, m := range svc.Methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.Name,
			Handler:    unaryHandler(svc.Name, m.Name, m.Handler),
		})
	}
	server.RegisterService(&desc, struct{}{})
	return nil
}

func unaryHandler(service, method string, fn UnaryFunc) grpc.MethodHandler {
	fullMethod := "/" + service + "/" + method
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, in)
		}
		info := &grpc.UnaryServerInfo{FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(ctx, req.(*structpb.Struct))
		})
	}
}

func registerDescriptor(svc Service) error {
	if _, err := protoregistry.GlobalFiles.FindFileByPath(svc.File); err == nil {
		return nil
	}

	idx := strings.LastIndex(svc.Name, ".")
	if idx <= 0 {
		return fmt.Errorf("service name %q must be package qualified", svc.Name)
	}
	pkg, name := svc.Name[:idx], svc.Name[idx+1:]

	sdp := &descriptorpb.ServiceDescriptorProto{Name: proto.String(name)}
	for _, m := range svc.Methods {
		sdp.Method = append(sdp.Method, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.Name),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		})
	}
	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(svc.File),
		Package:    proto.String(pkg),
		Dependency: []string{"google/protobuf/struct.proto"},
		Service:    []*descriptorpb.ServiceDescriptorProto{sdp},
		Syntax:     proto.String("proto3"),
	}

	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		return fmt.Errorf("build descriptor %s: %w", svc.File, err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		return fmt.Errorf("register descriptor %s: %w", svc.File, err)
	}
	return nil
}

// NewStruct converts any JSON-marshalable value into a Struct. Values that are
// not JSON objects are wrapped as {"items": value}.
func NewStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		fields = map[string]any{"items": decoded}
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// StringArg reads a string field. Missing required fields are InvalidArgument.
func StringArg(req *structpb.Struct, name string, required bool) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok || v.GetKind() == nil {
		if required {
			return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
		}
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "%s must be a string", name)
	}
	if required && strings.TrimSpace(s.StringValue) == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return s.StringValue, nil
}

// NumberArg reads a numeric field, returning fallback when it is absent.
func NumberArg(req *structpb.Struct, name string, fallback float64) (float64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return fallback, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || math.IsNaN(n.NumberValue) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
	return n.NumberValue, nil
}

// RequiredNumberArg is NumberArg without a fallback.
func RequiredNumberArg(req *structpb.Struct, name string) (float64, error) {
	if _, ok := req.GetFields()[name]; !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return NumberArg(req, name, 0)
}

// IntArg reads a whole number field.
func IntArg(req *structpb.Struct, name string, fallback int) (int, error) {
	f, err := NumberArg(req, name, float64(fallback))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a whole number", name)
	}
	return int(f), nil
}

// BoolArg reads a required boolean field.
func BoolArg(req *structpb.Struct, name string) (bool, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return false, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, status.Errorf(codes.InvalidArgument, "%s must be a boolean", name)
	}
	return b.BoolValue, nil
}

package main

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akhenakh/zarrlayer/layer"
)

// ValueServiceServer answers point and profile queries. Requests and
// responses use well-known types:
//
//	GetValue:   Struct {"latitude": n, "longitude": n} -> DoubleValue
//	GetProfile: ListValue of [lat, lng] lists -> ListValue of [lat, lng, value] lists
type ValueServiceServer interface {
	GetValue(context.Context, *structpb.Struct) (*wrapperspb.DoubleValue, error)
	GetProfile(context.Context, *structpb.ListValue) (*structpb.ListValue, error)
}

const (
	ValueService_GetValue_FullMethodName   = "/zarrlayer.v1.ValueService/GetValue"
	ValueService_GetProfile_FullMethodName = "/zarrlayer.v1.ValueService/GetProfile"
)

func RegisterValueServiceServer(s grpc.ServiceRegistrar, srv ValueServiceServer) {
	s.RegisterService(&ValueService_ServiceDesc, srv)
}

func _ValueService_GetValue_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ValueServiceServer).GetValue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ValueService_GetValue_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ValueServiceServer).GetValue(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _ValueService_GetProfile_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.ListValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ValueServiceServer).GetProfile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ValueService_GetProfile_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ValueServiceServer).GetProfile(ctx, req.(*structpb.ListValue))
	}
	return interceptor(ctx, in, info, handler)
}

var ValueService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "zarrlayer.v1.ValueService",
	HandlerType: (*ValueServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetValue",
			Handler:    _ValueService_GetValue_Handler,
		},
		{
			MethodName: "GetProfile",
			Handler:    _ValueService_GetProfile_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zarrlayer/v1/value.proto",
}

func (s *Service) GetValue(ctx context.Context, req *structpb.Struct) (*wrapperspb.DoubleValue, error) {
	lat, ok := number(req, "latitude")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "a numeric latitude is required")
	}
	lng, ok := number(req, "longitude")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "a numeric longitude is required")
	}
	value, err := s.layer.ValueAt(ctx, lng, lat)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to retrieve value: %v", err)
	}
	if value == layer.NoValue {
		return nil, status.Errorf(codes.NotFound, "no value at %v, %v", lat, lng)
	}
	return wrapperspb.Double(value), nil
}

func (s *Service) GetProfile(ctx context.Context, req *structpb.ListValue) (*structpb.ListValue, error) {
	values := req.GetValues()
	if len(values) < 2 {
		return nil, status.Error(codes.InvalidArgument, "at least two points are required for a profile")
	}
	coords := make([][]float64, len(values))
	for i, v := range values {
		pair := v.GetListValue().GetValues()
		if len(pair) != 2 {
			return nil, status.Errorf(codes.InvalidArgument, "point %d is not a [lat, lng] pair", i)
		}
		coords[i] = []float64{pair[0].GetNumberValue(), pair[1].GetNumberValue()}
	}
	profile, err := s.layer.Profile(ctx, coords)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to generate profile: %v", err)
	}
	points := make([]any, len(profile))
	for i, p := range profile {
		points[i] = []any{p[0], p[1], p[2]}
	}
	resp, err := structpb.NewList(points)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode profile: %v", err)
	}
	return resp, nil
}

func number(s *structpb.Struct, name string) (float64, bool) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

// Copyright 2025 Joseph Cumines
//
// Package grpcapi serves the inspector operations over gRPC.
//
// The service uiinspector.v1.Inspector is declared by hand: every request and
// response is a google.protobuf.Struct holding the same JSON documents the
// MCP and REST surfaces use, so no generated code is needed. PerformAction
// returns a google.longrunning.Operation, served by an in-memory Operations
// store registered on the same server.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joeycumines/uiinspector/internal/action"
	"github.com/joeycumines/uiinspector/internal/inspector"
	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "uiinspector.v1.Inspector"

// Method names of the Inspector service.
const (
	MethodBuildTree          = "BuildTree"
	MethodFindElement        = "FindElement"
	MethodFindElements       = "FindElements"
	MethodGetElementMetadata = "GetElementMetadata"
	MethodPerformAction      = "PerformAction"
	MethodWaitForElement     = "WaitForElement"
	MethodGetStatus          = "GetStatus"
)

// Engine is the set of inspector operations the service exposes.
// *inspector.Engine implements it.
type Engine interface {
	BuildTree(ctx context.Context, forceRefresh bool) (*node.Node, error)
	FindElement(ctx context.Context, identifier, identifierType string) (node.Flat, error)
	FindElements(ctx context.Context, criteria map[string]any, findAll bool) (inspector.FindResult, error)
	GetElementMetadata(ctx context.Context, path string) (node.Flat, error)
	PerformAction(ctx context.Context, req action.Request) action.Result
	WaitForElement(ctx context.Context, criteria map[string]any, timeout time.Duration) (node.Flat, error)
	Status() inspector.Status
}

var _ Engine = (*inspector.Engine)(nil)

// InspectorServer is the server API of uiinspector.v1.Inspector.
type InspectorServer interface {
	BuildTree(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindElement(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindElements(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetElementMetadata(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PerformAction(context.Context, *structpb.Struct) (*longrunningpb.Operation, error)
	WaitForElement(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// unary builds the method descriptor for one InspectorServer method.
func unary[Resp proto.Message](name string, call func(InspectorServer, context.Context, *structpb.Struct) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(InspectorServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes uiinspector.v1.Inspector for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodBuildTree, InspectorServer.BuildTree),
		unary(MethodFindElement, InspectorServer.FindElement),
		unary(MethodFindElements, InspectorServer.FindElements),
		unary(MethodGetElementMetadata, InspectorServer.GetElementMetadata),
		unary(MethodPerformAction, InspectorServer.PerformAction),
		unary(MethodWaitForElement, InspectorServer.WaitForElement),
		unary(MethodGetStatus, InspectorServer.GetStatus),
	},
	Metadata: "uiinspector/v1/inspector.proto",
}

// Service implements InspectorServer over an Engine.
type Service struct {
	engine Engine
	ops    *Operations
}

var _ InspectorServer = (*Service)(nil)

// NewService creates the service. Actions run as operations in ops.
func NewService(engine Engine, ops *Operations) *Service {
	return &Service{engine: engine, ops: ops}
}

// BuildTree takes {"forceRefresh": bool} and returns the tree.
func (s *Service) BuildTree(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	force, _ := req.AsMap()["forceRefresh"].(bool)
	root, err := s.engine.BuildTree(ctx, force)
	if err != nil {
		return nil, err
	}
	return toStruct(root)
}

// FindElement takes {"identifier": string, "identifierType": string}.
func (s *Service) FindElement(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	identifier, _ := m["identifier"].(string)
	identifierType, _ := m["identifierType"].(string)
	if identifierType == "" {
		identifierType = "testID"
	}
	el, err := s.engine.FindElement(ctx, identifier, identifierType)
	if err != nil {
		return nil, err
	}
	return toStruct(el)
}

// FindElements takes {"criteria": object, "findAll": bool}.
func (s *Service) FindElements(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	criteria, _ := m["criteria"].(map[string]any)
	findAll, _ := m["findAll"].(bool)
	res, err := s.engine.FindElements(ctx, criteria, findAll)
	if err != nil {
		return nil, err
	}
	return toStruct(res)
}

// GetElementMetadata takes {"path": string}. A missing path names the root.
func (s *Service) GetElementMetadata(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	path, _ := req.AsMap()["path"].(string)
	el, err := s.engine.GetElementMetadata(ctx, path)
	if err != nil {
		return nil, err
	}
	return toStruct(el)
}

// PerformAction takes {"action": string, "path": string, "parameters":
// object, "wait": bool} and starts an operation. With wait set, the returned
// operation is already done. The operation response is the action result;
// a failed action sets the operation error instead.
func (s *Service) PerformAction(ctx context.Context, req *structpb.Struct) (*longrunningpb.Operation, error) {
	m := req.AsMap()
	kind, _ := m["action"].(string)
	path, ok := m["path"].(string)
	if !ok {
		return nil, uierror.New(uierror.InvalidParameters, "perform action", "path is required")
	}
	params, _ := m["parameters"].(map[string]any)
	wait, _ := m["wait"].(bool)

	metadata, err := structpb.NewStruct(map[string]any{
		"action":    kind,
		"path":      path,
		"startTime": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}

	areq := action.Request{Kind: action.Kind(kind), TargetPath: path, Parameters: params}
	op, err := s.ops.Start(metadata, func(ctx context.Context) (proto.Message, error) {
		res := s.engine.PerformAction(ctx, areq)
		if !res.OK {
			return nil, res.Err(path)
		}
		return toStruct(res)
	})
	if err != nil || !wait {
		return op, err
	}
	return s.ops.Wait(ctx, op.GetName())
}

// WaitForElement takes {"criteria": object, "timeout": seconds}.
func (s *Service) WaitForElement(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	criteria, _ := m["criteria"].(map[string]any)
	var timeout time.Duration
	if secs, ok := m["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	el, err := s.engine.WaitForElement(ctx, criteria, timeout)
	if err != nil {
		return nil, err
	}
	return toStruct(el)
}

// GetStatus returns the engine status.
func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.engine.Status())
}

// toStruct converts a JSON object encodable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	st := new(structpb.Struct)
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("converting response: %w", err)
	}
	return st, nil
}

// fromStruct decodes a Struct into dst through its JSON form.
func fromStruct(st *structpb.Struct, dst any) error {
	data, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

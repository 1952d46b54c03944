// Copyright 2025 Joseph Cumines
//
// Client for the Inspector gRPC service

package grpcapi

import (
	"context"
	"fmt"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joeycumines/uiinspector/internal/action"
	"github.com/joeycumines/uiinspector/internal/inspector"
	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/server/tools"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// Client calls the Inspector and Operations services. Errors carrying an
// engine error kind are returned as *uierror.Error.
type Client struct {
	cc  grpc.ClientConnInterface
	ops longrunningpb.OperationsClient
}

// NewClient creates a client over an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, ops: longrunningpb.NewOperationsClient(cc)}
}

// Dial connects to address without transport security.
func Dial(address string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}
	return NewClient(conn), conn, nil
}

// Operations returns a polling client for the Operations service.
func (c *Client) Operations() *tools.OperationClient {
	return &tools.OperationClient{Client: c.ops}
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any, out proto.Message) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return uierror.Wrap(uierror.InvalidParameters, method, err)
	}
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, req map[string]any, dst any) error {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, req, out); err != nil {
		return err
	}
	if err := fromStruct(out, dst); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}

// fromStatus recovers the engine error from a status error.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if e := uierror.FromProto(st.Proto()); e != nil {
		return e
	}
	return err
}

// BuildTree returns the full tree.
func (c *Client) BuildTree(ctx context.Context, forceRefresh bool) (*node.Node, error) {
	var root node.Node
	if err := c.call(ctx, MethodBuildTree, map[string]any{"forceRefresh": forceRefresh}, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// FindElement returns the first element whose identifierType property equals
// identifier.
func (c *Client) FindElement(ctx context.Context, identifier, identifierType string) (node.Flat, error) {
	var el node.Flat
	err := c.call(ctx, MethodFindElement, map[string]any{
		"identifier":     identifier,
		"identifierType": identifierType,
	}, &el)
	return el, err
}

// FindElements returns elements matching every criterion.
func (c *Client) FindElements(ctx context.Context, criteria map[string]any, findAll bool) (inspector.FindResult, error) {
	var res inspector.FindResult
	err := c.call(ctx, MethodFindElements, map[string]any{
		"criteria": criteria,
		"findAll":  findAll,
	}, &res)
	if res.Elements == nil {
		res.Elements = []node.Flat{}
	}
	return res, err
}

// GetElementMetadata returns the element at path.
func (c *Client) GetElementMetadata(ctx context.Context, path string) (node.Flat, error) {
	var el node.Flat
	err := c.call(ctx, MethodGetElementMetadata, map[string]any{"path": path}, &el)
	return el, err
}

// WaitForElement waits for an element matching criteria.
func (c *Client) WaitForElement(ctx context.Context, criteria map[string]any, timeout time.Duration) (node.Flat, error) {
	var el node.Flat
	err := c.call(ctx, MethodWaitForElement, map[string]any{
		"criteria": criteria,
		"timeout":  timeout.Seconds(),
	}, &el)
	return el, err
}

// Status returns the server's engine status.
func (c *Client) Status(ctx context.Context) (inspector.Status, error) {
	var st inspector.Status
	err := c.call(ctx, MethodGetStatus, map[string]any{}, &st)
	return st, err
}

// StartAction starts an action and returns its operation. With wait set the
// operation is already done.
func (c *Client) StartAction(ctx context.Context, req action.Request, wait bool) (*longrunningpb.Operation, error) {
	in := map[string]any{
		"action": string(req.Kind),
		"path":   req.TargetPath,
		"wait":   wait,
	}
	if req.Parameters != nil {
		in["parameters"] = req.Parameters
	}
	op := new(longrunningpb.Operation)
	if err := c.invoke(ctx, MethodPerformAction, in, op); err != nil {
		return nil, err
	}
	return op, nil
}

// PerformAction runs an action to completion, polling its operation every
// interval when the server did not finish it in the initial call.
func (c *Client) PerformAction(ctx context.Context, req action.Request, interval time.Duration) (action.Result, error) {
	op, err := c.StartAction(ctx, req, true)
	if err != nil {
		return action.Result{}, err
	}
	if !op.GetDone() {
		if op, err = tools.PollUntilComplete(ctx, c.Operations(), op.GetName(), interval); err != nil && !op.GetDone() {
			return action.Result{}, err
		}
	}
	return OperationResult(op)
}

// OperationResult decodes the action result of a finished operation. A failed
// operation yields a failed result and its *uierror.Error.
func OperationResult(op *longrunningpb.Operation) (action.Result, error) {
	if !op.GetDone() {
		return action.Result{}, fmt.Errorf("operation %s is not done", op.GetName())
	}
	if st := op.GetError(); st != nil {
		e := uierror.FromProto(st)
		return action.Result{
			Stage: action.StageFailed,
			Error: &action.Error{Kind: e.Kind, Message: e.Err.Error()},
		}, e
	}
	var res action.Result
	resp := new(structpb.Struct)
	if err := op.GetResponse().UnmarshalTo(resp); err != nil {
		return res, fmt.Errorf("decoding operation response: %w", err)
	}
	if err := fromStruct(resp, &res); err != nil {
		return res, fmt.Errorf("decoding action result: %w", err)
	}
	return res, nil
}

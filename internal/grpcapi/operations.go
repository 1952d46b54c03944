// Copyright 2025 Joseph Cumines
//
// In-memory google.longrunning.Operations implementation

package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/joeycumines/uiinspector/internal/uierror"
)

const (
	// operationPrefix prefixes every operation name.
	operationPrefix = "operations/"
	// defaultPageSize is used by ListOperations when no page size is given.
	defaultPageSize = 50
	// defaultRetained bounds how many finished operations are kept.
	defaultRetained = 1000
	// maxWait bounds WaitOperation when the request has no timeout.
	maxWait = 60 * time.Second
)

// RunFunc does the work of an operation. Exactly one of the results is used:
// a non-nil error fails the operation, otherwise the message is its response.
type RunFunc func(ctx context.Context) (proto.Message, error)

type operation struct {
	op     *longrunningpb.Operation
	cancel context.CancelFunc
	done   chan struct{}
}

// Operations stores operations in memory and serves them through the
// google.longrunning.Operations API. Finished operations are evicted oldest
// first once more than the retention limit exist.
type Operations struct {
	longrunningpb.UnimplementedOperationsServer

	ctx      context.Context
	cancel   context.CancelFunc
	ops      map[string]*operation
	order    []string
	wg       sync.WaitGroup
	retained int
	mu       sync.Mutex
}

var _ longrunningpb.OperationsServer = (*Operations)(nil)

// NewOperations creates an empty store.
func NewOperations() *Operations {
	ctx, cancel := context.WithCancel(context.Background())
	return &Operations{
		ctx:      ctx,
		cancel:   cancel,
		ops:      make(map[string]*operation),
		retained: defaultRetained,
	}
}

// Start registers a new operation and runs it in the background. The run
// context is independent of the caller and ends on CancelOperation or Close.
func (o *Operations) Start(metadata proto.Message, run RunFunc) (*longrunningpb.Operation, error) {
	op := &longrunningpb.Operation{Name: operationPrefix + uuid.NewString()}
	if metadata != nil {
		md, err := anypb.New(metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding operation metadata: %w", err)
		}
		op.Metadata = md
	}

	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.mu.Unlock()
		return nil, status.Error(codes.Unavailable, "operations store is closed")
	}
	ctx, cancel := context.WithCancel(o.ctx)
	entry := &operation{op: op, cancel: cancel, done: make(chan struct{})}
	o.ops[op.Name] = entry
	o.order = append(o.order, op.Name)
	o.evictLocked()
	snapshot := proto.Clone(op).(*longrunningpb.Operation)
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer cancel()
		resp, err := runSafely(ctx, run)
		o.finish(entry, resp, err)
	}()

	return snapshot, nil
}

func runSafely(ctx context.Context, run RunFunc) (resp proto.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = uierror.New(uierror.Internal, "run operation", "panic: %v", r)
		}
	}()
	return run(ctx)
}

func (o *Operations) finish(entry *operation, resp proto.Message, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case err != nil:
		entry.op.Result = &longrunningpb.Operation_Error{Error: uierror.Proto(err)}
	case resp != nil:
		a, aerr := anypb.New(resp)
		if aerr != nil {
			entry.op.Result = &longrunningpb.Operation_Error{Error: uierror.Proto(aerr)}
			break
		}
		entry.op.Result = &longrunningpb.Operation_Response{Response: a}
	}
	entry.op.Done = true
	close(entry.done)
	o.evictLocked()
}

// evictLocked drops the oldest finished operations beyond the retention
// limit. Running operations are never evicted.
func (o *Operations) evictLocked() {
	excess := len(o.order) - o.retained
	if excess <= 0 {
		return
	}
	kept := o.order[:0]
	for _, name := range o.order {
		if excess > 0 && o.ops[name].op.GetDone() {
			delete(o.ops, name)
			excess--
			continue
		}
		kept = append(kept, name)
	}
	o.order = kept
}

func (o *Operations) lookup(name string) (*operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.ops[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "operation %q not found", name)
	}
	return entry, nil
}

func (o *Operations) snapshot(entry *operation) *longrunningpb.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return proto.Clone(entry.op).(*longrunningpb.Operation)
}

// Wait blocks until the named operation is done or ctx ends, then returns
// its current state.
func (o *Operations) Wait(ctx context.Context, name string) (*longrunningpb.Operation, error) {
	entry, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	return o.snapshot(entry), nil
}

// GetOperation implements longrunningpb.OperationsServer.
func (o *Operations) GetOperation(_ context.Context, req *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	entry, err := o.lookup(req.GetName())
	if err != nil {
		return nil, err
	}
	return o.snapshot(entry), nil
}

// ListOperations implements longrunningpb.OperationsServer. Operations are
// listed oldest first; the page token is an opaque offset.
func (o *Operations) ListOperations(_ context.Context, req *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	if req.GetFilter() != "" {
		return nil, status.Error(codes.InvalidArgument, "filter is not supported")
	}
	offset := 0
	if tok := req.GetPageToken(); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil || n < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid page token %q", tok)
		}
		offset = n
	}
	size := int(req.GetPageSize())
	if size <= 0 {
		size = defaultPageSize
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	resp := &longrunningpb.ListOperationsResponse{}
	if offset >= len(o.order) {
		return resp, nil
	}
	end := min(offset+size, len(o.order))
	for _, name := range o.order[offset:end] {
		resp.Operations = append(resp.Operations, proto.Clone(o.ops[name].op).(*longrunningpb.Operation))
	}
	if end < len(o.order) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	return resp, nil
}

// DeleteOperation implements longrunningpb.OperationsServer. Deleting a
// running operation cancels it.
func (o *Operations) DeleteOperation(_ context.Context, req *longrunningpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.ops[req.GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "operation %q not found", req.GetName())
	}
	entry.cancel()
	delete(o.ops, req.GetName())
	for i, name := range o.order {
		if name == req.GetName() {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	return &emptypb.Empty{}, nil
}

// CancelOperation implements longrunningpb.OperationsServer. Cancellation is
// best effort: an operation that already completed keeps its result.
func (o *Operations) CancelOperation(_ context.Context, req *longrunningpb.CancelOperationRequest) (*emptypb.Empty, error) {
	entry, err := o.lookup(req.GetName())
	if err != nil {
		return nil, err
	}
	entry.cancel()
	return &emptypb.Empty{}, nil
}

// WaitOperation implements longrunningpb.OperationsServer.
func (o *Operations) WaitOperation(ctx context.Context, req *longrunningpb.WaitOperationRequest) (*longrunningpb.Operation, error) {
	timeout := maxWait
	if d := req.GetTimeout(); d != nil {
		if err := d.CheckValid(); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid timeout: %v", err)
		}
		timeout = min(d.AsDuration(), maxWait)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.Wait(ctx, req.GetName())
}

// Close cancels every running operation and waits for them to finish.
func (o *Operations) Close() {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
}

// Copyright 2025 Joseph Cumines
//
// Package tools provides polling helpers shared by the engine, the MCP server
// and the CLI.
//
// Key utilities:
//   - PollUntilComplete: Polls a long-running operation until completion
//   - PollUntilContext: Polls a condition function until success or timeout
//   - WaitForElement: Waits for an element matching criteria to appear

package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"

	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// DefaultPollInterval is used when a zero interval is given.
const DefaultPollInterval = 250 * time.Millisecond

// OperationClient is a client for the Operations API
type OperationClient struct {
	Client longrunningpb.OperationsClient
}

// PollUntilComplete polls an operation until it completes and returns it.
// A failed operation is returned together with its error, decoded from the
// operation status.
func PollUntilComplete(ctx context.Context, client *OperationClient, opName string, interval time.Duration) (*longrunningpb.Operation, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var op *longrunningpb.Operation
	err := PollUntilContext(ctx, interval, func() (bool, error) {
		var err error
		op, err = client.Client.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: opName})
		if err != nil {
			return false, fmt.Errorf("failed to get operation: %w", err)
		}
		return op.GetDone(), nil
	})
	if err != nil {
		return op, err
	}
	if st := op.GetError(); st != nil {
		return op, fmt.Errorf("operation failed: %w", uierror.FromProto(st))
	}
	return op, nil
}

// PollUntilContext polls a condition function until it returns true or the
// context ends. The condition is checked once immediately unless the context
// is already done.
func PollUntilContext(ctx context.Context, interval time.Duration, condition func() (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := condition()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Finder searches a freshly built snapshot for elements matching criteria.
type Finder func(ctx context.Context, criteria map[string]any) ([]node.Flat, error)

// WaitForElement polls find until at least one element matches or timeout
// elapses. Transient find errors (e.g. no root view yet) are retried.
func WaitForElement(ctx context.Context, find Finder, criteria map[string]any, timeout, interval time.Duration) ([]node.Flat, error) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		found   []node.Flat
		lastErr error
	)
	err := PollUntilContext(deadline, interval, func() (bool, error) {
		elements, err := find(deadline, criteria)
		if err != nil {
			lastErr = err
			return false, nil
		}
		found = elements
		return len(elements) > 0, nil
	})
	if err == nil {
		return found, nil
	}
	if ctx.Err() != nil {
		return nil, uierror.Wrap(uierror.Cancelled, "wait for element", ctx.Err())
	}
	if lastErr != nil && !errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, uierror.New(uierror.NotFound, "wait for element",
			"no element matched within %s (last error: %v)", timeout, lastErr)
	}
	return nil, uierror.New(uierror.NotFound, "wait for element", "no element matched within %s", timeout)
}

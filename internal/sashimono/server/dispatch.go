// Package server hosts the admin socket's accept loop and request dispatch.
package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gadget78/sashimono/common/redact"
	"github.com/gadget78/sashimono/internal/sashimono/instance"
	"github.com/gadget78/sashimono/internal/sashimono/protocol"
)

// Dispatcher maps one parsed wire request onto the lifecycle Controller and
// folds its result back into a wire Response (spec.md §4.1, §4.6).
type Dispatcher struct {
	ctrl *instance.Controller
}

// NewDispatcher wires a Dispatcher to the given lifecycle controller.
func NewDispatcher(ctrl *instance.Controller) *Dispatcher {
	return &Dispatcher{ctrl: ctrl}
}

// Dispatch parses payload and runs the matching Controller operation,
// returning a Response ready to frame back to the client. It never returns
// nil: a malformed payload or unknown type is turned into an error Response
// by protocol.ParseRequest itself.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) *protocol.Response {
	req, errResp := protocol.ParseRequest(payload)
	if errResp != nil {
		return errResp
	}

	switch req.Type {
	case protocol.TypeList:
		return d.list(ctx)
	case protocol.TypeCreate:
		return d.create(ctx, req)
	case protocol.TypeDestroy:
		return d.destroy(ctx, req.ContainerName)
	case protocol.TypeStart:
		return d.start(ctx, req.ContainerName)
	case protocol.TypeStop:
		return d.stop(ctx, req.ContainerName)
	case protocol.TypeInspect:
		return d.inspect(ctx, req.ContainerName)
	default:
		return protocol.NewErrorResponse(protocol.TypeError, protocol.ErrUnknownType)
	}
}

func (d *Dispatcher) list(ctx context.Context) *protocol.Response {
	entries, err := d.ctrl.List(ctx)
	if err != nil {
		return errorResponse(protocol.TypeError, err)
	}
	return protocol.NewResultResponse(protocol.TypeListRes, entries)
}

func (d *Dispatcher) create(ctx context.Context, req *protocol.Request) *protocol.Response {
	info, err := d.ctrl.Create(ctx, instance.CreateParams{
		ContainerName:        req.ContainerName,
		OwnerPubkey:          req.OwnerPubkey,
		ContractID:           req.ContractID,
		Image:                req.Image,
		OutboundIPv6:         req.OutboundIPv6,
		OutboundNetInterface: req.OutboundNetInterface,
		ConfigOverlay:        req.Config,
	})
	if err != nil {
		// Create returns a non-nil Info alongside the error only when
		// create_new_instance succeeded and initiate_instance failed
		// afterwards (instance.Controller.Create); the catalog row is left
		// at status `created` in that case (spec.md §4.6).
		if info != nil {
			slog.Error("initiate_instance failed", "container", req.ContainerName,
				"err", redact.String(err.Error(), req.OwnerPubkey))
			return errorResponse(protocol.TypeInitiateError, err)
		}
		slog.Error("create_new_instance failed", "container", req.ContainerName,
			"err", redact.String(err.Error(), req.OwnerPubkey))
		return errorResponse(protocol.TypeCreateError, err)
	}
	return protocol.NewResultResponse(protocol.TypeCreateRes, info)
}

func (d *Dispatcher) destroy(ctx context.Context, containerName string) *protocol.Response {
	if err := d.ctrl.Destroy(ctx, containerName); err != nil {
		return errorResponse(protocol.TypeDestroyError, err)
	}
	return protocol.NewResultResponse(protocol.TypeDestroyRes, nil)
}

func (d *Dispatcher) start(ctx context.Context, containerName string) *protocol.Response {
	info, err := d.ctrl.Start(ctx, containerName)
	if err != nil {
		return errorResponse(protocol.TypeStartError, err)
	}
	return protocol.NewResultResponse(protocol.TypeStartRes, info)
}

func (d *Dispatcher) stop(ctx context.Context, containerName string) *protocol.Response {
	info, err := d.ctrl.Stop(ctx, containerName)
	if err != nil {
		return errorResponse(protocol.TypeStopError, err)
	}
	return protocol.NewResultResponse(protocol.TypeStopRes, info)
}

func (d *Dispatcher) inspect(ctx context.Context, containerName string) *protocol.Response {
	entry, err := d.ctrl.Get(ctx, containerName)
	if err != nil {
		return errorResponse(protocol.TypeInspectError, err)
	}
	return protocol.NewResultResponse(protocol.TypeInspectRes, entry)
}

// errorResponse pulls the wire error tag out of a *instance.LifecycleError,
// falling back to the generic instance_error tag for anything else (spec.md
// §4.6's error-to-code table assumes every domain failure is tagged; this is
// the safety net for ones that slip through untagged, e.g. a raw context
// cancellation).
func errorResponse(responseType string, err error) *protocol.Response {
	if le, ok := err.(*instance.LifecycleError); ok {
		return protocol.NewErrorResponse(responseType, le.Tag)
	}
	return protocol.NewErrorResponse(responseType, protocol.ErrInstance)
}

// marshalOrErrorTag is used by callers that need the raw JSON bytes of a
// Response rather than the struct itself (the connection server writes
// frames, not structs).
func marshalOrErrorTag(resp *protocol.Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		fallback, _ := json.Marshal(protocol.NewErrorResponse(protocol.TypeError, protocol.ErrFormat))
		return fallback
	}
	return data
}

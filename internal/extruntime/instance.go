package extruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/bastionlabs/harbor/internal/capability"
	"github.com/bastionlabs/harbor/internal/ledger"
)

var instanceCounter int64

func nextInstanceName(extensionName string) string {
	n := atomic.AddInt64(&instanceCounter, 1)
	return fmt.Sprintf("%s#%d", extensionName, n)
}

// InvokeRequest describes a single guest call: which prepared module,
// which export, what input, and the per-invocation collaborators (ledger,
// secret store, HTTP dispatch) the host ABI closes over.
type InvokeRequest struct {
	Module    *PreparedModule
	Export    string
	Input     []byte
	Ledger    *ledger.Ledger
	Secrets   SecretStore
	Workspace WorkspaceReader
	Logger    *slog.Logger
	Deadline  time.Duration // falls back to the module's channel callback_timeout, then DefaultCallbackTimeout
	FuelLimit int64         // falls back to DefaultFuelBudget
	HTTPDo    func(ctx context.Context, req outboundRequest) (outboundResponse, error)
}

// InvokeResult carries the guest's return payload. The caller is
// responsible for draining req.Ledger on success; a non-nil error means
// the invocation must be treated as if it never ran and the ledger must
// be discarded instead.
type InvokeResult struct {
	Output []byte
}

// Invoke instantiates a fresh copy of a prepared module, runs one guest
// export to completion under a wall-clock deadline and a defensive
// host-ABI-call budget, and returns its output. Every instantiation is
// independent linear memory; nothing survives between calls except what
// the ledger captured, and only on success.
//
// wazero does not expose per-opcode fuel metering the way wasmtime does,
// so FuelLimit/DefaultFuelBudget approximates an instruction budget by
// counting host ABI calls per invocation instead of guest instructions.
// This is a coarser bound — a guest that loops without ever calling the
// host ABI will not trip it — and is documented as such rather than
// pretended to be true fuel metering.
func (r *Registry) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	if req.Module == nil {
		return InvokeResult{}, errors.New("extruntime: Invoke requires a prepared module")
	}
	if req.Ledger == nil {
		return InvokeResult{}, errors.New("extruntime: Invoke requires a ledger")
	}
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = callbackTimeoutFor(req.Module.Cap)
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	fuelLimit := req.FuelLimit
	if fuelLimit <= 0 {
		fuelLimit = DefaultFuelBudget
	}

	env := &invocationEnv{
		name:      req.Module.Name,
		cap:       req.Module.Cap,
		ledger:    req.Ledger,
		secrets:   req.Secrets,
		workspace: req.Workspace,
		logger:    logger,
		fuelLimit: fuelLimit,
		httpDo:    req.HTTPDo,
	}
	callCtx = withInvocationEnv(callCtx, env)

	modConfig := wazero.NewModuleConfig().
		WithName(nextInstanceName(req.Module.Name)).
		WithStartFunctions() // guests never get an implicit _start call here

	instance, err := r.runtime.InstantiateModule(callCtx, req.Module.compiled, modConfig)
	if err != nil {
		req.Ledger.Discard()
		return InvokeResult{}, classifyErr(req.Module.Name, callCtx, err)
	}
	defer instance.Close(ctx)

	exportFn := instance.ExportedFunction(req.Export)
	if exportFn == nil {
		req.Ledger.Discard()
		return InvokeResult{}, &MissingExportError{Name: req.Module.Name, Export: req.Export}
	}

	inPtr, err := writeToGuest(callCtx, instance, req.Input)
	if err != nil {
		req.Ledger.Discard()
		return InvokeResult{}, &GuestFailureError{Class: ClassInvalidIO, Name: req.Module.Name, Message: err.Error()}
	}

	results, err := exportFn.Call(callCtx, uint64(inPtr), uint64(len(req.Input)))
	if err != nil {
		req.Ledger.Discard()
		return InvokeResult{}, classifyErr(req.Module.Name, callCtx, err)
	}
	if len(results) != 1 {
		req.Ledger.Discard()
		return InvokeResult{}, &GuestFailureError{Class: ClassInvalidIO, Name: req.Module.Name, Message: "export returned no packed pointer"}
	}

	outPtr, outLen := unpackPtrLen(results[0])
	out, err := readFromGuest(instance, outPtr, outLen)
	if err != nil {
		req.Ledger.Discard()
		return InvokeResult{}, &GuestFailureError{Class: ClassInvalidIO, Name: req.Module.Name, Message: err.Error()}
	}

	return InvokeResult{Output: out}, nil
}

func callbackTimeoutFor(cs *capability.CapabilitySet) time.Duration {
	if cs != nil && cs.Channel != nil && cs.Channel.CallbackTimeout > 0 {
		return cs.Channel.CallbackTimeout
	}
	return capability.DefaultCallbackTimeout
}

// classifyErr turns a wazero instantiation/call error into a
// GuestFailureError with the best-available class: a deadline hit
// classifies as a timeout, a panic carrying our own budget message
// classifies as a resource limit, anything else is a guest trap.
func classifyErr(name string, ctx context.Context, err error) error {
	var guestErr *GuestFailureError
	if errors.As(err, &guestErr) {
		return guestErr
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &GuestFailureError{Class: ClassTimeout, Name: name, Message: err.Error()}
	}
	if strings.Contains(err.Error(), "instruction budget exceeded") {
		return &GuestFailureError{Class: ClassResourceLimit, Name: name, Message: err.Error()}
	}
	return &GuestFailureError{Class: ClassTrap, Name: name, Message: err.Error()}
}

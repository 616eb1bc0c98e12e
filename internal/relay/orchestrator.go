package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"streamrelay/internal/observability/metrics"
)

// PipelineBuilder launches a relay pipeline for a descriptor. It is satisfied
// by *Builder and by fakes in tests.
type PipelineBuilder interface {
	Build(ctx context.Context, desc Descriptor, sourceURL string, notifyTarget int64) (Pipeline, error)
}

// Orchestrator coordinates the descriptor store, the session registry, and
// the pipeline builder under concurrent command invocations. Every command
// returns a short human-readable status string for the requesting user; only
// failures that prevented the command from taking effect surface as errors.
//
// The store and registry are the only shared mutable state; their locks are
// scoped to map mutations, so spawning, killing, copying, and metadata
// fetches all happen with no lock held and never block unrelated rooms.
type Orchestrator struct {
	store    DescriptorStore
	registry *Registry
	builder  PipelineBuilder
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewOrchestrator wires the orchestrator's collaborators. logger and recorder
// may be nil, in which case the process defaults are used.
func NewOrchestrator(store DescriptorStore, registry *Registry, builder PipelineBuilder, logger *slog.Logger, recorder *metrics.Recorder) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		builder:  builder,
		logger:   logger,
		metrics:  recorder,
	}
}

// StartSession displaces any session the room already has, builds a new
// pipeline, and registers it. A failed build leaves the room idle: the old
// session, once taken, is terminated regardless of the new build's outcome,
// and no half-built handle is ever installed.
func (o *Orchestrator) StartSession(ctx context.Context, roomID int64, sourceURL string) (string, error) {
	desc, ok := o.store.Get(roomID)
	if !ok {
		return "relay is not configured for this room.", nil
	}
	if strings.TrimSpace(desc.Credential) == "" {
		return "push credential is not set.", nil
	}

	var advisory string
	old, hadOld := o.registry.Take(roomID)
	if hadOld {
		if err := old.Terminate(ctx); err != nil {
			o.metrics.TerminateError()
			o.logger.Warn("previous session termination failed", "room_id", roomID, "error", err)
			advisory = fmt.Sprintf(" Previous session cleanup reported: %v.", err)
		}
	}

	p, err := o.builder.Build(ctx, desc, sourceURL, roomID)
	if err != nil {
		var spawn *SpawnError
		if errors.As(err, &spawn) {
			o.metrics.SpawnFailure(spawn.Process)
		}
		return "", fmt.Errorf("start relay: %w", err)
	}

	if displaced, raced := o.registry.Replace(roomID, p); raced {
		// A concurrent start for the same room installed its pipeline
		// between our take and replace. The displaced handle still must
		// be terminated exactly once.
		if err := displaced.Terminate(ctx); err != nil {
			o.metrics.TerminateError()
			o.logger.Warn("displaced session termination failed", "room_id", roomID, "error", err)
		}
	}

	if hadOld {
		o.metrics.SessionReplaced()
	} else {
		o.metrics.SessionStarted()
	}
	o.logger.Info("session started", "room_id", roomID, "url", sourceURL, "replaced", hadOld)
	return "relay started." + advisory, nil
}

// EndSession takes the room's pipeline out of the registry and terminates it.
// Termination failures are advisory: the slot is already cleared and a
// subsequent start is never blocked.
func (o *Orchestrator) EndSession(ctx context.Context, roomID int64) (string, error) {
	p, ok := o.registry.Take(roomID)
	if !ok {
		return "no relay is currently live.", nil
	}
	o.metrics.SessionStopped()
	o.logger.Info("session ended", "room_id", roomID)
	if err := p.Terminate(ctx); err != nil {
		o.metrics.TerminateError()
		o.logger.Warn("session termination failed", "room_id", roomID, "error", err)
		return fmt.Sprintf("relay ended, but process termination reported: %v.", err), nil
	}
	return "relay ended.", nil
}

// SetCredential stores the push credential for the room, creating the
// descriptor when absent.
func (o *Orchestrator) SetCredential(ctx context.Context, roomID int64, credential string) (string, error) {
	if _, err := o.store.SetCredential(roomID, credential); err != nil {
		return "", fmt.Errorf("save credential: %w", err)
	}
	return "push credential saved.", nil
}

// SetTransport selects RTMP or SRT push addressing for the room.
func (o *Orchestrator) SetTransport(ctx context.Context, roomID int64, transport Transport) (string, error) {
	if !transport.Valid() {
		return "", fmt.Errorf("unsupported transport %q", transport)
	}
	if _, err := o.store.SetTransport(roomID, transport); err != nil {
		return "", fmt.Errorf("save transport: %w", err)
	}
	return fmt.Sprintf("transport set to %s.", transport), nil
}

// SetArguments replaces the room's pull-argument list wholesale.
func (o *Orchestrator) SetArguments(ctx context.Context, roomID int64, args []string) (string, error) {
	desc, err := o.store.SetArguments(roomID, args)
	if err != nil {
		return "", fmt.Errorf("save arguments: %w", err)
	}
	if desc.Credential == "" {
		return "pull arguments saved; push credential still unset.", nil
	}
	return "pull arguments saved.", nil
}

// SetNiconicoSession is a preset that fills the argument list with the
// niconico user-session flag in one call.
func (o *Orchestrator) SetNiconicoSession(ctx context.Context, roomID int64, session string) (string, error) {
	return o.SetArguments(ctx, roomID, []string{"--niconico-user-session", session})
}

// ClearArguments empties the room's pull-argument list, leaving the
// credential untouched. A room with no descriptor is a no-op.
func (o *Orchestrator) ClearArguments(ctx context.Context, roomID int64) (string, error) {
	if _, _, err := o.store.ClearArguments(roomID); err != nil {
		return "", fmt.Errorf("clear arguments: %w", err)
	}
	return "pull arguments cleared.", nil
}

// RoomStatus is a read-only snapshot of a room's configuration and liveness.
// The credential itself is never exposed, only whether one is set.
type RoomStatus struct {
	Configured    bool      `json:"configured"`
	Args          []string  `json:"args,omitempty"`
	CredentialSet bool      `json:"credentialSet"`
	Transport     Transport `json:"transport,omitempty"`
	Live          bool      `json:"live"`
}

// Status reports the room's descriptor snapshot and whether a session is
// registered. Side-effect free.
func (o *Orchestrator) Status(ctx context.Context, roomID int64) RoomStatus {
	status := RoomStatus{Live: o.registry.Exists(roomID)}
	desc, ok := o.store.Get(roomID)
	if !ok {
		return status
	}
	status.Configured = true
	status.Args = append([]string(nil), desc.Args...)
	status.CredentialSet = desc.Credential != ""
	status.Transport = desc.Transport
	return status
}

// Package docsync builds DocumentService instances from a Config and offers
// typed helpers over record state.
package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/local"
	"github.com/mesh-intelligence/docsync/internal/memory"
	"github.com/mesh-intelligence/docsync/internal/remote"
	"github.com/mesh-intelligence/docsync/internal/transport"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Version is the docsync release.
const Version = "0.1.0"

// Option tunes New.
type Option func(*options)

type options struct {
	clientID string
	logger   *slog.Logger
}

// WithClientID fixes the client id of the service. By default every
// service gets a fresh one.
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// WithLogger sets the logger of the service and its backend.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

var processHub = sync.OnceValue(func() *broadcast.Hub { return broadcast.NewHub(nil) })

// New returns the DocumentService selected by cfg.Backend. Local services of
// one process share a broadcast hub, so they see each other's edits,
// presence and activity.
func New(cfg types.Config, opts ...Option) (types.DocumentService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	switch cfg.Backend {
	case types.BackendMemory:
		return memory.New(memory.Options{
			ClientID:   o.clientID,
			AutoCreate: cfg.AutoCreate,
			Logger:     o.logger,
		}), nil
	case types.BackendLocal:
		svc, err := local.New(local.Options{
			ClientID:   o.clientID,
			DataDir:    cfg.DataDir,
			Hub:        processHub(),
			AutoCreate: cfg.AutoCreate,
			Presence:   cfg.Presence,
			Logger:     o.logger,
		})
		if err != nil {
			return nil, err
		}
		return svc, nil
	case types.BackendRemote:
		tr, err := transport.New(cfg.RemoteURL, transport.Options{Token: cfg.Token, Logger: o.logger})
		if err != nil {
			return nil, err
		}
		return remote.New(remote.Options{
			ClientID:  o.clientID,
			Transport: tr,
			Presence:  cfg.Presence,
			Logger:    o.logger,
		}), nil
	}
	return nil, types.ErrBackendUnknown
}

// WaitForData opens a data subscription on doc and blocks until the data
// channel is LOADED or ERROR, or ctx is done. The returned release closes
// the subscription; callers that keep working with doc should hold it.
func WaitForData(ctx context.Context, svc types.DocumentService, doc types.DocumentRef) (release func(), err error) {
	offState := svc.OnStateChange(doc, func(types.DocumentRef) {})
	ready := make(chan types.DataStatus, 1)
	offStatus := svc.OnStatusChange(doc, func(st types.DocumentStatus) {
		if st.Data.Load == types.LoadLoaded || st.Data.Load == types.LoadError {
			select {
			case ready <- st.Data:
			default:
			}
		}
	})
	defer offStatus()

	select {
	case st := <-ready:
		if st.Load == types.LoadError {
			offState()
			if st.Error == nil {
				return nil, fmt.Errorf("loading document %s failed", doc.ID())
			}
			return nil, fmt.Errorf("loading document %s: %w", doc.ID(), st.Error)
		}
		return offState, nil
	case <-ctx.Done():
		offState()
		return nil, ctx.Err()
	}
}

// WaitForMetadata loads the metadata of doc, waiting until it is available,
// fails to load, or ctx is done.
func WaitForMetadata(ctx context.Context, svc types.DocumentService, doc types.DocumentRef) (types.DocumentMetadata, error) {
	got := make(chan types.DocumentMetadata, 1)
	failed := make(chan error, 1)
	offMeta := svc.OnMetadataChange(doc, func(md types.DocumentMetadata) {
		select {
		case got <- md:
		default:
		}
	})
	defer offMeta()
	offStatus := svc.OnStatusChange(doc, func(st types.DocumentStatus) {
		if st.Metadata.Load != types.LoadError {
			return
		}
		err := st.Metadata.Error
		if err == nil {
			err = fmt.Errorf("loading metadata of %s failed", doc.ID())
		}
		select {
		case failed <- err:
		default:
		}
	})
	defer offStatus()

	select {
	case md := <-got:
		return md, nil
	case err := <-failed:
		return types.DocumentMetadata{}, fmt.Errorf("loading metadata of %s: %w", doc.ID(), err)
	case <-ctx.Done():
		return types.DocumentMetadata{}, ctx.Err()
	}
}

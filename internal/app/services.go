package app

import (
	"context"
	"fmt"

	"github.com/olla-mesh/streamrouter/internal/binder"
	"github.com/olla-mesh/streamrouter/internal/router"
	"github.com/olla-mesh/streamrouter/internal/server"
)

// routerGroupService wraps one router's Binder and Router as a single
// ManagedService: starting it is a no-op (the Binder starts its
// Resolvers lazily, on first Get), stopping it drains in-flight Duplex
// tasks up to drainDeadline before tearing down the Binder's Resolver
// subscriptions.
type routerGroupService struct {
	name          string
	binder        *binder.Binder
	router        *router.Router
	drainDeadline func() context.Context
}

func (s *routerGroupService) Name() string                    { return s.name }
func (s *routerGroupService) Dependencies() []string          { return nil }
func (s *routerGroupService) Start(ctx context.Context) error { return nil }

func (s *routerGroupService) Stop(ctx context.Context) error {
	drainCtx := ctx
	if s.drainDeadline != nil {
		drainCtx = s.drainDeadline()
	}
	_ = s.router.WaitContext(drainCtx)
	s.binder.Shutdown()
	return nil
}

// acceptorService wraps one Acceptor as a ManagedService, depending on
// its router group so the group (and the Resolver it will lazily start
// on first connection) exists before the listener opens, and so the
// listener closes before the group starts draining in-flight streams.
type acceptorService struct {
	svcName  string
	acceptor *Acceptor
	dependsOn string
}

// Acceptor is the subset of *server.Acceptor this package depends on,
// named locally so acceptorService reads clearly without importing the
// server package's type into every call site.
type Acceptor = server.Acceptor

func newAcceptorService(name string, a *Acceptor, dependsOn string) *acceptorService {
	return &acceptorService{svcName: name, acceptor: a, dependsOn: dependsOn}
}

func (s *acceptorService) Name() string           { return s.svcName }
func (s *acceptorService) Dependencies() []string { return []string{s.dependsOn} }
func (s *acceptorService) Start(ctx context.Context) error {
	return s.acceptor.Start(ctx)
}
func (s *acceptorService) Stop(ctx context.Context) error {
	s.acceptor.Stop()
	return nil
}

// routerGroupName and acceptorName give the ServiceManager's
// dependency graph stable, human-readable node names.
func routerGroupName(label string) string { return fmt.Sprintf("router-%s", label) }
func acceptorName(label string, index int) string {
	return fmt.Sprintf("acceptor-%s-%d", label, index)
}

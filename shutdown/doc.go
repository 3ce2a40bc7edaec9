// Package shutdown stops the parts of a fragkit process in order.
//
// Handlers are registered in phases. Lower phases stop first and handlers
// of one phase stop concurrently:
//
//	coord, _ := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterWithPhase("pool", pool, shutdown.PhaseWorkers)
//	coord.RegisterWithPhase("catalog", shutdown.Closer(index), shutdown.PhaseFlush)
//	coord.RegisterWithPhase("bus", shutdown.Closer(b), shutdown.PhaseTransport)
//	coord.HandleSignals()
//	<-coord.Done()
//
// Stopping workers first lets in-flight fragments be reported while the
// checkpoint store and the bus are still open.
package shutdown

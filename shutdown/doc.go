// Package shutdown stops fleetwatchd in phases.
//
// Components register a Handler under a phase number. On SIGINT, SIGTERM or
// an explicit Shutdown call the coordinator runs the phases in ascending
// order; handlers that share a phase run concurrently, and the whole
// sequence is bounded by one grace period.
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Grace: 10 * time.Second})
//	coord.RegisterFunc("http", srv.Shutdown, shutdown.PhaseIngress)
//	coord.RegisterFunc("sweep", sched.Stop, shutdown.PhaseSchedulers)
//	coord.RegisterWithPhase("store", shutdown.Closer(st), shutdown.PhaseStorage)
//	coord.HandleSignals()
//	<-coord.Done()
//
// A handler that panics is reported as failed with a PANIC error and does
// not stop the other handlers of its phase.
package shutdown

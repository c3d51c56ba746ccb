// Package shutdown orders the teardown of a kvmirror process.
//
// Mirrors hold unsaved state in memory until their debounce interval
// elapses, so a process that exits on SIGTERM without closing them loses the
// last writes. The Coordinator runs registered handlers phase by phase:
//
//	PhaseRelay     (10)  stop relaying events to the bus
//	PhaseMirror    (20)  final flush and lease release of every Mirror
//	PhaseStore     (30)  close store connections
//	PhaseTelemetry (40)  flush pending spans and event journals
//
// Handlers in the same phase run concurrently; lower phases finish first.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals()
//
//	coord.RegisterWithPhase("mirror:app.state", m, shutdown.PhaseMirror)
//	coord.RegisterFuncWithPhase("store", func(context.Context) error {
//	    return st.Close()
//	}, shutdown.PhaseStore)
//
//	<-coord.Done()
//
// A handler that panics is reported as a failed handler instead of taking
// the process down mid-shutdown.
package shutdown

// Package node assembles a Dispersy node.
//
// A Node owns the persistence backend, the UDP transport, the member key, the
// scheduler and the dispersy engine, all built from a config.Config. Init
// opens them and loads the communities stored with the auto-load flag. When
// the demo community is enabled, Init also creates it, or joins the one whose
// master public key is configured.
//
// Run
//
// Every engine operation executes on one scheduler goroutine. Run starts three
// goroutines in an errgroup: the scheduler itself, a pump handing the packets
// read by the transport to the engine, and the optional HTTP service. The
// first one to fail, or the cancellation of the context, stops the others;
// the transport and the store are closed afterwards.
//
// Other goroutines reach the engine through Call, which runs a function as a
// scheduler task and waits for its result.
package node

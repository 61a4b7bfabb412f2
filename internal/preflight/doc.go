// Package preflight checks that the machine can build an index before a
// build starts: free disk space and write access in the data directory, a
// readable bank, enough file descriptors, and a reachable embedder.
//
// A full run is what `evidx doctor` prints. Rebuilds run the required
// checks once per data directory and leave a marker behind:
//
//	checker := preflight.New()
//	results := checker.RunAll(ctx, preflight.Target{BankRoot: root, DataDir: data})
//	if checker.HasCriticalFailures(results) {
//	    // refuse to build
//	}
package preflight

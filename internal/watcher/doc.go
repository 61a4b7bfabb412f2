// Package watcher turns file system activity in a bank into debounced
// batches of create, modify and delete events.
//
// fsnotify is the primary source; when it cannot be initialised (network
// mounts, some container volumes) the watcher falls back to polling. Paths
// are filtered before debouncing so the index data directory and files of
// unsupported kinds never produce events.
//
//	w, err := watcher.NewHybridWatcher(watcher.Options{Filter: scanner.Filter()})
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//	go func() { _ = w.Start(ctx, bankRoot) }()
//	for batch := range w.Events() {
//	    // reprocess or remove each path
//	}
package watcher

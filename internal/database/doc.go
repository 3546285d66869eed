// Package database provides the SQLite journal of proxy lifecycle events.
//
// Every state transition of the proxy manager is stored as one row, which
// lets the status command show what a long running `onionproxy run`
// process did (for example a watchdog restart or a listener that died)
// without attaching to its log output.
//
// Design decision: We use SQLite (via modernc.org/sqlite) because the
// journal is a single file next to the Tor state, and the CGO-free driver
// keeps cross-compilation simple.
package database

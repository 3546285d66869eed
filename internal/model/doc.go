// Package model defines the value types shared by the onionproxy packages.
//
//   - State: the lifecycle state of the local proxy manager
//   - Event: one recorded state transition
//   - Route: the transport chosen for an outgoing request
//   - BridgeProtocol: the pluggable transport of a bridge
//   - StatusReport: the snapshot rendered by the status command
//   - ServicePhase, ServiceStatus: the state of a hosted onion service
//
// Design decision: these types live in their own package because the
// manager, the transport selector, the journal and the report writers all
// need them, and none of those packages should import another just for a
// type definition.
package model

// Package cluster holds the vocabulary shared by every volrep service: node
// and placement records, the volume protocol messages, the wire error codes,
// and the HTTP+JSON clients that carry them.
//
// # Overview
//
// A volrep deployment has one placement service and a set of node services.
// Each node hosts replicas of volumes and may act as the write coordinator
// for some of them:
//
//	              ┌──────────────┐
//	              │  Placement   │
//	              │ - Volumes    │
//	              │ - Node dir   │
//	              │ - Health mon │
//	              └──────┬───────┘
//	                     │ lookup / resolve
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	│ coord(v1) │◄┤ replica   │ │ replica   │
//	│ replica   ├►│ (v1)      │ │ (v1)      │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Communication Protocol
//
// All calls are POST with a JSON body and a JSON reply. Protocol failures are
// reported inside the reply as an ErrorCode rather than as an HTTP status, so
// a replica can reject a request and still return data (for example the
// coordinator it follows when rejecting an open). Transport failures and
// non-2xx statuses surface as ordinary errors.
//
// Replica endpoints:
//   - /volumes/{id}/open       OpenVolumeRequest → OpenVolumeResponse
//   - /volumes/{id}/groupinfo  GroupInfo → GroupInfoResponse
//   - /volumes/{id}/write      WriteRequest → WriteResponse
//   - /volumes/{id}/read       ReadRequest → ReadResponse
//
// Coordinator endpoints:
//   - /groups/{id}/add     AddToGroupRequest → AddToGroupResponse
//   - /groups/{id}/switch  SwitchCoordinatorRequest → SwitchCoordinatorResponse
//
// Placement endpoints:
//   - /register, /nodes, /resolve/{node}, /placement/{volume}, /volumes/assign
//
// # Errors
//
// ErrorCode.Err and CodeOf convert between wire codes and the sentinel errors
// declared here, so errors.Is works on both sides of a call.
package cluster

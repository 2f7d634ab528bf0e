// Package transport is the byte-channel collaborator of the mesh node: it
// dials and accepts sessions to named peers, frames payloads on them and
// keeps one canonical session per peer.
//
// Key concepts:
//   - Transport: dials/listens for Sessions of a specific Kind (QUIC, TCP, mem)
//   - Session: an ordered, framed, bidirectional channel to one peer
//   - Manager: deduplicates concurrent inbound/outbound links and sends
//     bytes to a peer over its canonical session
package transport

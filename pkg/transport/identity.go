package transport

import (
	"fmt"
	"net"
	"strings"
)

const tempPrefix = "temp:"

// TempPeerID names an inbound session before its hello arrives.
func TempPeerID(kind Kind, addr net.Addr) string {
	if addr == nil {
		return fmt.Sprintf("%s%s:unknown", tempPrefix, kind)
	}
	return fmt.Sprintf("%s%s:%s", tempPrefix, kind, addr.String())
}

// IsTempPeerID reports whether id was built by TempPeerID.
func IsTempPeerID(id string) bool { return strings.HasPrefix(id, tempPrefix) }

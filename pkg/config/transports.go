package config

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
// transports:
//   - kind: quic
//     listen: [":7788"]
//     dial:
//       - address: "10.0.0.2:7788"
//   - kind: tcp
//     listen: [":7789"]
//   - kind: mem
//     listen: ["inproc://counter-a"]
type TransportConfig struct {
	Kind   string           `mapstructure:"kind"`
	Listen []string         `mapstructure:"listen"`
	Dial   []PeerDialConfig `mapstructure:"dial"`
}

// PeerDialConfig describes a target to dial on startup. PeerID is optional;
// the remote hello record binds the session to its real device id.
type PeerDialConfig struct {
	Address string `mapstructure:"address"`
	PeerID  string `mapstructure:"peer_id"`
}

package auth

import "github.com/mariadb-corporation/MaxScale-sub029/internal/protocol"

// NativePassword implements the mysql_native_password authentication
// plugin on both sides of the wire, built directly on
// internal/protocol's SHA1 scramble primitives.
type NativePassword struct {
	salt []byte
}

func (n *NativePassword) Name() string { return NativePasswordPlugin }

// Salt generates and caches this connection's scramble; the handshake
// packet sent to the client embeds the returned bytes.
func (n *NativePassword) Salt() ([]byte, error) {
	if n.salt != nil {
		return n.salt, nil
	}
	s, err := protocol.GenerateSalt()
	if err != nil {
		return nil, err
	}
	n.salt = s
	return s, nil
}

// Verify reports whether the client's scramble response is consistent
// with the known password for user, given this connection's salt.
func (n *NativePassword) Verify(user string, salt, scramble []byte, knownPassword []byte) bool {
	return protocol.VerifyNativePassword(salt, scramble, knownPassword)
}

// Scramble computes the token the proxy sends when authenticating to
// a backend on its own behalf.
func (n *NativePassword) Scramble(salt, password []byte) []byte {
	return protocol.CalcNativePassword(salt, password)
}

//go:build !linux

package server

import (
	"errors"
	"net"
)

func peerUID(conn net.Conn) (uint32, error) {
	return 0, errors.New("peer credentials are only supported on linux")
}

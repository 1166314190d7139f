//go:build !linux

package server

import "net"

// Without SO_REUSEPORT a single socket serves all receive loops.
const reusePortAvailable = false

func listenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

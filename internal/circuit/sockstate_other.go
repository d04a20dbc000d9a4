//go:build !linux

package circuit

import (
	"net"
	"syscall"
)

// Established 在非 Linux 平台只能检测 socket 是否已被关闭，
// 对端断开由 relay 的读循环发现。
func Established(conn net.Conn) bool {
	conn = unwrapConn(conn)
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	return raw.Control(func(uintptr) {}) == nil
}

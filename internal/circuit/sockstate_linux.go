//go:build linux

package circuit

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Established 通过 TCP_INFO 判断连接是否仍处于 ESTABLISHED 状态。
// 无法读取 socket 状态 (例如已关闭) 视为已断开。
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
	var (
		state   uint8
		infoErr error
	)
	err = raw.Control(func(fd uintptr) {
		info, e := unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
		if e != nil {
			infoErr = e
			return
		}
		state = info.State
	})
	if err != nil || infoErr != nil {
		return false
	}
	return state == unix.BPF_TCP_ESTABLISHED
}

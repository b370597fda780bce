//go:build linux

package rtp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applySockOptForMedia настройки сокета для Linux
func applySockOptForMedia(fd uintptr, config ExtendedTransportConfig) error {
	intFd := int(fd)

	if err := setSockOptBuffers(intFd, config.BufferSize); err != nil {
		return fmt.Errorf("ошибка установки буферов: %w", err)
	}
	if config.DSCP > 0 {
		setSockOptDSCP(intFd, config.DSCP)
	}
	if config.ReusePort {
		if err := unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}
	if config.BindToDevice != "" {
		if err := unix.SetsockoptString(intFd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, config.BindToDevice); err != nil {
			return fmt.Errorf("ошибка привязки к устройству %s: %w", config.BindToDevice, err)
		}
	}

	// Приоритет интерактивного трафика. В контейнерах может быть запрещен.
	_ = unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	return nil
}

// setSockOptBuffers размеры буферов сокета
func setSockOptBuffers(fd, bufferSize int) error {
	recvBufSize := VoiceOptimizedRecvBuffer
	sendBufSize := VoiceOptimizedSendBuffer
	if bufferSize > DefaultBufferSize {
		recvBufSize = bufferSize * 4
		sendBufSize = bufferSize * 2
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufSize); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recvBufSize, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sendBufSize); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", sendBufSize, err)
	}
	return nil
}

// setSockOptDSCP DSCP в старших 6 битах TOS (IPv4) и traffic class (IPv6).
// Ошибки игнорируются: маркировка не обязательна для работы.
func setSockOptDSCP(fd, dscp int) {
	tos := dscp << 2
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}

package rtp

import (
	"net"
)

// Transport пара каналов (данные и управление), общая для всех источников сессии.
// При rtcp-mux сессия пишет RTCP через WriteData.
type Transport interface {
	// WriteData отправляет RTP пакет (или мультиплексированный RTCP)
	WriteData(data []byte) error

	// WriteControl отправляет составной RTCP пакет
	WriteControl(data []byte) error

	// Close закрывает транспорт
	Close() error
}

// PacketReceiver принимает сырые пакеты от транспорта. Реализуется Session.
type PacketReceiver interface {
	OnReceiveRaw(data []byte, fromControl bool) SendReceiveStatus
}

// TransportConfig базовая конфигурация для транспорта
type TransportConfig struct {
	LocalAddr         string // Локальный адрес данных
	RemoteAddr        string // Удаленный адрес данных (опционально)
	LocalControlAddr  string // Локальный адрес RTCP (пусто при rtcp-mux)
	RemoteControlAddr string // Удаленный адрес RTCP
	BufferSize        int    // Размер буфера для чтения
	RTCPMux           bool   // Данные и RTCP через один сокет
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize: DefaultBufferSize,
	}
}

// AddrProvider транспорт с известными адресами
type AddrProvider interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

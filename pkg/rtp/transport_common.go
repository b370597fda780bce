// Общие утилиты UDP транспортов RTP сессии
//
// Оптимизации сокетов для медиа трафика (буферы, DSCP маркировка,
// SO_REUSEPORT, привязка к интерфейсу) и учет трафика транспорта.
package rtp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Общие константы для настройки транспортов
const (
	// DefaultBufferSize размер буфера чтения по умолчанию (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout период проверки отмены в цикле чтения
	DefaultReceiveTimeout = 100 * time.Millisecond

	// DefaultHandshakeTimeout таймаут DTLS рукопожатия
	DefaultHandshakeTimeout = 30 * time.Second

	// VoiceOptimizedRecvBuffer размер буфера получения сокета
	VoiceOptimizedRecvBuffer = 65535
	// VoiceOptimizedSendBuffer размер буфера отправки сокета
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения для QoS классификации трафика (RFC 4594)
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41 для видео
	DSCPBestEffort          = 0
)

// ErrTransportClosed операция над закрытым транспортом
var ErrTransportClosed = errors.New("транспорт закрыт")

// ExtendedTransportConfig конфигурация UDP транспорта с параметрами сокета
type ExtendedTransportConfig struct {
	TransportConfig
	ReusePort      bool          // SO_REUSEPORT
	DSCP           int           // DSCP маркировка (0 без маркировки)
	BindToDevice   string        // Привязка к сетевому интерфейсу (только Linux)
	ReceiveTimeout time.Duration // Период проверки отмены в цикле чтения
}

// DefaultExtendedTransportConfig конфигурация UDP транспорта по умолчанию
func DefaultExtendedTransportConfig() ExtendedTransportConfig {
	return ExtendedTransportConfig{
		TransportConfig: DefaultTransportConfig(),
		ReceiveTimeout:  DefaultReceiveTimeout,
	}
}

// DSCPForMedia DSCP класс по умолчанию для типа медиа
func DSCPForMedia(mediaType MediaType) int {
	if mediaType == MediaTypeVideo {
		return DSCPAssuredForwarding
	}
	return DSCPExpeditedForwarding
}

// ApplyDefaults заполняет незаданные поля
func (c *ExtendedTransportConfig) ApplyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
}

// Validate проверяет конфигурацию транспорта
func (c *ExtendedTransportConfig) Validate() error {
	if c.LocalAddr == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	if !c.RTCPMux && c.LocalControlAddr == "" {
		return fmt.Errorf("без rtcp-mux нужен локальный адрес RTCP")
	}
	return nil
}

// createUDPAddr разрешает UDP адрес с проверкой
func createUDPAddr(addr string) (*net.UDPAddr, error) {
	if addr == "" {
		return nil, fmt.Errorf("адрес не может быть пустым")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения UDP адреса '%s': %w", addr, err)
	}
	return udpAddr, nil
}

// listenUDP открывает сокет на локальном адресе и применяет оптимизации
func listenUDP(localAddr string, config ExtendedTransportConfig) (*net.UDPConn, error) {
	addr, err := createUDPAddr(localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка локального адреса: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета: %w", err)
	}
	if err := setSockOptForMedia(conn, config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}
	return conn, nil
}

// setSockOptForMedia применяет настройки сокета через SyscallConn
func setSockOptForMedia(conn *net.UDPConn, config ExtendedTransportConfig) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}
	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockOptErr = applySockOptForMedia(fd, config)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return sockOptErr
}

// isTimeout таймаут чтения, после которого цикл проверяет отмену
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// formatTransportError добавляет к ошибке операцию и тип транспорта
func formatTransportError(operation, transportType string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s [%s транспорт]: %w", operation, transportType, err)
}

// TransportStatistics счетчики трафика транспорта
type TransportStatistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ErrorsSend      uint64
	ErrorsReceive   uint64
	ConnectionTime  time.Time
	LocalAddr       string
	RemoteAddr      string
	TransportType   string
}

// GetUptime время работы транспорта
func (ts *TransportStatistics) GetUptime() time.Duration {
	if ts.ConnectionTime.IsZero() {
		return 0
	}
	return time.Since(ts.ConnectionTime)
}

// transportCounters атомарные счетчики для горячего пути
type transportCounters struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	errorsSend      atomic.Uint64
	errorsReceive   atomic.Uint64
}

func (c *transportCounters) sent(n int, err error) {
	if err != nil {
		c.errorsSend.Add(1)
		return
	}
	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(n))
}

func (c *transportCounters) received(n int) {
	c.packetsReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
}

func (c *transportCounters) fill(ts *TransportStatistics) {
	ts.PacketsSent = c.packetsSent.Load()
	ts.PacketsReceived = c.packetsReceived.Load()
	ts.BytesSent = c.bytesSent.Load()
	ts.BytesReceived = c.bytesReceived.Load()
	ts.ErrorsSend = c.errorsSend.Load()
	ts.ErrorsReceive = c.errorsReceive.Load()
}

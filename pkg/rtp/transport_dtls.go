package rtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
)

// DTLSTransport шифрованный транспорт поверх одного UDP соединения.
// Данные и RTCP всегда мультиплексированы (rtcp-mux), разделение по типу пакета.
type DTLSTransport struct {
	conn     net.Conn
	listener net.Listener // только для сервера
	config   DTLSTransportConfig

	mutex     sync.RWMutex
	closed    bool
	startedAt time.Time

	counters transportCounters
}

var (
	_ Transport    = (*DTLSTransport)(nil)
	_ AddrProvider = (*DTLSTransport)(nil)
)

// DTLSTransportConfig конфигурация DTLS транспорта
type DTLSTransportConfig struct {
	TransportConfig

	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
	ClientCAs    *x509.CertPool
	ServerName   string

	// PSK для устройств без сертификатов
	PSK             func([]byte) ([]byte, error)
	PSKIdentityHint []byte

	CipherSuites       []dtls.CipherSuiteID
	InsecureSkipVerify bool

	HandshakeTimeout       time.Duration
	MTU                    int
	ReplayProtectionWindow int
	ReceiveTimeout         time.Duration
}

// DefaultDTLSTransportConfig конфигурация DTLS по умолчанию
func DefaultDTLSTransportConfig() DTLSTransportConfig {
	cfg := DTLSTransportConfig{
		TransportConfig:        DefaultTransportConfig(),
		HandshakeTimeout:       DefaultHandshakeTimeout,
		MTU:                    1200,
		ReplayProtectionWindow: 64,
		ReceiveTimeout:         DefaultReceiveTimeout,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}
	cfg.RTCPMux = true
	return cfg
}

func (c *DTLSTransportConfig) applyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MTU == 0 {
		c.MTU = 1200
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
}

// buildDTLSConfig конфигурация pion/dtls
func (c *DTLSTransportConfig) buildDTLSConfig() *dtls.Config {
	timeout := c.HandshakeTimeout
	return &dtls.Config{
		Certificates:           c.Certificates,
		RootCAs:                c.RootCAs,
		ClientCAs:              c.ClientCAs,
		ServerName:             c.ServerName,
		CipherSuites:           c.CipherSuites,
		InsecureSkipVerify:     c.InsecureSkipVerify,
		PSK:                    c.PSK,
		PSKIdentityHint:        c.PSKIdentityHint,
		MTU:                    c.MTU,
		ReplayProtectionWindow: c.ReplayProtectionWindow,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), timeout)
		},
	}
}

// DialDTLS устанавливает DTLS соединение как клиент
func DialDTLS(ctx context.Context, config DTLSTransportConfig) (*DTLSTransport, error) {
	config.applyDefaults()
	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("удаленный адрес обязателен для клиента")
	}
	remote, err := createUDPAddr(config.RemoteAddr)
	if err != nil {
		return nil, err
	}
	var local *net.UDPAddr
	if config.LocalAddr != "" {
		if local, err = createUDPAddr(config.LocalAddr); err != nil {
			return nil, err
		}
	}

	udpConn, err := net.DialUDP("udp", local, remote)
	if err != nil {
		return nil, formatTransportError("создание соединения", "DTLS", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()

	conn, err := dtls.ClientWithContext(hsCtx, udpConn, config.buildDTLSConfig())
	if err != nil {
		udpConn.Close()
		return nil, formatTransportError("рукопожатие", "DTLS", err)
	}

	return &DTLSTransport{conn: conn, config: config, startedAt: time.Now()}, nil
}

// AcceptDTLS ожидает одного DTLS клиента на локальном адресе
func AcceptDTLS(ctx context.Context, config DTLSTransportConfig) (*DTLSTransport, error) {
	config.applyDefaults()
	local, err := createUDPAddr(config.LocalAddr)
	if err != nil {
		return nil, err
	}

	listener, err := dtls.Listen("udp", local, config.buildDTLSConfig())
	if err != nil {
		return nil, formatTransportError("прослушивание", "DTLS", err)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		accepted <- result{conn, err}
	}()

	select {
	case r := <-accepted:
		if r.err != nil {
			listener.Close()
			return nil, formatTransportError("прием соединения", "DTLS", r.err)
		}
		return &DTLSTransport{conn: r.conn, listener: listener, config: config, startedAt: time.Now()}, nil
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	}
}

// WriteData отправляет запись в DTLS соединение
func (t *DTLSTransport) WriteData(data []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	n, err := t.conn.Write(data)
	t.counters.sent(n, err)
	return formatTransportError("отправка", "DTLS", err)
}

// WriteControl RTCP идет тем же соединением
func (t *DTLSTransport) WriteControl(data []byte) error {
	return t.WriteData(data)
}

// Serve читает соединение и передает пакеты получателю до отмены ctx
func (t *DTLSTransport) Serve(ctx context.Context, receiver PacketReceiver) error {
	buffer := make([]byte, t.config.BufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		t.conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout))
		n, err := t.conn.Read(buffer)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if t.isClosed() {
				return nil
			}
			t.counters.errorsReceive.Add(1)
			return formatTransportError("чтение", "DTLS", err)
		}
		t.counters.received(n)
		receiver.OnReceiveRaw(buffer[:n], false)
	}
}

// ConnectionState состояние DTLS соединения
func (t *DTLSTransport) ConnectionState() dtls.State {
	if c, ok := t.conn.(*dtls.Conn); ok {
		return c.ConnectionState()
	}
	return dtls.State{}
}

// ExportKeyingMaterial ключевой материал для SRTP (RFC 5764)
func (t *DTLSTransport) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	c, ok := t.conn.(*dtls.Conn)
	if !ok {
		return nil, fmt.Errorf("DTLS соединение не установлено")
	}
	state := c.ConnectionState()
	return state.ExportKeyingMaterial(label, context, length)
}

// LocalAddr локальный адрес
func (t *DTLSTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// RemoteAddr удаленный адрес
func (t *DTLSTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// Statistics счетчики трафика
func (t *DTLSTransport) Statistics() TransportStatistics {
	ts := TransportStatistics{
		ConnectionTime: t.startedAt,
		LocalAddr:      t.conn.LocalAddr().String(),
		RemoteAddr:     t.conn.RemoteAddr().String(),
		TransportType:  "DTLS",
	}
	t.counters.fill(&ts)
	return ts
}

func (t *DTLSTransport) isClosed() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.closed
}

// Close закрывает соединение и слушатель сервера
func (t *DTLSTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	t.mutex.Unlock()

	var errs []error
	if err := t.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ошибка закрытия DTLS соединения: %w", err))
	}
	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ошибка закрытия слушателя: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ошибки при закрытии: %v", errs)
	}
	return nil
}

package rtp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// UDPTransport пара UDP сокетов (данные и RTCP) или один сокет при rtcp-mux.
// Удаленный адрес может быть задан заранее или определяется по первому пакету.
type UDPTransport struct {
	data    *net.UDPConn
	control *net.UDPConn // nil при rtcp-mux
	config  ExtendedTransportConfig

	mutex         sync.RWMutex
	remoteData    *net.UDPAddr
	remoteControl *net.UDPAddr
	closed        bool
	startedAt     time.Time

	counters transportCounters
}

var (
	_ Transport    = (*UDPTransport)(nil)
	_ AddrProvider = (*UDPTransport)(nil)
)

// NewUDPTransport открывает сокеты транспорта
func NewUDPTransport(config ExtendedTransportConfig) (*UDPTransport, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация: %w", err)
	}

	data, err := listenUDP(config.LocalAddr, config)
	if err != nil {
		return nil, formatTransportError("открытие сокета данных", "UDP", err)
	}

	t := &UDPTransport{
		data:      data,
		config:    config,
		startedAt: time.Now(),
	}

	if !config.RTCPMux {
		t.control, err = listenUDP(config.LocalControlAddr, config)
		if err != nil {
			data.Close()
			return nil, formatTransportError("открытие сокета RTCP", "UDP", err)
		}
	}

	if config.RemoteAddr != "" {
		if err := t.SetRemote(config.RemoteAddr, config.RemoteControlAddr); err != nil {
			t.Close()
			return nil, err
		}
	}
	return t, nil
}

// SetRemote задает удаленные адреса. Пустой адрес RTCP без rtcp-mux
// означает порт данных + 1.
func (t *UDPTransport) SetRemote(dataAddr, controlAddr string) error {
	remoteData, err := createUDPAddr(dataAddr)
	if err != nil {
		return fmt.Errorf("ошибка удаленного адреса: %w", err)
	}

	var remoteControl *net.UDPAddr
	if !t.config.RTCPMux {
		if controlAddr == "" {
			controlAddr = net.JoinHostPort(remoteData.IP.String(), strconv.Itoa(remoteData.Port+1))
		}
		remoteControl, err = createUDPAddr(controlAddr)
		if err != nil {
			return fmt.Errorf("ошибка удаленного адреса RTCP: %w", err)
		}
	}

	t.mutex.Lock()
	t.remoteData = remoteData
	t.remoteControl = remoteControl
	t.mutex.Unlock()
	return nil
}

// WriteData отправляет пакет в сокет данных
func (t *UDPTransport) WriteData(data []byte) error {
	t.mutex.RLock()
	closed, remote := t.closed, t.remoteData
	t.mutex.RUnlock()

	if closed {
		return ErrTransportClosed
	}
	if remote == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}
	n, err := t.data.WriteToUDP(data, remote)
	t.counters.sent(n, err)
	return formatTransportError("отправка данных", "UDP", err)
}

// WriteControl отправляет RTCP. При rtcp-mux пишет в сокет данных.
func (t *UDPTransport) WriteControl(data []byte) error {
	if t.control == nil {
		return t.WriteData(data)
	}

	t.mutex.RLock()
	closed, remote := t.closed, t.remoteControl
	t.mutex.RUnlock()

	if closed {
		return ErrTransportClosed
	}
	if remote == nil {
		return fmt.Errorf("удаленный адрес RTCP не установлен")
	}
	n, err := t.control.WriteToUDP(data, remote)
	t.counters.sent(n, err)
	return formatTransportError("отправка RTCP", "UDP", err)
}

// Serve читает оба сокета и передает пакеты получателю до отмены ctx
// или закрытия транспорта
func (t *UDPTransport) Serve(ctx context.Context, receiver PacketReceiver) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.readLoop(ctx, t.data, false, receiver)
	})
	if t.control != nil {
		g.Go(func() error {
			return t.readLoop(ctx, t.control, true, receiver)
		})
	}
	return g.Wait()
}

func (t *UDPTransport) readLoop(ctx context.Context, conn *net.UDPConn, control bool, receiver PacketReceiver) error {
	buffer := make([]byte, t.config.BufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if t.isClosed() {
				return nil
			}
			t.counters.errorsReceive.Add(1)
			return formatTransportError("чтение", "UDP", err)
		}
		t.counters.received(n)
		t.learnRemote(addr, control)

		// Получатель разбирает пакет синхронно, буфер переиспользуется
		receiver.OnReceiveRaw(buffer[:n], control)
	}
}

// learnRemote запоминает адрес отправителя первого пакета (симметричный RTP)
func (t *UDPTransport) learnRemote(addr *net.UDPAddr, control bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if control {
		if t.remoteControl == nil {
			t.remoteControl = addr
		}
		return
	}
	if t.remoteData == nil {
		t.remoteData = addr
	}
}

func (t *UDPTransport) isClosed() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.closed
}

// LocalAddr локальный адрес сокета данных
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.data.LocalAddr()
}

// LocalControlAddr локальный адрес сокета RTCP (nil при rtcp-mux)
func (t *UDPTransport) LocalControlAddr() net.Addr {
	if t.control == nil {
		return nil
	}
	return t.control.LocalAddr()
}

// RemoteAddr удаленный адрес данных
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.remoteData == nil {
		return nil
	}
	return t.remoteData
}

// Statistics счетчики трафика
func (t *UDPTransport) Statistics() TransportStatistics {
	ts := TransportStatistics{
		ConnectionTime: t.startedAt,
		LocalAddr:      t.data.LocalAddr().String(),
		TransportType:  "UDP",
	}
	if remote := t.RemoteAddr(); remote != nil {
		ts.RemoteAddr = remote.String()
	}
	t.counters.fill(&ts)
	return ts
}

// Close закрывает сокеты. Повторный вызов ничего не делает.
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	t.mutex.Unlock()

	var errs []error
	if err := t.data.Close(); err != nil {
		errs = append(errs, err)
	}
	if t.control != nil {
		if err := t.control.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ошибки при закрытии: %v", errs)
	}
	return nil
}

// Package rtp implements the RTP/RTCP media transport session engine.
// Based on RFC 3550 (RTP), RFC 3551 (A/V profile), RFC 4585 and RFC 5104 (feedback).
//
// Сессия мультиплексирует несколько синхронизирующих источников поверх одной
// пары каналов данных/управления:
//   - Session: таблица источников, разбор входящих пакетов, отправка данных и отчетов
//   - SyncSource: состояние одного SSRC в одном направлении
//   - sequenceTracker и resequencer: классификация номеров и упорядочивание
//   - statistics: счетчики и jitter по RFC 3550 A.8
//   - report_builder/report_parser: составные RTCP пакеты и обратная связь
//
// Все изменяющие операции выполняются под эксклюзивной блокировкой сессии,
// запросы статистики под разделяемой. Ошибки отдельных пакетов никогда не
// прерывают сессию, только отказ транспорта.
package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Состояния жизненного цикла сессии
const (
	StateOpen    = "open"
	StateAborted = "aborted"
	StateClosing = "closing"
	StateClosed  = "closed"
)

// События жизненного цикла
const (
	eventAbort  = "abort"
	eventAttach = "attach"
	eventClose  = "close"
	eventFinish = "finish"
)

// DefaultReportInterval интервал периодических RTCP отчетов
const DefaultReportInterval = 5 * time.Second

// DefaultToolName значение SDES TOOL по умолчанию
const DefaultToolName = "media_transport"

// placeholderSSRC SSRC заглушки Receiver Report, когда у сессии нет отправителя
const placeholderSSRC = 1

// minGeneratedSSRC случайные SSRC меньше этого значения не выдаются
const minGeneratedSSRC = 4

// SessionConfig конфигурация RTP сессии
type SessionConfig struct {
	SessionID     string    // Идентификатор для логов и метрик (по умолчанию UUID)
	MediaType     MediaType // Тип медиа
	ClockRate     uint32    // Частота тактирования RTP (Hz)
	CanonicalName string    // SDES CNAME локальных источников
	ToolName      string    // SDES TOOL

	Feedback   FeedbackType // Согласованные типы обратной связи
	MaxBitrate uint64       // Максимальный битрейт формата (bps, 0 без ограничения)

	RTCPMux    bool             // RTCP в канале данных (rtcp-mux)
	Bundled    bool             // Сессия входит в BUNDLE группу
	AutoCreate AutoCreatePolicy // Создание источников для неизвестных SSRC

	MaxOutOfOrderPackets int           // Предел удерживаемых пакетов не по порядку
	OutOfOrderWaitTime   time.Duration // Сколько ждать недостающий пакет
	StatisticsWindow     int           // Окно усреднения времени между пакетами
	RestartThreshold     int           // Подтверждений для перезапуска последовательности
	RestartWindow        time.Duration // Окно подтверждений перезапуска
	MaxPacketSize        int           // Предельный размер входящего пакета

	// ReportInterval период отправки RTCP отчетов. 0 означает значение
	// по умолчанию, отрицательное значение отключает периодические отчеты.
	ReportInterval time.Duration

	// IntraFrameMinInterval минимальный интервал между запросами ключевого кадра
	IntraFrameMinInterval time.Duration

	// RemoveOnGoodbye удалять источник по входящему BYE
	RemoveOnGoodbye bool

	Transport Transport // Может быть подключен позже через AttachTransport
	Logger    zerolog.Logger
	Handlers  Handlers
}

// DefaultSessionConfig конфигурация по умолчанию для типа медиа
func DefaultSessionConfig(mediaType MediaType) SessionConfig {
	cfg := SessionConfig{MediaType: mediaType}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults заполняет незаданные поля
func (c *SessionConfig) applyDefaults() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.ClockRate == 0 {
		if c.MediaType == MediaTypeVideo {
			c.ClockRate = 90000
		} else {
			c.ClockRate = 8000
		}
	}
	if c.CanonicalName == "" {
		c.CanonicalName = uuid.NewString()
	}
	if c.ToolName == "" {
		c.ToolName = DefaultToolName
	}
	if c.MaxOutOfOrderPackets == 0 {
		c.MaxOutOfOrderPackets = DefaultMaxOutOfOrderPackets
	}
	if c.OutOfOrderWaitTime == 0 {
		if c.MediaType == MediaTypeVideo {
			c.OutOfOrderWaitTime = DefaultVideoOutOfOrderWait
		} else {
			c.OutOfOrderWaitTime = DefaultAudioOutOfOrderWait
		}
	}
	if c.StatisticsWindow == 0 {
		c.StatisticsWindow = DefaultStatisticsWindow
	}
	if c.RestartThreshold == 0 {
		c.RestartThreshold = DefaultRestartThreshold
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = DefaultRestartWindow
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = MaxRTPPacketSize
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = DefaultReportInterval
	}
}

// Validate проверяет корректность конфигурации
func (c *SessionConfig) Validate() error {
	if c.MediaType != MediaTypeAudio && c.MediaType != MediaTypeVideo {
		return fmt.Errorf("неизвестный тип медиа: %d", c.MediaType)
	}
	if c.ClockRate == 0 {
		return fmt.Errorf("частота тактирования обязательна")
	}
	if c.MaxOutOfOrderPackets < 1 {
		return fmt.Errorf("предел пакетов не по порядку должен быть положительным: %d", c.MaxOutOfOrderPackets)
	}
	if c.OutOfOrderWaitTime < 0 {
		return fmt.Errorf("время ожидания не может быть отрицательным")
	}
	if c.MaxPacketSize < MinRTPPacketSize {
		return fmt.Errorf("максимальный размер пакета меньше заголовка: %d", c.MaxPacketSize)
	}
	if c.RestartThreshold < 1 {
		return fmt.Errorf("порог перезапуска должен быть положительным: %d", c.RestartThreshold)
	}
	return nil
}

// Session RTP сессия одного медиа потока (call leg).
// Владеет синхронизирующими источниками, ключ таблицы это SSRC.
type Session struct {
	id     string
	config SessionConfig
	logger zerolog.Logger

	mu             sync.RWMutex
	sources        map[uint32]*SyncSource
	transport      Transport
	transportReady bool
	feedback       FeedbackType
	rtt            time.Duration

	// Последние RRTR удаленных участников по SSRC отправителя XR, включая
	// заглушки участников без отправителей. Отвечаем на них блоком DLRR.
	rrtr map[uint32]rrtrState

	// Доставка кадров подписчикам идет после снятия блокировки сессии,
	// deliverMu сохраняет порядок между вызовами
	deliverMu   sync.Mutex
	subsMu      sync.RWMutex
	subscribers map[int]DataHandler
	nextSubID   int

	lifecycle    *fsm.FSM
	reports      *reportTask
	events       *eventQueue
	intraLimiter *rate.Limiter

	now func() time.Time
}

// NewSession создает сессию и запускает периодические отчеты
func NewSession(config SessionConfig) (*Session, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, newSessionError(ErrorCodeInvalidConfig, config.SessionID, 0, err, "неверная конфигурация сессии")
	}

	logger := config.Logger.With().
		Str("session_id", config.SessionID).
		Str("media", config.MediaType.String()).
		Logger()

	s := &Session{
		id:             config.SessionID,
		config:         config,
		logger:         logger,
		sources:        make(map[uint32]*SyncSource),
		rrtr:           make(map[uint32]rrtrState),
		transport:      config.Transport,
		transportReady: true,
		feedback:       config.Feedback,
		subscribers:    make(map[int]DataHandler),
		events:         newEventQueue(logger),
		intraLimiter:   rate.NewLimiter(rate.Inf, 1),
		now:            time.Now,
	}
	if config.IntraFrameMinInterval > 0 {
		s.intraLimiter = rate.NewLimiter(rate.Every(config.IntraFrameMinInterval), 1)
	}

	s.lifecycle = fsm.NewFSM(
		StateOpen,
		fsm.Events{
			{Name: eventAbort, Src: []string{StateOpen}, Dst: StateAborted},
			{Name: eventAttach, Src: []string{StateAborted}, Dst: StateOpen},
			{Name: eventClose, Src: []string{StateOpen, StateAborted}, Dst: StateClosing},
			{Name: eventFinish, Src: []string{StateClosing}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug().
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("смена состояния сессии")
			},
		},
	)

	if config.ReportInterval > 0 {
		s.reports = newReportTask(s, config.ReportInterval)
		s.reports.start()
	}

	return s, nil
}

// ID идентификатор сессии
func (s *Session) ID() string { return s.id }

// State текущее состояние жизненного цикла
func (s *Session) State() string {
	return s.lifecycle.Current()
}

// transition выполняет событие FSM, если оно допустимо в текущем состоянии
func (s *Session) transition(event string) bool {
	if !s.lifecycle.Can(event) {
		return false
	}
	if err := s.lifecycle.Event(context.Background(), event); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("ошибка перехода состояния")
		return false
	}
	return true
}

// checkUsable возвращает ошибку для прерванной или закрытой сессии
func (s *Session) checkUsable() error {
	switch s.lifecycle.Current() {
	case StateOpen:
		if s.transport == nil {
			return ErrNoTransport
		}
		return nil
	case StateAborted:
		return ErrAborted
	default:
		return ErrSessionClosed
	}
}

// abort отсоединяет транспорт после отказа. Вызывается под блокировкой.
func (s *Session) abort(cause error) {
	s.logger.Error().Err(cause).Msg("отказ транспорта, сессия прервана")
	s.transport = nil
	s.transition(eventAbort)
	s.notifyAbort(cause)
}

// AttachTransport подключает (или заменяет) транспорт и возобновляет прерванную сессию
func (s *Session) AttachTransport(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.lifecycle.Current(); st == StateClosing || st == StateClosed {
		return ErrSessionClosed
	}
	s.transport = t
	s.transition(eventAttach)
	return nil
}

// DetachTransport отсоединяет транспорт и возвращает его вызывающему
func (s *Session) DetachTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.transport
	s.transport = nil
	return t
}

// SetTransportReady сообщает о готовности защищенного канала (DTLS/ICE).
// Пока транспорт не готов, запись не выполняется.
func (s *Session) SetTransportReady(ready bool) {
	s.mu.Lock()
	s.transportReady = ready
	s.mu.Unlock()
}

// SetFeedback обновляет согласованные типы обратной связи
func (s *Session) SetFeedback(feedback FeedbackType) {
	s.mu.Lock()
	s.feedback = feedback
	s.mu.Unlock()
}

// Feedback согласованные типы обратной связи
func (s *Session) Feedback() FeedbackType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feedback
}

// autoCreateAllowed разрешено ли создавать источник для неизвестного SSRC
func (s *Session) autoCreateAllowed() bool {
	switch s.config.AutoCreate {
	case AutoCreateAlways:
		return true
	case AutoCreateNever:
		return false
	default:
		return !s.config.Bundled
	}
}

// AddSource добавляет источник. Если ssrc равен 0, генерируется случайный
// идентификатор не меньше 4, не занятый в таблице.
func (s *Session) AddSource(ssrc uint32, direction Direction, cname string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.lifecycle.Current(); st == StateClosing || st == StateClosed {
		return 0, ErrSessionClosed
	}
	src, err := s.addSourceLocked(ssrc, direction, cname)
	if err != nil {
		return 0, err
	}
	return src.ssrc, nil
}

func (s *Session) addSourceLocked(ssrc uint32, direction Direction, cname string) (*SyncSource, error) {
	if ssrc == 0 {
		id, err := s.generateUniqueSSRC()
		if err != nil {
			return nil, err
		}
		ssrc = id
	} else if existing, ok := s.sources[ssrc]; ok {
		if existing.direction == direction {
			return nil, newSessionError(ErrorCodeSourceExists, s.id, ssrc, nil, "источник %s уже существует", direction)
		}
		if direction == DirectionReceive {
			return nil, newSessionError(ErrorCodeSSRCCollision, s.id, ssrc, nil, "удаленный SSRC совпадает с локальным отправителем")
		}
		// Коллизия с удаленным источником: локальный отправитель получает новый SSRC
		id, err := s.generateUniqueSSRC()
		if err != nil {
			return nil, err
		}
		s.logger.Warn().
			Uint32("requested", ssrc).
			Uint32("assigned", id).
			Msg("коллизия SSRC, выбран новый идентификатор")
		ssrc = id
	}

	if cname == "" && direction == DirectionSend {
		cname = s.config.CanonicalName
	}

	src := newSyncSource(s, ssrc, direction, cname)
	s.sources[ssrc] = src
	s.logger.Debug().
		Uint32("ssrc", ssrc).
		Str("direction", direction.String()).
		Msg("добавлен источник")
	return src, nil
}

// generateUniqueSSRC выбирает случайный незанятый SSRC
func (s *Session) generateUniqueSSRC() (uint32, error) {
	for attempt := 0; attempt < 100; attempt++ {
		id, err := generateSSRC()
		if err != nil {
			return 0, fmt.Errorf("ошибка генерации SSRC: %w", err)
		}
		if id < minGeneratedSSRC {
			continue
		}
		if _, exists := s.sources[id]; !exists {
			return id, nil
		}
	}
	return 0, newSessionError(ErrorCodeSSRCCollision, s.id, 0, nil, "не удалось подобрать свободный SSRC")
}

// RemoveSource удаляет источник. Активный отправитель предварительно шлет BYE.
func (s *Session) RemoveSource(ssrc uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[ssrc]
	if !ok {
		return newSessionError(ErrorCodeUnknownSource, s.id, ssrc, nil, "источник не найден")
	}

	var err error
	if src.direction == DirectionSend && src.stats.packets > 0 && s.checkUsable() == nil {
		_, err = s.sendGoodbyeLocked(src, s.now())
	}
	s.deleteSourceLocked(src)
	return err
}

// deleteSourceLocked убирает источник из таблицы и ссылки на него
func (s *Session) deleteSourceLocked(src *SyncSource) {
	src.reseq.clear()
	delete(s.sources, src.ssrc)
	delete(s.rrtr, src.ssrc)
	for _, other := range s.sources {
		if other.loopbackSSRC == src.ssrc {
			other.loopbackSSRC = 0
		}
	}
	s.logger.Debug().
		Uint32("ssrc", src.ssrc).
		Str("direction", src.direction.String()).
		Msg("источник удален")
}

// ResolveOrCreate находит источник или создает его при force либо
// разрешающей политике. StatusIgnored означает, что пакет нужно отбросить.
func (s *Session) ResolveOrCreate(ssrc uint32, direction Direction, force bool) (*SyncSource, SendReceiveStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(ssrc, direction, force)
}

func (s *Session) resolveLocked(ssrc uint32, direction Direction, force bool) (*SyncSource, SendReceiveStatus) {
	if src, ok := s.sources[ssrc]; ok {
		if src.direction != direction {
			return nil, StatusIgnored
		}
		return src, StatusProcessed
	}
	if !force && !s.autoCreateAllowed() {
		return nil, StatusIgnored
	}
	src, err := s.addSourceLocked(ssrc, direction, "")
	if err != nil {
		s.logger.Debug().Err(err).Uint32("ssrc", ssrc).Msg("не удалось создать источник")
		return nil, StatusIgnored
	}
	return src, StatusProcessed
}

// SetJitterBuffer подключает (или отключает при nil) буфер воспроизведения
// принимающего источника
func (s *Session) SetJitterBuffer(ssrc uint32, jb JitterBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[ssrc]
	if !ok || src.direction != DirectionReceive {
		return newSessionError(ErrorCodeUnknownSource, s.id, ssrc, nil, "принимающий источник не найден")
	}
	src.jitterBuffer = jb
	return nil
}

// CanonicalName возвращает SDES CNAME источника
func (s *Session) CanonicalName(ssrc uint32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[ssrc]
	if !ok {
		return "", false
	}
	return src.cname, true
}

// Sources возвращает SSRC источников направления в порядке возрастания
func (s *Session) Sources(direction Direction) []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uint32
	for _, src := range s.sortedSourcesLocked(direction) {
		ids = append(ids, src.ssrc)
	}
	return ids
}

// sortedSourcesLocked источники направления в детерминированном порядке
func (s *Session) sortedSourcesLocked(direction Direction) []*SyncSource {
	var list []*SyncSource
	for _, src := range s.sources {
		if src.direction == direction {
			list = append(list, src)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ssrc < list[j].ssrc })
	return list
}

// Statistics снимок статистики источника
func (s *Session) Statistics(ssrc uint32) (Statistics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[ssrc]
	if !ok {
		return Statistics{}, false
	}
	return src.snapshot(), true
}

// AllStatistics снимки всех источников сессии
func (s *Session) AllStatistics() []Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Statistics
	for _, dir := range []Direction{DirectionSend, DirectionReceive} {
		for _, src := range s.sortedSourcesLocked(dir) {
			out = append(out, src.snapshot())
		}
	}
	return out
}

// RoundTripTime последняя оценка RTT сессии
func (s *Session) RoundTripTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rtt
}

// AbsoluteTime переводит RTP timestamp принимающего источника в wall-clock время
// по последнему Sender Report. Нулевое время, если SR еще не получен.
func (s *Session) AbsoluteTime(ssrc uint32, timestamp uint32) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[ssrc]
	if !ok {
		return time.Time{}
	}
	return src.absoluteTime(timestamp)
}

// Subscribe регистрирует получателя кадров. Возвращает функцию отписки.
func (s *Session) Subscribe(handler DataHandler) func() {
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = handler
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subscribers, id)
		s.subsMu.Unlock()
	}
}

// dispatch передает кадры подписчикам. Вызывается без блокировки сессии.
func (s *Session) dispatch(ssrc uint32, frames []*Frame) {
	if len(frames) == 0 {
		return
	}
	s.subsMu.RLock()
	handlers := make([]DataHandler, 0, len(s.subscribers))
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, s.subscribers[id])
	}
	s.subsMu.RUnlock()

	for _, frame := range frames {
		for _, h := range handlers {
			h(ssrc, frame)
		}
	}
}

// flushOutOfOrder вызывается таймером ожидания источника
func (s *Session) flushOutOfOrder(ssrc uint32) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	src, ok := s.sources[ssrc]
	if !ok || s.lifecycle.Current() == StateClosed || s.lifecycle.Current() == StateClosing {
		s.mu.Unlock()
		return
	}
	frames := src.onWaitExpired(s.now())
	s.mu.Unlock()

	s.dispatch(ssrc, frames)
}

// Close отправляет BYE от активных отправителей, останавливает периодические
// отчеты (дожидаясь текущего) и освобождает транспорт
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.transition(eventClose) {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	if s.reports != nil {
		s.reports.stop()
	}

	s.mu.Lock()
	var errs []error
	now := s.now()
	if s.transport != nil && s.transportReady {
		for _, src := range s.sortedSourcesLocked(DirectionSend) {
			if src.stats.packets == 0 {
				continue
			}
			if _, err := s.sendGoodbyeLocked(src, now); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}
	for _, src := range s.sources {
		src.reseq.clear()
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ошибка закрытия транспорта: %w", err))
		}
		s.transport = nil
	}
	s.transition(eventFinish)
	s.mu.Unlock()

	s.events.close()
	s.logger.Debug().Msg("сессия закрыта")
	return errors.Join(errs...)
}

// generateSSRC генерирует случайный SSRC
func generateSSRC() (uint32, error) {
	var ssrc uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &ssrc)
	if err != nil {
		return 0, err
	}
	return ssrc, nil
}

// generateRandomUint16 генерирует случайное 16-битное число
func generateRandomUint16() uint16 {
	var val uint16
	_ = binary.Read(rand.Reader, binary.BigEndian, &val)
	return val
}

package rtp

import "strings"

// Direction определяет направление синхронизирующего источника
type Direction int

const (
	DirectionReceive Direction = iota // Удаленный отправитель, мы принимаем
	DirectionSend                     // Локальный отправитель
)

func (d Direction) String() string {
	switch d {
	case DirectionReceive:
		return "receive"
	case DirectionSend:
		return "send"
	default:
		return "unknown"
	}
}

// MediaType определяет тип медиа согласно RFC 3551
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// SendReceiveStatus результат обработки пакета на границе сессии.
// Ошибки уровня пакета никогда не прерывают сессию, только ошибки транспорта
// переводят ее в StatusAbort.
type SendReceiveStatus int

const (
	StatusProcessed SendReceiveStatus = iota // Пакет обработан
	StatusIgnored                            // Пакет отброшен или отложен, не ошибка
	StatusAbort                              // Сессия прервана, транспорт отсоединен
)

func (s SendReceiveStatus) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusIgnored:
		return "ignored"
	case StatusAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// FeedbackType битовая маска согласованных типов обратной связи RTCP (RFC 4585, RFC 5104)
type FeedbackType uint32

const (
	FeedbackNACK  FeedbackType = 1 << iota // Generic NACK
	FeedbackPLI                            // Picture Loss Indication
	FeedbackFIR                            // Full Intra Request
	FeedbackTMMBR                          // Temporary Maximum Media Stream Bit Rate Request
	FeedbackREMB                           // Receiver Estimated Maximum Bitrate
	FeedbackTSTO                           // Temporal-Spatial Trade-off

	FeedbackNone FeedbackType = 0
)

var feedbackNames = []struct {
	bit  FeedbackType
	name string
}{
	{FeedbackNACK, "nack"},
	{FeedbackPLI, "pli"},
	{FeedbackFIR, "fir"},
	{FeedbackTMMBR, "tmmbr"},
	{FeedbackREMB, "remb"},
	{FeedbackTSTO, "tsto"},
}

// Has проверяет что все биты want установлены
func (f FeedbackType) Has(want FeedbackType) bool {
	return want != 0 && f&want == want
}

func (f FeedbackType) String() string {
	if f == FeedbackNone {
		return "none"
	}
	var names []string
	for _, fn := range feedbackNames {
		if f&fn.bit != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

// RewriteMode определяет какие поля заголовка сессия перезаписывает при отправке
type RewriteMode int

const (
	RewriteHeader  RewriteMode = iota // SSRC и sequence number
	RewriteSSRC                       // Только SSRC, sequence number сохраняется
	RewriteNothing                    // Пакет уходит как есть
)

// AutoCreatePolicy политика автоматического создания источников для неизвестных SSRC
type AutoCreatePolicy int

const (
	// AutoCreateDefault разрешает создание, если сессия не входит в BUNDLE группу
	AutoCreateDefault AutoCreatePolicy = iota
	AutoCreateAlways
	AutoCreateNever
)

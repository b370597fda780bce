package sdpconfig

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/media_transport/pkg/rtp"
)

// FeedbackRegistry сопоставляет значения атрибута a=rtcp-fb (RFC 4585 §4.2)
// битам rtp.FeedbackType. Имя записывается без payload type: "nack",
// "nack pli", "ccm fir" и т.д.
type FeedbackRegistry struct {
	mutex   sync.RWMutex
	entries map[string]rtp.FeedbackType
}

// NewFeedbackRegistry создает пустой реестр
func NewFeedbackRegistry() *FeedbackRegistry {
	return &FeedbackRegistry{entries: make(map[string]rtp.FeedbackType)}
}

// DefaultFeedbackRegistry реестр со стандартными типами обратной связи
func DefaultFeedbackRegistry() *FeedbackRegistry {
	r := NewFeedbackRegistry()
	r.Register("nack", rtp.FeedbackNACK)
	r.Register("nack pli", rtp.FeedbackPLI)
	r.Register("ccm fir", rtp.FeedbackFIR)
	r.Register("ccm tmmbr", rtp.FeedbackTMMBR)
	r.Register("ccm tstr", rtp.FeedbackTSTO)
	r.Register("goog-remb", rtp.FeedbackREMB)
	return r
}

// Register добавляет или заменяет имя
func (r *FeedbackRegistry) Register(name string, feedback rtp.FeedbackType) {
	r.mutex.Lock()
	r.entries[normalizeFeedbackName(name)] = feedback
	r.mutex.Unlock()
}

// Lookup тип обратной связи по имени
func (r *FeedbackRegistry) Lookup(name string) (rtp.FeedbackType, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	f, ok := r.entries[normalizeFeedbackName(name)]
	return f, ok
}

// Names имена, покрывающие биты feedback, в алфавитном порядке
func (r *FeedbackRegistry) Names(feedback rtp.FeedbackType) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var names []string
	for name, bit := range r.entries {
		if feedback.Has(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Parse разбирает значение a=rtcp-fb ("96 nack pli", "* ccm fir") для
// payload type pt. Строки другого payload type и неизвестные имена дают
// rtp.FeedbackNone.
func (r *FeedbackRegistry) Parse(value string, pt uint8) rtp.FeedbackType {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return rtp.FeedbackNone
	}
	if fields[0] != "*" && fields[0] != fmt.Sprint(pt) {
		return rtp.FeedbackNone
	}
	f, _ := r.Lookup(strings.Join(fields[1:], " "))
	return f
}

// Attributes атрибуты a=rtcp-fb для предложения с указанными возможностями
func (r *FeedbackRegistry) Attributes(pt uint8, feedback rtp.FeedbackType) []sdp.Attribute {
	var attrs []sdp.Attribute
	for _, name := range r.Names(feedback) {
		attrs = append(attrs, sdp.NewAttribute("rtcp-fb", fmt.Sprintf("%d %s", pt, name)))
	}
	return attrs
}

func normalizeFeedbackName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

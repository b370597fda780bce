//go:build !linux

package rtp

// applySockOptForMedia на остальных платформах используются настройки ОС по умолчанию
func applySockOptForMedia(fd uintptr, config ExtendedTransportConfig) error {
	return nil
}

package rtp

import "errors"

var (
	ErrInvalidVersion     = errors.New("неверная версия RTP")
	ErrHeaderTooShort     = errors.New("буфер короче RTP заголовка")
	ErrBufferTooSmall     = errors.New("недостаточно места в буфере")
	ErrNotRTX             = errors.New("пакет не является RTX")
	ErrRTXTooShort        = errors.New("RTX пакет без исходного номера")
	ErrUnknownPayloadType = errors.New("payload type не сопоставлен кодеку")
	ErrExtensionTooLong   = errors.New("элемент расширения длиннее 255 байт")
)

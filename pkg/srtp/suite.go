// Пакет srtp - SRTP/SRTCP контексты отправки и приема поверх pion/srtp.
package srtp

import (
	"errors"
	"strings"

	"github.com/pion/dtls/v2"
	"github.com/pion/srtp/v2"
)

var (
	// ErrUnknownSuite неизвестный или неподдерживаемый набор
	ErrUnknownSuite = errors.New("неизвестный SRTP набор")
	// ErrInvalidKeyLength длина ключа не соответствует набору
	ErrInvalidKeyLength = errors.New("неверная длина SRTP ключа")
	// ErrNotReady контекст еще не настроен
	ErrNotReady = errors.New("SRTP контекст не настроен")
)

// Suite набор защиты SRTP
type Suite int

const (
	SuiteUnknown Suite = iota
	SuiteAESCM128HMACSHA1_80
	SuiteAESCM128HMACSHA1_32
	SuiteAEADAES128GCM
	SuiteAEADAES256GCM
)

var suiteNames = map[Suite]string{
	SuiteAESCM128HMACSHA1_80: "AES_CM_128_HMAC_SHA1_80",
	SuiteAESCM128HMACSHA1_32: "AES_CM_128_HMAC_SHA1_32",
	SuiteAEADAES128GCM:       "AEAD_AES_128_GCM",
	SuiteAEADAES256GCM:       "AEAD_AES_256_GCM",
}

func (s Suite) String() string {
	if name, ok := suiteNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseSuite разбирает имя набора из SDES/SDP.
// Понимает и имена профилей DTLS-SRTP (RFC 5764).
func ParseSuite(name string) (Suite, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "AES_CM_128_HMAC_SHA1_80", "SRTP_AES128_CM_SHA1_80", "SRTP_AES128_CM_HMAC_SHA1_80":
		return SuiteAESCM128HMACSHA1_80, nil
	case "AES_CM_128_HMAC_SHA1_32", "SRTP_AES128_CM_SHA1_32", "SRTP_AES128_CM_HMAC_SHA1_32":
		return SuiteAESCM128HMACSHA1_32, nil
	case "AEAD_AES_128_GCM", "SRTP_AEAD_AES_128_GCM":
		return SuiteAEADAES128GCM, nil
	case "AEAD_AES_256_GCM", "SRTP_AEAD_AES_256_GCM":
		return SuiteAEADAES256GCM, nil
	}
	return SuiteUnknown, ErrUnknownSuite
}

// KeyLength длина мастер-ключа
func (s Suite) KeyLength() int {
	switch s {
	case SuiteAESCM128HMACSHA1_80, SuiteAESCM128HMACSHA1_32, SuiteAEADAES128GCM:
		return 16
	case SuiteAEADAES256GCM:
		return 32
	}
	return 0
}

// SaltLength длина мастер-соли
func (s Suite) SaltLength() int {
	switch s {
	case SuiteAESCM128HMACSHA1_80, SuiteAESCM128HMACSHA1_32:
		return 14
	case SuiteAEADAES128GCM, SuiteAEADAES256GCM:
		return 12
	}
	return 0
}

// KeyMaterialLength длина ключа вместе с солью
func (s Suite) KeyMaterialLength() int {
	return s.KeyLength() + s.SaltLength()
}

// Profile профиль pion/srtp
func (s Suite) Profile() (srtp.ProtectionProfile, error) {
	switch s {
	case SuiteAESCM128HMACSHA1_80:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case SuiteAESCM128HMACSHA1_32:
		return srtp.ProtectionProfileAes128CmHmacSha1_32, nil
	case SuiteAEADAES128GCM:
		return srtp.ProtectionProfileAeadAes128Gcm, nil
	case SuiteAEADAES256GCM:
		return srtp.ProtectionProfileAeadAes256Gcm, nil
	}
	return 0, ErrUnknownSuite
}

// DTLSProfile профиль для расширения use_srtp
func (s Suite) DTLSProfile() (dtls.SRTPProtectionProfile, error) {
	switch s {
	case SuiteAESCM128HMACSHA1_80:
		return dtls.SRTP_AES128_CM_HMAC_SHA1_80, nil
	case SuiteAESCM128HMACSHA1_32:
		return dtls.SRTP_AES128_CM_HMAC_SHA1_32, nil
	case SuiteAEADAES128GCM:
		return dtls.SRTP_AEAD_AES_128_GCM, nil
	case SuiteAEADAES256GCM:
		return dtls.SRTP_AEAD_AES_256_GCM, nil
	}
	return 0, ErrUnknownSuite
}

// SuiteFromDTLSProfile набор по согласованному DTLS профилю
func SuiteFromDTLSProfile(profile dtls.SRTPProtectionProfile) (Suite, error) {
	switch profile {
	case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
		return SuiteAESCM128HMACSHA1_80, nil
	case dtls.SRTP_AES128_CM_HMAC_SHA1_32:
		return SuiteAESCM128HMACSHA1_32, nil
	case dtls.SRTP_AEAD_AES_128_GCM:
		return SuiteAEADAES128GCM, nil
	case dtls.SRTP_AEAD_AES_256_GCM:
		return SuiteAEADAES256GCM, nil
	}
	return SuiteUnknown, ErrUnknownSuite
}

// DefaultDTLSProfiles профили, предлагаемые в рукопожатии, по убыванию предпочтения
func DefaultDTLSProfiles() []dtls.SRTPProtectionProfile {
	return []dtls.SRTPProtectionProfile{
		dtls.SRTP_AEAD_AES_128_GCM,
		dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		dtls.SRTP_AES128_CM_HMAC_SHA1_32,
	}
}

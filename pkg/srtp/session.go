package srtp

import (
	"fmt"
	"sync"

	"github.com/pion/srtp/v2"
)

// DefaultReplayWindow окно защиты от повторов
const DefaultReplayWindow = 1024

// Session пара SRTP контекстов: исходящий шифрует, входящий расшифровывает.
// Ключ передается одним буфером: мастер-ключ, затем мастер-соль.
type Session struct {
	mutex        sync.Mutex
	replayWindow uint

	localSuite  Suite
	remoteSuite Suite
	local       *srtp.Context
	remote      *srtp.Context
}

// NewSession создает пустую сессию
func NewSession(replayWindow uint) *Session {
	if replayWindow == 0 {
		replayWindow = DefaultReplayWindow
	}
	return &Session{replayWindow: replayWindow}
}

func (s *Session) createContext(suite Suite, key []byte) (*srtp.Context, error) {
	profile, err := suite.Profile()
	if err != nil {
		return nil, err
	}
	if len(key) != suite.KeyMaterialLength() {
		return nil, fmt.Errorf("%w: %s ожидает %d, получено %d", ErrInvalidKeyLength, suite, suite.KeyMaterialLength(), len(key))
	}
	masterKey := append([]byte(nil), key[:suite.KeyLength()]...)
	masterSalt := append([]byte(nil), key[suite.KeyLength():]...)
	ctx, err := srtp.CreateContext(masterKey, masterSalt, profile,
		srtp.SRTPReplayProtection(s.replayWindow),
		srtp.SRTCPReplayProtection(s.replayWindow),
	)
	if err != nil {
		return nil, fmt.Errorf("создание SRTP контекста %s: %w", suite, err)
	}
	return ctx, nil
}

// SetLocalKey настраивает контекст шифрования исходящего трафика
func (s *Session) SetLocalKey(suite Suite, key []byte) error {
	ctx, err := s.createContext(suite, key)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	s.local, s.localSuite = ctx, suite
	s.mutex.Unlock()
	return nil
}

// SetRemoteKey настраивает контекст расшифровки входящего трафика
func (s *Session) SetRemoteKey(suite Suite, key []byte) error {
	ctx, err := s.createContext(suite, key)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	s.remote, s.remoteSuite = ctx, suite
	s.mutex.Unlock()
	return nil
}

// Setup настраивает оба направления сразу
func (s *Session) Setup(suite Suite, localKey, remoteKey []byte) error {
	if err := s.SetLocalKey(suite, localKey); err != nil {
		return fmt.Errorf("локальный ключ: %w", err)
	}
	if err := s.SetRemoteKey(suite, remoteKey); err != nil {
		return fmt.Errorf("удаленный ключ: %w", err)
	}
	return nil
}

// IsLocalReady готов ли исходящий контекст
func (s *Session) IsLocalReady() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.local != nil
}

// IsRemoteReady готов ли входящий контекст
func (s *Session) IsRemoteReady() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.remote != nil
}

// LocalSuite набор исходящего контекста
func (s *Session) LocalSuite() Suite {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.localSuite
}

// RemoteSuite набор входящего контекста
func (s *Session) RemoteSuite() Suite {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.remoteSuite
}

// ProtectRTP шифрует RTP пакет. dst используется как буфер результата, если хватает емкости
func (s *Session) ProtectRTP(dst, plain []byte) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.local == nil {
		return nil, ErrNotReady
	}
	return s.local.EncryptRTP(dst, plain, nil)
}

// UnprotectRTP расшифровывает SRTP пакет
func (s *Session) UnprotectRTP(dst, encrypted []byte) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.remote == nil {
		return nil, ErrNotReady
	}
	return s.remote.DecryptRTP(dst, encrypted, nil)
}

// ProtectRTCP шифрует составной RTCP пакет
func (s *Session) ProtectRTCP(dst, plain []byte) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.local == nil {
		return nil, ErrNotReady
	}
	return s.local.EncryptRTCP(dst, plain, nil)
}

// UnprotectRTCP расшифровывает SRTCP пакет
func (s *Session) UnprotectRTCP(dst, encrypted []byte) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.remote == nil {
		return nil, ErrNotReady
	}
	return s.remote.DecryptRTCP(dst, encrypted, nil)
}

// RemoveIncomingStream сбрасывает счетчик переполнений входящего SSRC.
// Нужен при перепривязке RID/MID к новому SSRC.
func (s *Session) RemoveIncomingStream(ssrc uint32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.remote != nil {
		s.remote.SetROC(ssrc, 0)
	}
}

// RemoveOutgoingStream сбрасывает счетчик переполнений исходящего SSRC
func (s *Session) RemoveOutgoingStream(ssrc uint32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.local != nil {
		s.local.SetROC(ssrc, 0)
	}
}

// Reset удаляет оба контекста
func (s *Session) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.local, s.remote = nil, nil
	s.localSuite, s.remoteSuite = SuiteUnknown, SuiteUnknown
}

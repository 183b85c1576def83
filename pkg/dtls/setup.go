package dtls

import (
	"fmt"
	"strings"
)

// Setup роль из атрибута a=setup (RFC 4145)
type Setup int

const (
	SetupActive Setup = iota
	SetupPassive
	SetupActPass
	SetupHoldConn
)

func (s Setup) String() string {
	switch s {
	case SetupActive:
		return "active"
	case SetupPassive:
		return "passive"
	case SetupActPass:
		return "actpass"
	case SetupHoldConn:
		return "holdconn"
	}
	return fmt.Sprintf("setup(%d)", int(s))
}

// ParseSetup разбирает значение a=setup
func ParseSetup(value string) (Setup, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "active":
		return SetupActive, nil
	case "passive":
		return SetupPassive, nil
	case "actpass":
		return SetupActPass, nil
	case "holdconn":
		return SetupHoldConn, nil
	}
	return SetupHoldConn, fmt.Errorf("%w: %q", ErrInvalidSetup, value)
}

// LocalSetup роль, которую мы занимаем в ответ на удаленную
func LocalSetup(remote Setup) Setup {
	switch remote {
	case SetupActive:
		return SetupPassive
	case SetupPassive, SetupActPass:
		return SetupActive
	}
	return SetupHoldConn
}

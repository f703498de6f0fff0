package adapter

import (
	"fmt"
	"strings"
)

// Kind identifies a settlement backend family. A kind is registered at most
// once per manager.
type Kind int32

const (
	KindUnspecified Kind = iota
	KindChannelNet
	KindSideChain
	KindAssetOverlay
	KindOracleContract
	KindStateChannel
)

var kindNames = map[Kind]string{
	KindChannelNet:     "channel_net",
	KindSideChain:      "sidechain",
	KindAssetOverlay:   "asset_overlay",
	KindOracleContract: "oracle_contract",
	KindStateChannel:   "state_channel",
}

// Kinds lists every concrete kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindChannelNet, KindSideChain, KindAssetOverlay, KindOracleContract, KindStateChannel}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int32(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnspecified, fmt.Errorf("%w: unknown protocol kind %q", ErrConfiguration, s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid protocol kind %d", int32(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// State is the lifecycle position of a registered adapter.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateActive
	StateDegraded
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AllowsFunds reports whether fund and proof operations may run.
func (s State) AllowsFunds() bool {
	return s == StateActive
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for st := StateUninitialized; st <= StateFailed; st++ {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown protocol state %q", name)
}

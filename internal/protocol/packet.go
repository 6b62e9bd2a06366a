package protocol

import (
	"fmt"
)

// SendOption is the first byte of every datagram.
type SendOption uint8

const (
	OptionUnreliable  SendOption = 0x00
	OptionReliable    SendOption = 0x01
	OptionHello       SendOption = 0x08
	OptionDisconnect  SendOption = 0x09
	OptionAcknowledge SendOption = 0x0a
	OptionPing        SendOption = 0x0c
)

func (o SendOption) String() string {
	switch o {
	case OptionUnreliable:
		return "Unreliable"
	case OptionReliable:
		return "Reliable"
	case OptionHello:
		return "Hello"
	case OptionDisconnect:
		return "Disconnect"
	case OptionAcknowledge:
		return "Acknowledge"
	case OptionPing:
		return "Ping"
	}
	return fmt.Sprintf("SendOption(%#02x)", uint8(o))
}

// Platform identifies the client's store/device.
type Platform uint8

const (
	PlatformUnknown Platform = iota
	PlatformEpicPC
	PlatformSteamPC
	PlatformMac
	PlatformMicrosoftStore
	PlatformItch
	PlatformIPhone
	PlatformAndroid
	PlatformSwitch
	PlatformXbox
	PlatformPlaystation
)

// Hello is the handshake payload sent by a client on first contact.
type Hello struct {
	HazelVersion  uint8
	ClientVersion int32
	Username      string
	LastNonce     uint32
	Language      uint32
	ChatMode      uint8
	Platform      Platform
	PlatformName  string
	ModCount      uint32
	HasModCount   bool
}

// Disconnect carries an optional reason; an empty disconnect has Reason == nil.
type Disconnect struct {
	Forced  bool
	Reason  *DisconnectReason
	Message string
}

// Packet is a decoded datagram.
type Packet struct {
	Option     SendOption
	Nonce      uint16
	Missing    uint8
	Payload    []byte
	Hello      *Hello
	Disconnect *Disconnect
}

// DecodePacket parses the send-option header of a datagram. Root messages in
// Payload are left encoded; use DecodeServerbound or DecodeClientbound.
func DecodePacket(b []byte) (*Packet, error) {
	r := NewReader(b)
	opt, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	p := &Packet{Option: SendOption(opt)}
	switch p.Option {
	case OptionUnreliable:
		p.Payload = r.Rest()
	case OptionReliable:
		if p.Nonce, err = r.Uint16BE(); err != nil {
			return nil, err
		}
		p.Payload = r.Rest()
	case OptionHello:
		if p.Nonce, err = r.Uint16BE(); err != nil {
			return nil, err
		}
		if p.Hello, err = decodeHello(r); err != nil {
			return nil, err
		}
	case OptionAcknowledge:
		if p.Nonce, err = r.Uint16BE(); err != nil {
			return nil, err
		}
		if r.Len() > 0 {
			p.Missing, _ = r.Uint8()
		}
	case OptionPing:
		if p.Nonce, err = r.Uint16BE(); err != nil {
			return nil, err
		}
	case OptionDisconnect:
		if p.Disconnect, err = decodeDisconnect(r); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownOption, opt)
	}
	return p, nil
}

func decodeHello(r *Reader) (*Hello, error) {
	h := &Hello{}
	var err error
	if h.HazelVersion, err = r.Uint8(); err != nil {
		return nil, err
	}
	if h.ClientVersion, err = r.Int32(); err != nil {
		return nil, err
	}
	if h.Username, err = r.String(); err != nil {
		return nil, err
	}
	// Older clients stop after the username.
	if r.Len() == 0 {
		return h, nil
	}
	if h.LastNonce, err = r.Uint32(); err != nil {
		return nil, err
	}
	if h.Language, err = r.Uint32(); err != nil {
		return nil, err
	}
	if h.ChatMode, err = r.Uint8(); err != nil {
		return nil, err
	}
	if r.Len() == 0 {
		return h, nil
	}
	tag, platform, err := r.Message()
	if err != nil {
		return nil, err
	}
	h.Platform = Platform(tag)
	if h.PlatformName, err = platform.String(); err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		if h.ModCount, err = r.Packed(); err != nil {
			return nil, err
		}
		h.HasModCount = true
	}
	return h, nil
}

func decodeDisconnect(r *Reader) (*Disconnect, error) {
	d := &Disconnect{}
	if r.Len() == 0 {
		return d, nil
	}
	var err error
	if d.Forced, err = r.Bool(); err != nil {
		return nil, err
	}
	if r.Len() == 0 {
		return d, nil
	}
	_, msg, err := r.Message()
	if err != nil {
		return nil, err
	}
	reason, err := msg.Uint8()
	if err != nil {
		return nil, err
	}
	dr := DisconnectReason(reason)
	d.Reason = &dr
	if dr == ReasonCustom && msg.Len() > 0 {
		if d.Message, err = msg.String(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// EncodeReliable frames already-encoded root messages as a reliable datagram.
func EncodeReliable(nonce uint16, payload []byte) []byte {
	w := NewWriter()
	w.Uint8(uint8(OptionReliable)).Uint16BE(nonce).Raw(payload)
	return w.Bytes()
}

func EncodeUnreliable(payload []byte) []byte {
	w := NewWriter()
	w.Uint8(uint8(OptionUnreliable)).Raw(payload)
	return w.Bytes()
}

func EncodeAck(nonce uint16, missing uint8) []byte {
	w := NewWriter()
	w.Uint8(uint8(OptionAcknowledge)).Uint16BE(nonce).Uint8(missing)
	return w.Bytes()
}

func EncodePing(nonce uint16) []byte {
	w := NewWriter()
	w.Uint8(uint8(OptionPing)).Uint16BE(nonce)
	return w.Bytes()
}

func EncodeDisconnect(d *Disconnect) []byte {
	w := NewWriter()
	w.Uint8(uint8(OptionDisconnect))
	if d == nil || d.Reason == nil {
		return w.Bytes()
	}
	w.Bool(true)
	w.Message(0, func(w *Writer) {
		w.Uint8(uint8(*d.Reason))
		if *d.Reason == ReasonCustom {
			w.String(d.Message)
		}
	})
	return w.Bytes()
}

// EncodeHello builds a handshake datagram; used by clients and tests.
func EncodeHello(nonce uint16, h Hello) []byte {
	w := NewWriter()
	w.Uint8(uint8(OptionHello)).Uint16BE(nonce)
	w.Uint8(h.HazelVersion).Int32(h.ClientVersion).String(h.Username)
	w.Uint32(h.LastNonce).Uint32(h.Language).Uint8(h.ChatMode)
	w.Message(uint8(h.Platform), func(w *Writer) { w.String(h.PlatformName) })
	if h.HasModCount {
		w.Packed(h.ModCount)
	}
	return w.Bytes()
}

// NewDisconnect is a convenience for building a disconnect with a reason.
func NewDisconnect(reason DisconnectReason, message string) *Disconnect {
	return &Disconnect{Forced: true, Reason: &reason, Message: message}
}

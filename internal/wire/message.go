// Package wire defines the envelope carried on a room's broadcast bus and its
// binary encoding.
package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned by Decode for payloads that are not a valid envelope.
var ErrMalformed = errors.New("wire: malformed message")

// Kind identifies what a Message carries. Only KindChat is user content; every
// other kind is a control notice generated by the server.
type Kind int32

const (
	KindChat Kind = iota + 1
	KindJoin
	KindLeave
	KindKick
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindChat:
		return "CHAT"
	case KindJoin:
		return "JOIN"
	case KindLeave:
		return "LEAVE"
	case KindKick:
		return "KICK"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= KindChat && k <= KindKick
}

// Persisted reports whether messages of this kind are stored as chat lines.
// Control kinds never are.
func (k Kind) Persisted() bool {
	return k == KindChat
}

// Message is the envelope published on a room bus.
type Message struct {
	MemberID   int64
	MemberName string
	Kind       Kind
	Text       string
	// Origin is the id of the session that published the message. Empty for
	// notices published by the server on behalf of nobody in particular.
	Origin string
}

// Chat builds a user chat message.
func Chat(memberID int64, memberName, text, origin string) Message {
	return Message{MemberID: memberID, MemberName: memberName, Kind: KindChat, Text: text, Origin: origin}
}

// Joined builds the notice published when a member attaches to a room.
func Joined(memberID int64, memberName string) Message {
	return Message{MemberID: memberID, MemberName: memberName, Kind: KindJoin, Text: memberName + " joined the room"}
}

// Left builds the notice published when a member's connection is torn down.
func Left(memberID int64, memberName string) Message {
	return Message{MemberID: memberID, MemberName: memberName, Kind: KindLeave, Text: memberName + " left the room"}
}

// Kick builds a notice that only the targeted member's connection forwards,
// after which that connection closes itself.
func Kick(memberID int64, text string) Message {
	return Message{MemberID: memberID, Kind: KindKick, Text: text}
}

const (
	fieldMemberID protowire.Number = iota + 1
	fieldMemberName
	fieldKind
	fieldText
	fieldOrigin
)

// Encode encodes the message using the protobuf wire format.
func (m Message) Encode() []byte {
	b := make([]byte, 0, 16+len(m.MemberName)+len(m.Text)+len(m.Origin))
	b = protowire.AppendTag(b, fieldMemberID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MemberID))
	b = protowire.AppendTag(b, fieldMemberName, protowire.BytesType)
	b = protowire.AppendString(b, m.MemberName)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = protowire.AppendTag(b, fieldText, protowire.BytesType)
	b = protowire.AppendString(b, m.Text)
	if m.Origin != "" {
		b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
		b = protowire.AppendString(b, m.Origin)
	}
	return b
}

// Decode decodes bytes produced by Encode. Unknown fields are skipped so older
// consumers tolerate newer producers.
func Decode(data []byte) (Message, error) {
	var m Message
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldMemberID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: member id: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.MemberID = int64(v)
			data = data[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(n))
			}
			if v > math.MaxInt32 {
				return Message{}, fmt.Errorf("%w: kind %d out of range", ErrMalformed, v)
			}
			m.Kind = Kind(v)
			data = data[n:]
		case (num == fieldMemberName || num == fieldText || num == fieldOrigin) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case fieldMemberName:
				m.MemberName = v
			case fieldText:
				m.Text = v
			default:
				m.Origin = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !m.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, m.Kind)
	}
	return m, nil
}

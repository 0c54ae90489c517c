// Package message provides the frames exchanged with a signaling server. Every
// frame is a JSON object tagged by its "type" field; this package turns those
// objects into a closed set of Go types and back.
package message

import (
	"bytes"
	"encoding/json"
)

// Type is the tag that discriminates signaling frames.
type Type string

const (
	// TypeConnect tags the handshake acknowledgement sent by the server.
	TypeConnect Type = "conn"

	// TypeRegister tags user registration frames.
	TypeRegister Type = "reg"

	// TypeDeregister tags user deregistration frames.
	TypeDeregister Type = "dereg"

	// TypeGroupRegister tags group registration frames.
	TypeGroupRegister Type = "reggrp"

	// TypeGroupDeregister tags group deregistration frames.
	TypeGroupDeregister Type = "dereggrp"
)

// Known reports whether t is one of the tags this package can decode.
func (t Type) Known() bool {
	switch t {
	case TypeConnect, TypeRegister, TypeDeregister, TypeGroupRegister, TypeGroupDeregister:
		return true
	}
	return false
}

// BroadcastType is the fan-out target of a message.
type BroadcastType string

const (
	// BroadcastAll targets every connected party.
	BroadcastAll BroadcastType = "all"

	// BroadcastGroup targets the members of a named group.
	BroadcastGroup BroadcastType = "group"
)

// ErrorType identifies which operation an error frame refers to.
type ErrorType string

const (
	// ErrorRegister reports a failed user registration.
	ErrorRegister ErrorType = "regerr"

	// ErrorGroupRegister reports a failed group registration.
	ErrorGroupRegister ErrorType = "reggrperr"
)

// Recipients holds the "to" field of a frame. On the wire it is either a
// single identifier or an array of identifiers.
type Recipients []string

// To is a convenience constructor for Recipients.
func To(ids ...string) Recipients {
	return Recipients(ids)
}

// MarshalJSON writes a single recipient as a plain string and anything else as
// an array.
func (r Recipients) MarshalJSON() ([]byte, error) {
	switch len(r) {
	case 0:
		return []byte(`""`), nil
	case 1:
		return json.Marshal(r[0])
	default:
		return json.Marshal([]string(r))
	}
}

// UnmarshalJSON accepts either a string or an array of strings.
func (r *Recipients) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = nil
		return nil
	}

	if b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		if id == "" {
			*r = nil
		} else {
			*r = Recipients{id}
		}
		return nil
	}

	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*r = ids
	return nil
}

// Header carries the fields shared by every signaling frame.
type Header struct {
	// identifier of the sender
	From string `json:"from"`

	// one or more recipient identifiers
	To Recipients `json:"to"`

	// the variant tag
	Type Type `json:"type" validate:"required"`

	// set on frames that originate from a client rather than the server
	IsClientMessage bool `json:"isClientMessage,omitempty"`

	// optional fan-out scope
	BroadcastType BroadcastType `json:"broadCastType,omitempty" validate:"omitempty,oneof=all group"`
}

// MessageHeader returns the shared header of a message.
func (h *Header) MessageHeader() *Header {
	return h
}

// Message is implemented by every signaling frame variant in this package and
// by nothing else.
type Message interface {
	MessageHeader() *Header
	isMessage()
}

// ConnectAck acknowledges a freshly opened connection and hands the client
// its identity for the lifetime of that connection.
type ConnectAck struct {
	Header
	Authorization string `json:"authorization" validate:"required"`
	ConnectionID  string `json:"connectionId" validate:"required"`
}

// Register asks the server to register or deregister a user. The header type
// is either TypeRegister or TypeDeregister.
type Register struct {
	Header
}

// GroupRegister asks the server to add a user to, or remove a user from, a
// group. The header type is either TypeGroupRegister or TypeGroupDeregister.
type GroupRegister struct {
	Header
	GroupName string `json:"groupName" validate:"required"`
}

// RegisterAck reports the outcome of a registration request.
type RegisterAck struct {
	Header
	Success bool `json:"success"`
}

// Error reports a failed registration request.
type Error struct {
	Header
	Message   string    `json:"message"`
	ErrorType ErrorType `json:"errorType" validate:"required,oneof=regerr reggrperr"`
}

func (*ConnectAck) isMessage()    {}
func (*Register) isMessage()      {}
func (*GroupRegister) isMessage() {}
func (*RegisterAck) isMessage()   {}
func (*Error) isMessage()         {}

// NewRegister builds a client-originated user registration frame.
func NewRegister(from string, to ...string) *Register {
	return &Register{Header: clientHeader(TypeRegister, from, to)}
}

// NewDeregister builds a client-originated user deregistration frame.
func NewDeregister(from string, to ...string) *Register {
	return &Register{Header: clientHeader(TypeDeregister, from, to)}
}

// NewGroupRegister builds a client-originated group registration frame.
func NewGroupRegister(from, group string, to ...string) *GroupRegister {
	return &GroupRegister{Header: clientHeader(TypeGroupRegister, from, to), GroupName: group}
}

// NewGroupDeregister builds a client-originated group deregistration frame.
func NewGroupDeregister(from, group string, to ...string) *GroupRegister {
	return &GroupRegister{Header: clientHeader(TypeGroupDeregister, from, to), GroupName: group}
}

func clientHeader(t Type, from string, to []string) Header {
	return Header{
		From:            from,
		To:              Recipients(to),
		Type:            t,
		IsClientMessage: true,
	}
}

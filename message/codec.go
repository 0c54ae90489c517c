package message

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var (
	// ErrMalformed is the cause of decode errors for frames that are not
	// JSON objects.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownType is the cause of decode and encode errors for frames
	// whose type tag is not recognized.
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalid is the cause of errors for frames that carry a known tag
	// but fail structural validation.
	ErrInvalid = errors.New("invalid message")
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// envelope is the union of all variant fields. Pointers distinguish absent
// fields from zero values.
type envelope struct {
	Header
	Authorization *string    `json:"authorization"`
	ConnectionID  *string    `json:"connectionId"`
	GroupName     *string    `json:"groupName"`
	Success       *bool      `json:"success"`
	Message       *string    `json:"message"`
	ErrorType     *ErrorType `json:"errorType"`
}

// Decode turns one inbound text frame into a concrete Message. It never
// returns a partially decoded message: on error the returned Message is nil
// and errors.Cause(err) is one of ErrMalformed, ErrUnknownType or ErrInvalid.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	if !env.Type.Known() {
		return nil, errors.Wrapf(ErrUnknownType, "%q", env.Type)
	}

	var m Message
	switch {
	case env.Type == TypeConnect:
		m = &ConnectAck{
			Header:        env.Header,
			Authorization: deref(env.Authorization),
			ConnectionID:  deref(env.ConnectionID),
		}
	case env.ErrorType != nil:
		m = &Error{
			Header:    env.Header,
			Message:   deref(env.Message),
			ErrorType: *env.ErrorType,
		}
	case env.Success != nil:
		m = &RegisterAck{Header: env.Header, Success: *env.Success}
	case env.Type == TypeRegister || env.Type == TypeDeregister:
		m = &Register{Header: env.Header}
	default:
		m = &GroupRegister{Header: env.Header, GroupName: deref(env.GroupName)}
	}

	if err := Validate(m); err != nil {
		return nil, err
	}

	return m, nil
}

// Encode serializes a single message into a text frame.
func Encode(m Message) ([]byte, error) {
	if isNil(m) {
		return nil, errors.Wrap(ErrInvalid, "nil message")
	}

	if err := Validate(m); err != nil {
		return nil, err
	}

	p, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal failed")
	}

	return p, nil
}

// Validate checks that a message carries a tag that matches its variant and
// that its fields are structurally sound.
func Validate(m Message) error {
	if isNil(m) {
		return errors.Wrap(ErrInvalid, "nil message")
	}

	t := m.MessageHeader().Type
	if !t.Known() {
		return errors.Wrapf(ErrUnknownType, "%q", t)
	}

	if !allowed(m, t) {
		return errors.Wrapf(ErrInvalid, "type %q does not fit %T", t, m)
	}

	if err := validate.Struct(m); err != nil {
		return errors.Wrapf(ErrInvalid, "%s: %v", t, err)
	}

	return nil
}

// isNil reports whether m is nil or a nil pointer to one of the variants.
func isNil(m Message) bool {
	switch v := m.(type) {
	case nil:
		return true
	case *ConnectAck:
		return v == nil
	case *Register:
		return v == nil
	case *GroupRegister:
		return v == nil
	case *RegisterAck:
		return v == nil
	case *Error:
		return v == nil
	}
	return false
}

func allowed(m Message, t Type) bool {
	switch m.(type) {
	case *ConnectAck:
		return t == TypeConnect
	case *Register:
		return t == TypeRegister || t == TypeDeregister
	case *GroupRegister:
		return t == TypeGroupRegister || t == TypeGroupDeregister
	case *RegisterAck, *Error:
		return t != TypeConnect
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

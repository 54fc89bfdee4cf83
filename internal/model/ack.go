package model

import (
	"fmt"
	"strings"
)

const (
	ackOK  = "OK"
	ackErr = "ERR"
)

// NetworkAck is a response envelope of every exchange. On the wire it's
// "OK", "OK:<message>" or "ERR:<reason>".
type NetworkAck struct {
	OK      bool
	Message string
}

func AckOK() NetworkAck {
	return NetworkAck{OK: true}
}

func AckOKf(format string, args ...any) NetworkAck {
	return NetworkAck{OK: true, Message: fmt.Sprintf(format, args...)}
}

func AckErr(reason string) NetworkAck {
	return NetworkAck{Message: reason}
}

func AckErrf(format string, args ...any) NetworkAck {
	return AckErr(fmt.Sprintf(format, args...))
}

func ParseAck(s string) (NetworkAck, error) {
	status, msg, _ := strings.Cut(s, ":")
	switch status {
	case ackOK:
		return NetworkAck{OK: true, Message: msg}, nil
	case ackErr:
		return NetworkAck{Message: msg}, nil
	default:
		return NetworkAck{}, fmt.Errorf("invalid ack %q", s)
	}
}

func (a NetworkAck) String() string {
	status := ackErr
	if a.OK {
		status = ackOK
	}
	if a.Message == "" && a.OK {
		return status
	}
	return status + ":" + a.Message
}

func (a NetworkAck) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *NetworkAck) UnmarshalText(b []byte) error {
	ack, err := ParseAck(string(b))
	if err != nil {
		return err
	}
	*a = ack
	return nil
}

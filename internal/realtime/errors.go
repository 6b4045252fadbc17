package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrSocketClosed  = errors.New("realtime socket closed")
	ErrPushTimeout   = errors.New("realtime push timed out")
	ErrChannelClosed = errors.New("realtime channel closed")
	ErrChannelFault  = errors.New("realtime channel error")
)

type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http request failed"
	}
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// JoinError carries the server's rejection of a channel join.
type JoinError struct {
	Topic    string
	Response string
}

func (e *JoinError) Error() string {
	if e.Response == "" {
		return fmt.Sprintf("join %s rejected", e.Topic)
	}
	return fmt.Sprintf("join %s rejected: %s", e.Topic, e.Response)
}

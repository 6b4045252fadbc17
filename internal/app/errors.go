package app

import "errors"

var ErrNoStreams = errors.New("no streams to mirror: set a user id or a group id")

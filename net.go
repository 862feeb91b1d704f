package irkd

import (
	"errors"
	"net"
)

func isErrClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

//go:build !linux

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/pkg/tunnel"
)

var errNotSupported = errors.New("not supported on this platform")

func kernelOpener() (tunnel.DeviceOpener, error) {
	return nil, fmt.Errorf("%w: kernel backend: %w", model.ErrConfigInvalid, errNotSupported)
}

func pinEndpointRoute(ctx context.Context, endpoint string) (func() error, error) {
	return nil, errNotSupported
}

//go:build !linux

package main

import (
	"errors"

	"github.com/peridio/peridio-rat/driver"
)

func newNetlinkDriver() (driver.Driver, error) {
	return nil, errors.New("tunneld: the netlink driver is only available on linux")
}

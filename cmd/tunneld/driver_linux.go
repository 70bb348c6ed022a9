//go:build linux

package main

import "github.com/peridio/peridio-rat/driver"

func newNetlinkDriver() (driver.Driver, error) {
	return driver.NewNetlinkDriver()
}

package main

import (
	"net"
)

type Options = options

var (
	Run = run
)

func MockNetListen(m func(string, string) (net.Listener, error)) (restore func()) {
	old := netListen
	netListen = m
	return func() {
		netListen = old
	}
}

package util

import (
	"net"
	"strconv"
)

// BoolValue returns the value of a *bool pointer, or the fallback if nil.
func BoolValue(ptr *bool, fallback bool) bool {
	if ptr == nil {
		return fallback
	}
	return *ptr
}

// BoolPtr returns a pointer to v, for populating optional config fields.
func BoolPtr(v bool) *bool {
	return &v
}

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

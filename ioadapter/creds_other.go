//go:build !linux

package ioadapter

import "net"

// unixCredFuncs has no portable implementation outside Linux's
// SCM_CREDENTIALS; callers fall back to plain reads/writes with ok=false
// (spec §9 "on platforms without ancillary-data support, credentials are
// silently dropped").
func unixCredFuncs(_ *net.UnixConn) (
	func([]byte) (int, Creds, bool, error),
	func([]byte, Creds) (int, error),
) {
	return nil, nil
}

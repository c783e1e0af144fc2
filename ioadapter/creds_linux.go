//go:build linux

package ioadapter

import (
	"net"

	"golang.org/x/sys/unix"
)

// unixCredFuncs returns recvmsg/sendmsg-backed read/write functions that
// carry SCM_CREDENTIALS ancillary data over a UNIX domain stream socket,
// or (nil, nil) if the socket's SO_PASSCRED cannot be enabled (spec §6
// "Credential ancillary data").
func unixCredFuncs(uc *net.UnixConn) (
	func([]byte) (int, Creds, bool, error),
	func([]byte, Creds) (int, error),
) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, nil
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	})
	if ctrlErr != nil || sockErr != nil {
		return nil, nil
	}

	reader := func(p []byte) (int, Creds, bool, error) {
		var n int
		var creds Creds
		var ok bool
		var rerr error

		pollErr := raw.Read(func(fd uintptr) bool {
			oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
			nn, noob, _, _, err := unix.Recvmsg(int(fd), p, oob, 0)
			if err == unix.EAGAIN {
				return false
			}
			n, rerr = nn, err
			if err == nil && noob > 0 {
				msgs, perr := unix.ParseSocketControlMessage(oob[:noob])
				if perr == nil {
					for i := range msgs {
						if ucred, uerr := unix.ParseUnixCredentials(&msgs[i]); uerr == nil {
							creds = Creds{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}
							ok = true
						}
					}
				}
			}
			return true
		})
		if pollErr != nil {
			return 0, Creds{}, false, pollErr
		}
		return n, creds, ok, rerr
	}

	writer := func(p []byte, creds Creds) (int, error) {
		var n int
		var werr error

		pollErr := raw.Write(func(fd uintptr) bool {
			oob := unix.UnixCredentials(&unix.Ucred{Pid: creds.PID, Uid: creds.UID, Gid: creds.GID})
			nn, _, err := unix.SendmsgN(int(fd), p, oob, nil, 0)
			if err == unix.EAGAIN {
				return false
			}
			n, werr = nn, err
			return true
		})
		if pollErr != nil {
			return 0, pollErr
		}
		return n, werr
	}

	return reader, writer
}

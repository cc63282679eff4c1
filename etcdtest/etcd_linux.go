//go:build linux

package etcdtest

import "syscall"

// getSysProcAttr has the kernel SIGTERM the etcd child should the test
// binary die without cleaning it up, for example on a test timeout panic.
var getSysProcAttr = func() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}

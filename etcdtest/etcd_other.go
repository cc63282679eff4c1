//go:build !linux

package etcdtest

import "syscall"

var getSysProcAttr = func() *syscall.SysProcAttr { return new(syscall.SysProcAttr) }

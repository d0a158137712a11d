//go:build unix && !linux

package service

import "golang.org/x/sys/unix"

func dup(oldfd, newfd int) error {
	return unix.Dup2(oldfd, newfd)
}

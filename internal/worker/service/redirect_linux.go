package service

import "golang.org/x/sys/unix"

func dup(oldfd, newfd int) error {
	return unix.Dup3(oldfd, newfd, 0)
}

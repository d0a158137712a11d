package service

import (
	"fmt"
	"os"
)

// RedirectStdio points the process's stdout and stderr at path, appending.
// The returned file must stay open for as long as the redirect is in use.
func RedirectStdio(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	for _, fd := range []int{int(os.Stdout.Fd()), int(os.Stderr.Fd())} {
		if err := dup(int(f.Fd()), fd); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to redirect fd %d: %w", fd, err)
		}
	}
	return f, nil
}

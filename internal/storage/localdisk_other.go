//go:build !linux

package storage

import "errors"

func statFilesystem(string) (string, error) {
	return "", errors.New("filesystem detection unsupported on this platform")
}

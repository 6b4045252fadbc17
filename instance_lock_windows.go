//go:build windows

package main

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

type instanceLock struct {
	handle windows.Handle
}

func (l *instanceLock) Release() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(l.handle)
	l.handle = 0
	if err != nil {
		return fmt.Errorf("close instance mutex: %w", err)
	}
	return nil
}

// acquireInstanceLock takes a session-local named mutex for scope. Windows
// does not expose the owner of a mutex, so holder is generic.
func acquireInstanceLock(scope string) (*instanceLock, string, error) {
	name, err := windows.UTF16PtrFromString(`Local\Tunesync-` + scope)
	if err != nil {
		return nil, "", fmt.Errorf("encode mutex name: %w", err)
	}
	handle, err := windows.CreateMutex(nil, false, name)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if handle != 0 {
			_ = windows.CloseHandle(handle)
		}
		return nil, "another process", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("create instance mutex: %w", err)
	}
	return &instanceLock{handle: handle}, "", nil
}

//go:build !unix && !windows

package sysproc

func newPlatform() (Adapter, error) { return nil, ErrUnsupportedOS }

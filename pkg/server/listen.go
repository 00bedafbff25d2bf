package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
)

// Listen opens a listener on addr, either host:port or unix:///path.
// A stale socket file left at path is removed first.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig

	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
		}
		return lc.Listen(ctx, "unix", path)
	}

	return lc.Listen(ctx, "tcp", addr)
}

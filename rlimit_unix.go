//go:build linux || darwin

package udss

import (
	"golang.org/x/sys/unix"
)

// RaiseFDLimit raises the open file limit to limit. When the hard limit
// cannot be raised the soft limit is lifted to the hard limit instead. It
// returns the soft limit in effect afterwards.
func RaiseFDLimit(limit uint64) (uint64, error) {
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		return 0, ioErr("get fd limit", err)
	}
	if limit == 0 || cur.Cur >= limit {
		return cur.Cur, nil
	}

	want := unix.Rlimit{Cur: limit, Max: max(limit, cur.Max)}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want); err == nil {
		return limit, nil
	} else if cur.Cur >= cur.Max {
		return cur.Cur, ioErr("set fd limit", err)
	}

	fallback := unix.Rlimit{Cur: cur.Max, Max: cur.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &fallback); err != nil {
		return cur.Cur, ioErr("set fd limit", err)
	}
	return cur.Max, nil
}

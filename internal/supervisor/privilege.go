//go:build linux

package supervisor

import (
	"fmt"
	"os/user"
	"sort"
	"strconv"
	"syscall"
)

// DropPrivileges is C7: it switches the running process to username's
// uid/gid and supplementary groups. It must be called before the event
// loop starts and before any subprocess is spawned, since children inherit
// the caller's credentials.
//
// Order matters: groups and gid must be set while still privileged enough
// to call setgid/setgroups, and uid must be dropped last since it is
// typically the point of no return.
func DropPrivileges(username string) error {
	if username == "" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	if euid := syscall.Geteuid(); euid != 0 && euid != uid {
		return fmt.Errorf("can't switch to user %q: not running as root", username)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return fmt.Errorf("lookup groups for %q: %w", username, err)
	}
	groups := make([]int, 0, len(groupIDs))
	for _, g := range groupIDs {
		gi, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		groups = append(groups, gi)
	}
	sort.Ints(groups)

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid(%d): %w", gid, err)
	}
	if err := syscall.Setgroups(groups); err != nil {
		return fmt.Errorf("setgroups(%v): %w", groups, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid(%d): %w", uid, err)
	}
	return nil
}

package server

import (
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/lpd"
)

var ErrNotAllowed = errors.New("not allowed")

// Permissions builds the request check from the permissions section. An
// empty host list admits every host.
func Permissions(cfg config.PermissionsConfig) lpd.PermissionFunc {
	var nets []*net.IPNet
	var hosts []string
	for _, h := range cfg.AllowHosts {
		if _, n, err := net.ParseCIDR(h); err == nil {
			nets = append(nets, n)
			continue
		}
		hosts = append(hosts, strings.ToLower(h))
	}
	denied := make(map[string]bool, len(cfg.DenyUsers))
	for _, u := range cfg.DenyUsers {
		denied[u] = true
	}

	hostAllowed := func(remote string) bool {
		if len(nets) == 0 && len(hosts) == 0 {
			return true
		}
		for _, h := range hosts {
			if h == "*" || h == strings.ToLower(remote) {
				return true
			}
		}
		if ip := net.ParseIP(remote); ip != nil {
			for _, n := range nets {
				if n.Contains(ip) {
					return true
				}
			}
		}
		return false
	}

	return func(c lpd.Check) error {
		if !hostAllowed(c.RemoteHost) {
			return errors.Wrapf(ErrNotAllowed, "host %s", c.RemoteHost)
		}
		if denied[c.User] || (c.AuthUser != "" && denied[c.AuthUser]) {
			return errors.Wrapf(ErrNotAllowed, "user %s", c.User)
		}
		return nil
	}
}

// IsOperator reports whether user at host is listed as an operator, either
// plainly or as user@host.
func IsOperator(cfg config.PermissionsConfig, user, host string) bool {
	for _, op := range cfg.Operators {
		if op == user || op == fmt.Sprintf("%s@%s", user, host) {
			return true
		}
	}
	return false
}

//go:build !windows

package ldap

import (
	"context"

	"github.com/go-ldap/ldap/v3"
)

func performCurrentUserAuth(_ context.Context, _ *ldap.Conn, _ *ConnectionConfig, _ *ServerInfo) error {
	return ErrNoCredentials
}

//go:build windows

package ldap

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// performCurrentUserAuth binds as the logged-on Windows user through SSPI.
func performCurrentUserAuth(ctx context.Context, conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	client, err := gssapi.NewSSPIClient()
	if err != nil {
		return fmt.Errorf("failed to acquire current user credentials: %w", err)
	}
	defer client.Close()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	tflog.SubsystemDebug(ctx, "kerberos", "Performing SSPI bind as current user", map[string]any{
		"spn": spn,
	})

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return fmt.Errorf("SSPI bind failed: %w", err)
	}
	return nil
}

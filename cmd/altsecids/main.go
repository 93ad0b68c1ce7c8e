// Command altsecids lists, adds and removes altSecurityIdentities values
// of Active Directory accounts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/pflag"

	"github.com/isometry/altsecids/internal/command"
	"github.com/isometry/altsecids/internal/config"
	ldapclient "github.com/isometry/altsecids/internal/ldap"
	"github.com/isometry/altsecids/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, rest, err := config.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			command.PrintHelp(stdout)
			fmt.Fprint(stdout, config.Usage())
			return command.ExitSuccess
		}
		fmt.Fprintf(stderr, "[-] Error: %s\n", err)
		return command.ExitError
	}

	ctx = logging.New(ctx, cfg.LogLevel)

	runner := &command.Runner{
		Stdout: stdout,
		Stderr: stderr,
		Open: func(ctx context.Context) (command.Directory, error) {
			return openDirectory(ctx, cfg, stderr)
		},
		Ignored: cfg.UnknownFlags,
	}

	return runner.Run(ctx, rest)
}

// openDirectory connects and binds using cfg. The caller closes the
// returned directory.
func openDirectory(ctx context.Context, cfg *config.Config, prompt io.Writer) (command.Directory, error) {
	if err := config.PromptPassword(cfg, os.Stdin, prompt); err != nil {
		return nil, err
	}

	connCfg, err := cfg.ConnectionConfig()
	if err != nil {
		return nil, err
	}

	tflog.SubsystemDebug(ctx, "command", "Opening directory connection", map[string]any{
		"domain":      connCfg.Domain,
		"ldap_urls":   connCfg.LDAPURLs,
		"base_dn":     connCfg.BaseDN,
		"auth_method": connCfg.GetAuthMethod().String(),
		"username":    connCfg.Username,
	})

	client, err := ldapclient.NewClient(connCfg)
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	if who, err := client.WhoAmI(ctx); err == nil {
		tflog.SubsystemDebug(ctx, "command", "Bound to directory", map[string]any{
			"authz_id": who.AuthzID,
			"format":   who.Format,
		})
	}

	return command.NewDirectory(client, connCfg.BaseDN, connCfg.Timeout), nil
}

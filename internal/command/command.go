// Package command implements the list, add and remove verbs on top of the
// principal resolver and attribute editor.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/altsecids/internal/ldap"
)

// Process exit codes.
const (
	ExitSuccess    = iota // success, including help
	ExitError             // configuration or connection failure
	ExitValidation        // missing or blank target or value
	ExitNotFound          // principal lookup failed
	ExitMutation          // the directory rejected the change
)

// ErrValidation marks argument validation failures.
var ErrValidation = errors.New("validation failed")

// ValidationError reports an invalid invocation detected before any
// directory call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Resolver locates principals.
type Resolver interface {
	FindOne(ctx context.Context, logonName string) (*ldapclient.PrincipalRef, error)
	Get(ctx context.Context, logonName string) (*ldapclient.Principal, error)
	FindAllWithAttribute(ctx context.Context) (iter.Seq[ldapclient.Principal], error)
}

// Editor commits single-value attribute changes.
type Editor interface {
	AddValue(ctx context.Context, ref *ldapclient.PrincipalRef, value string) error
	RemoveValue(ctx context.Context, ref *ldapclient.PrincipalRef, value string) error
}

// Directory is an open directory session used by one invocation.
type Directory interface {
	Resolver
	Editor
	Close() error
}

// session composes a resolver and an editor over one client.
type session struct {
	*ldapclient.PrincipalResolver
	*ldapclient.AttributeEditor
	client ldapclient.Client
}

func (s *session) Close() error {
	return s.client.Close()
}

// NewDirectory returns a Directory backed by client. An empty baseDN is
// resolved by the client from the RootDSE. A positive timeout bounds each
// search on the server side.
func NewDirectory(client ldapclient.Client, baseDN string, timeout time.Duration) Directory {
	resolver := ldapclient.NewPrincipalResolver(client, baseDN)
	if timeout > 0 {
		resolver.SetTimeout(timeout)
	}
	return &session{
		PrincipalResolver: resolver,
		AttributeEditor:   ldapclient.NewAttributeEditor(client),
		client:            client,
	}
}

// Runner executes invocations. Open is only called once arguments have
// been validated.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Open   func(ctx context.Context) (Directory, error)

	// Ignored lists options dropped before dispatch, such as unknown
	// dash-prefixed flags. They are reported with the unknown options.
	Ignored []string
}

// Run parses args, executes the requested verb and returns the exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	inv := ParseArgs(args)

	unknown := append(slices.Clone(r.Ignored), inv.Unknown...)
	for _, opt := range unknown {
		fmt.Fprintf(r.Stderr, "[-] Unknown option %s\n", opt)
	}

	tflog.SubsystemDebug(ctx, "command", "Parsed invocation", map[string]any{
		"verb":            string(inv.Verb),
		"target":          inv.Target,
		"unknown_options": unknown,
	})

	switch inv.Verb {
	case VerbList:
		return r.list(ctx, inv)
	case VerbAdd:
		return r.mutate(ctx, inv, VerbAdd)
	case VerbRemove:
		return r.mutate(ctx, inv, VerbRemove)
	default:
		PrintHelp(r.Stdout)
		return ExitSuccess
	}
}

// Validate checks the arguments required by inv.Verb.
func Validate(inv Invocation) error {
	switch inv.Verb {
	case VerbAdd, VerbRemove:
		if strings.TrimSpace(inv.Target) == "" {
			return &ValidationError{Message: "Target cannot be empty."}
		}
		if strings.TrimSpace(inv.AltSecID) == "" {
			return &ValidationError{Message: "Attribute value cannot be empty."}
		}
	case VerbList:
		if inv.TargetSet && strings.TrimSpace(inv.Target) == "" {
			return &ValidationError{Message: "Target cannot be empty."}
		}
	}
	return nil
}

func (r *Runner) open(ctx context.Context) (Directory, bool) {
	dir, err := r.Open(ctx)
	if err != nil {
		tflog.SubsystemError(ctx, "command", "Failed to open directory", map[string]any{
			"error": err.Error(),
		})
		if ldapclient.IsAuthenticationError(err) {
			r.errorf("Authentication failed: %s", message(err))
		} else {
			r.errorf("%s", err)
		}
		return nil, false
	}
	return dir, true
}

func (r *Runner) closeDirectory(ctx context.Context, dir Directory) {
	if err := dir.Close(); err != nil {
		tflog.SubsystemWarn(ctx, "command", "Failed to close directory", map[string]any{
			"error": err.Error(),
		})
	}
}

func (r *Runner) list(ctx context.Context, inv Invocation) int {
	if err := Validate(inv); err != nil {
		fmt.Fprintf(r.Stderr, "[-] %s\n", err)
		return ExitValidation
	}

	dir, ok := r.open(ctx)
	if !ok {
		return ExitError
	}
	defer r.closeDirectory(ctx, dir)

	if inv.TargetSet {
		principal, err := dir.Get(ctx, inv.Target)
		if err != nil {
			if !errors.Is(err, ldapclient.ErrPrincipalNotFound) {
				r.errorf("%s", message(err))
			}
			r.errorf("Target not found.")
			return ExitNotFound
		}
		r.printPrincipal(*principal)
		return ExitSuccess
	}

	principals, err := dir.FindAllWithAttribute(ctx)
	if err != nil {
		r.errorf("%s", message(err))
		return ExitNotFound
	}
	for principal := range principals {
		r.printPrincipal(principal)
	}
	return ExitSuccess
}

func (r *Runner) mutate(ctx context.Context, inv Invocation, verb Verb) int {
	if err := Validate(inv); err != nil {
		fmt.Fprintf(r.Stderr, "[-] %s\n", err)
		return ExitValidation
	}

	failed := "Failed to add value to attribute."
	if verb == VerbRemove {
		failed = "Failed to remove value to attribute."
	}

	dir, ok := r.open(ctx)
	if !ok {
		return ExitError
	}
	defer r.closeDirectory(ctx, dir)

	ref, err := dir.FindOne(ctx, inv.Target)
	if err != nil {
		notFound := errors.Is(err, ldapclient.ErrPrincipalNotFound)
		if !notFound {
			r.errorf("%s", message(err))
		}
		if notFound || errors.Is(err, ldapclient.ErrAmbiguousPrincipal) {
			r.errorf("Target %s not found.", inv.Target)
		}
		r.errorf("%s", failed)
		return ExitNotFound
	}

	if verb == VerbAdd {
		err = dir.AddValue(ctx, ref, inv.AltSecID)
	} else {
		err = dir.RemoveValue(ctx, ref, inv.AltSecID)
	}
	if err != nil {
		tflog.SubsystemError(ctx, "command", "Attribute change rejected", map[string]any{
			"verb":      string(verb),
			"dn":        ref.DN(),
			"committed": ref.Committed(),
			"category":  string(ldapclient.GetErrorCategory(err)),
			"error":     err.Error(),
		})
		r.errorf("%s", rejection(err, verb))
		r.errorf("%s", failed)
		return ExitMutation
	}

	if verb == VerbAdd {
		fmt.Fprintf(r.Stdout, "[+] Added %s to %s.\n", inv.AltSecID, inv.Target)
	} else {
		fmt.Fprintf(r.Stdout, "[+] Removed %s from %s.\n", inv.AltSecID, inv.Target)
	}
	return ExitSuccess
}

// printPrincipal prints the logon name followed by one indented line per
// value. Principals without values print nothing.
func (r *Runner) printPrincipal(p ldapclient.Principal) {
	if len(p.AltSecurityIdentities) == 0 {
		return
	}
	fmt.Fprintln(r.Stdout, p.SAMAccountName)
	for _, v := range p.AltSecurityIdentities {
		fmt.Fprintf(r.Stdout, "  %s\n", v)
	}
}

func (r *Runner) errorf(format string, args ...any) {
	fmt.Fprintf(r.Stderr, "[-] Error: "+format+"\n", args...)
}

// rejection explains a refused change, prefixing the diagnostic with the
// reason when the result code identifies one.
func rejection(err error, verb Verb) string {
	switch {
	case ldapclient.IsPermissionError(err):
		return "Access denied: " + message(err)
	case ldapclient.IsConflictError(err) && verb == VerbAdd:
		return "Value already present: " + message(err)
	case ldapclient.IsNotFoundError(err) && verb == VerbRemove:
		return "Value not present: " + message(err)
	}
	return message(err)
}

// message returns the text shown to the user for err.
func message(err error) string {
	var resErr *ldapclient.ResolutionError
	if errors.As(err, &resErr) {
		return ldapclient.Diagnostic(resErr.Err)
	}
	return ldapclient.Diagnostic(err)
}

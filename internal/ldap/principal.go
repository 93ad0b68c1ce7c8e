package ldap

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// AttrAltSecurityIdentities is the multi-valued attribute holding explicit
// certificate mappings of a principal.
const AttrAltSecurityIdentities = "altSecurityIdentities"

const (
	userFilter              = "(&(objectClass=user)(sAMAccountName=%s))"
	withAltSecurityIDFilter = "(&(objectClass=user)(altSecurityIdentities=*))"
)

// principalAttributes are requested for every principal lookup.
var principalAttributes = []string{
	"sAMAccountName",
	AttrAltSecurityIdentities,
	"objectSid",
	"objectGUID",
}

// Principal is a snapshot of a user or computer account.
type Principal struct {
	SAMAccountName        string   `json:"sAMAccountName"`
	DistinguishedName     string   `json:"distinguishedName"`
	AltSecurityIdentities []string `json:"altSecurityIdentities"`
	ObjectSID             string   `json:"objectSid,omitempty"`
	ObjectGUID            string   `json:"objectGUID,omitempty"`
}

// PrincipalRef binds one resolved principal to a single mutation.
// It is created by FindOne and must not be reused once committed.
type PrincipalRef struct {
	Principal

	committed bool
}

// DN returns the distinguished name of the referenced principal.
func (r *PrincipalRef) DN() string {
	return r.DistinguishedName
}

// Committed reports whether a mutation has been issued through the ref.
func (r *PrincipalRef) Committed() bool {
	return r.committed
}

// PrincipalResolver locates principals by logon name.
type PrincipalResolver struct {
	client  Client
	baseDN  string
	timeout time.Duration
}

// NewPrincipalResolver creates a resolver searching below baseDN. An empty
// baseDN defers to the client, which falls back to the RootDSE.
func NewPrincipalResolver(client Client, baseDN string) *PrincipalResolver {
	return &PrincipalResolver{
		client:  client,
		baseDN:  baseDN,
		timeout: 30 * time.Second,
	}
}

// SetTimeout sets the server-side time limit of searches.
func (r *PrincipalResolver) SetTimeout(timeout time.Duration) {
	r.timeout = timeout
}

func (r *PrincipalResolver) searchBase(ctx context.Context) (string, error) {
	if r.baseDN != "" {
		return r.baseDN, nil
	}
	return r.client.GetBaseDN(ctx)
}

// FindOne resolves exactly one principal whose sAMAccountName equals logonName.
// The name is matched literally; filter metacharacters are escaped.
func (r *PrincipalResolver) FindOne(ctx context.Context, logonName string) (*PrincipalRef, error) {
	if strings.TrimSpace(logonName) == "" {
		return nil, &ResolutionError{Err: errors.New("logon name cannot be empty")}
	}

	baseDN, err := r.searchBase(ctx)
	if err != nil {
		return nil, &ResolutionError{Target: logonName, Err: WrapError("search_base", err)}
	}

	filter := fmt.Sprintf(userFilter, ldap.EscapeFilter(logonName))

	tflog.SubsystemDebug(ctx, "ldap", "Resolving principal", map[string]any{
		"logon_name": logonName,
		"base_dn":    baseDN,
		"filter":     filter,
	})

	// A size limit of two is enough to tell "exactly one" from "ambiguous".
	result, err := r.client.Search(ctx, &SearchRequest{
		BaseDN:     baseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     filter,
		Attributes: principalAttributes,
		SizeLimit:  2,
		TimeLimit:  r.timeout,
	})
	if err != nil {
		return nil, &ResolutionError{Target: logonName, Err: WrapError("search_principal", err)}
	}

	switch len(result.Entries) {
	case 0:
		return nil, &ResolutionError{Target: logonName, Err: ErrPrincipalNotFound}
	case 1:
	default:
		tflog.SubsystemWarn(ctx, "ldap", "Logon name is ambiguous", map[string]any{
			"logon_name": logonName,
			"matches":    len(result.Entries),
		})
		return nil, &ResolutionError{Target: logonName, Err: ErrAmbiguousPrincipal}
	}

	principal := entryToPrincipal(result.Entries[0])

	tflog.SubsystemDebug(ctx, "ldap", "Resolved principal", map[string]any{
		"dn":          principal.DistinguishedName,
		"object_sid":  principal.ObjectSID,
		"object_guid": principal.ObjectGUID,
		"value_count": len(principal.AltSecurityIdentities),
	})

	return &PrincipalRef{Principal: principal}, nil
}

// Get resolves one principal and returns its snapshot.
func (r *PrincipalResolver) Get(ctx context.Context, logonName string) (*Principal, error) {
	ref, err := r.FindOne(ctx, logonName)
	if err != nil {
		return nil, err
	}
	return &ref.Principal, nil
}

// FindAllWithAttribute returns every principal with at least one
// altSecurityIdentities value, in directory enumeration order. The query
// runs before FindAllWithAttribute returns; each call issues a new query.
func (r *PrincipalResolver) FindAllWithAttribute(ctx context.Context) (iter.Seq[Principal], error) {
	baseDN, err := r.searchBase(ctx)
	if err != nil {
		return nil, &ResolutionError{Err: WrapError("search_base", err)}
	}

	result, err := r.client.SearchWithPaging(ctx, &SearchRequest{
		BaseDN:     baseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     withAltSecurityIDFilter,
		Attributes: principalAttributes,
		TimeLimit:  r.timeout,
	})
	if err != nil {
		return nil, &ResolutionError{Err: WrapError("search_principals", err)}
	}

	tflog.SubsystemDebug(ctx, "ldap", "Enumerated principals with explicit mappings", map[string]any{
		"base_dn": baseDN,
		"entries": len(result.Entries),
	})

	entries := result.Entries
	return func(yield func(Principal) bool) {
		for _, entry := range entries {
			principal := entryToPrincipal(entry)
			if len(principal.AltSecurityIdentities) == 0 {
				continue
			}
			if !yield(principal) {
				return
			}
		}
	}, nil
}

func entryToPrincipal(entry *ldap.Entry) Principal {
	return Principal{
		SAMAccountName:        entry.GetEqualFoldAttributeValue("sAMAccountName"),
		DistinguishedName:     entry.DN,
		AltSecurityIdentities: entry.GetEqualFoldAttributeValues(AttrAltSecurityIdentities),
		ObjectSID:             extractSID(entry),
		ObjectGUID:            extractGUID(entry),
	}
}

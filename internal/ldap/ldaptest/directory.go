// Package ldaptest provides an in-memory directory implementing the
// ldapclient.Client interface for tests.
//
// Filters are compiled with go-ldap and evaluated against the stored entries,
// so tests exercise the exact filter strings sent to a real server. Modify
// requests follow value-level LDAP semantics: adding an existing value fails
// with attributeOrValueExists and deleting a missing value fails with
// noSuchAttribute.
package ldaptest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/altsecids/internal/ldap"
)

// Directory is an in-memory ldapclient.Client.
type Directory struct {
	mu sync.Mutex

	baseDN  string
	entries []*entry

	connected bool
	connects  int
	searches  []ldapclient.SearchRequest
	modifies  []ldapclient.ModifyRequest

	// ConnectErr, SearchErr and ModifyErr, when set, are returned by the
	// corresponding operations instead of touching the entries.
	ConnectErr error
	SearchErr  error
	ModifyErr  error
}

type entry struct {
	dn    string
	attrs []*ldap.EntryAttribute
}

var _ ldapclient.Client = (*Directory)(nil)

// New returns an empty directory whose RootDSE advertises baseDN.
func New(baseDN string) *Directory {
	return &Directory{baseDN: baseDN}
}

// AddEntry stores an entry. Attribute order is preserved for enumeration;
// entries are enumerated in insertion order.
func (d *Directory) AddEntry(dn string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := &entry{dn: dn}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		e.attrs = append(e.attrs, ldap.NewEntryAttribute(name, slices.Clone(attrs[name])))
	}
	d.entries = append(d.entries, e)
}

// AddUser stores a user account under CN=Users and returns its DN.
func (d *Directory) AddUser(sam string, altSecIDs ...string) string {
	dn := fmt.Sprintf("CN=%s,CN=Users,%s", ldap.EscapeDN(sam), d.baseDN)
	attrs := map[string][]string{
		"objectClass":    {"top", "person", "organizationalPerson", "user"},
		"sAMAccountName": {sam},
	}
	if len(altSecIDs) > 0 {
		attrs[ldapclient.AttrAltSecurityIdentities] = altSecIDs
	}
	d.AddEntry(dn, attrs)
	return dn
}

// AddComputer stores a computer account under CN=Computers and returns its DN.
func (d *Directory) AddComputer(name string, altSecIDs ...string) string {
	dn := fmt.Sprintf("CN=%s,CN=Computers,%s", ldap.EscapeDN(name), d.baseDN)
	attrs := map[string][]string{
		"objectClass":    {"top", "person", "organizationalPerson", "user", "computer"},
		"sAMAccountName": {name + "$"},
	}
	if len(altSecIDs) > 0 {
		attrs[ldapclient.AttrAltSecurityIdentities] = altSecIDs
	}
	d.AddEntry(dn, attrs)
	return dn
}

// Values returns the current values of attr on dn.
func (d *Directory) Values(dn, attr string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.find(dn)
	if e == nil {
		return nil
	}
	if a := e.attr(attr); a != nil {
		return slices.Clone(a.Values)
	}
	return nil
}

// Connects returns how many times Connect was called.
func (d *Directory) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Searches returns the search requests received so far.
func (d *Directory) Searches() []ldapclient.SearchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.searches)
}

// Modifies returns the modify requests received so far.
func (d *Directory) Modifies() []ldapclient.ModifyRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.modifies)
}

// Connect implements ldapclient.Client.
func (d *Directory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.connects++
	if d.ConnectErr != nil {
		return d.ConnectErr
	}
	d.connected = true
	return nil
}

// Close implements ldapclient.Client.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

// Search implements ldapclient.Client.
func (d *Directory) Search(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	return d.search(ctx, req, req.SizeLimit)
}

// SearchWithPaging implements ldapclient.Client.
func (d *Directory) SearchWithPaging(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	return d.search(ctx, req, 0)
}

func (d *Directory) search(ctx context.Context, req *ldapclient.SearchRequest, sizeLimit int) (*ldapclient.SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.searches = append(d.searches, *req)
	if d.SearchErr != nil {
		return nil, d.SearchErr
	}

	if req.Scope == ldapclient.ScopeBaseObject && req.BaseDN == "" {
		root := ldap.NewEntry("", map[string][]string{"defaultNamingContext": {d.baseDN}})
		return &ldapclient.SearchResult{Entries: []*ldap.Entry{root}, Total: 1}, nil
	}

	filter, err := ldap.CompileFilter(req.Filter)
	if err != nil {
		return nil, ldapclient.WrapError("search", err)
	}

	result := &ldapclient.SearchResult{}
	for _, e := range d.entries {
		if !inScope(e.dn, req.BaseDN, req.Scope) {
			continue
		}
		ok, err := e.matches(filter)
		if err != nil {
			return nil, ldapclient.WrapError("search", err)
		}
		if !ok {
			continue
		}
		if sizeLimit > 0 && len(result.Entries) >= sizeLimit {
			result.HasMore = true
			break
		}
		result.Entries = append(result.Entries, e.project(req.Attributes))
	}
	result.Total = len(result.Entries)

	return result, nil
}

// Modify implements ldapclient.Client. All changes are validated before any
// is applied.
func (d *Directory) Modify(ctx context.Context, req *ldapclient.ModifyRequest) error {
	if req == nil {
		return errors.New("modify request cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.modifies = append(d.modifies, *req)
	if d.ModifyErr != nil {
		return d.ModifyErr
	}

	e := d.find(req.DN)
	if e == nil {
		return modifyError(req.DN, ldap.LDAPResultNoSuchObject, "0000208D: NameErr: DSID-0310028D, problem 2001 (NO_OBJECT)")
	}

	for name, values := range req.AddAttributes {
		a := e.attr(name)
		for _, v := range values {
			if a != nil && containsFold(a.Values, v) {
				return modifyError(req.DN, ldap.LDAPResultAttributeOrValueExists,
					fmt.Sprintf("00002083: AtrErr: DSID-03151904, problem 1006 (ATT_OR_VALUE_EXISTS), data 0, Att (%s)", name))
			}
		}
	}
	for name, values := range req.DeleteAttributes {
		a := e.attr(name)
		for _, v := range values {
			if a == nil || !containsFold(a.Values, v) {
				return modifyError(req.DN, ldap.LDAPResultNoSuchAttribute,
					fmt.Sprintf("00002085: AtrErr: DSID-03152D2C, problem 1001 (NO_ATTRIBUTE_OR_VAL), data 0, Att (%s)", name))
			}
		}
	}

	for name, values := range req.AddAttributes {
		a := e.attr(name)
		if a == nil {
			a = ldap.NewEntryAttribute(name, nil)
			e.attrs = append(e.attrs, a)
		}
		a.Values = append(a.Values, values...)
		a.ByteValues = toBytes(a.Values)
	}
	for name, values := range req.DeleteAttributes {
		a := e.attr(name)
		a.Values = slices.DeleteFunc(a.Values, func(v string) bool { return containsFold(values, v) })
		a.ByteValues = toBytes(a.Values)
		if len(a.Values) == 0 {
			e.attrs = slices.DeleteFunc(e.attrs, func(x *ldap.EntryAttribute) bool { return x == a })
		}
	}

	return nil
}

// GetBaseDN implements ldapclient.Client.
func (d *Directory) GetBaseDN(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.baseDN, nil
}

// WhoAmI implements ldapclient.Client.
func (d *Directory) WhoAmI(ctx context.Context) (*ldapclient.WhoAmIResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ldapclient.ParseAuthzID(`u:TEST\tester`), nil
}

func (d *Directory) find(dn string) *entry {
	for _, e := range d.entries {
		if strings.EqualFold(e.dn, dn) {
			return e
		}
	}
	return nil
}

func (e *entry) attr(name string) *ldap.EntryAttribute {
	for _, a := range e.attrs {
		if strings.EqualFold(a.Name, name) {
			return a
		}
	}
	return nil
}

func (e *entry) project(attributes []string) *ldap.Entry {
	values := make(map[string][]string)
	for _, a := range e.attrs {
		if len(attributes) == 0 || containsFold(attributes, a.Name) || slices.Contains(attributes, "*") {
			values[a.Name] = slices.Clone(a.Values)
		}
	}
	return ldap.NewEntry(e.dn, values)
}

// matches evaluates a compiled filter against the entry.
func (e *entry) matches(p *ber.Packet) (bool, error) {
	switch p.Tag {
	case ldap.FilterAnd:
		for _, child := range p.Children {
			ok, err := e.matches(child)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case ldap.FilterOr:
		for _, child := range p.Children {
			ok, err := e.matches(child)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil

	case ldap.FilterNot:
		ok, err := e.matches(p.Children[0])
		return !ok, err

	case ldap.FilterEqualityMatch:
		name := ber.DecodeString(p.Children[0].Data.Bytes())
		value := ber.DecodeString(p.Children[1].Data.Bytes())
		a := e.attr(name)
		return a != nil && containsFold(a.Values, value), nil

	case ldap.FilterPresent:
		a := e.attr(ber.DecodeString(p.Data.Bytes()))
		return a != nil && len(a.Values) > 0, nil

	case ldap.FilterSubstrings:
		a := e.attr(ber.DecodeString(p.Children[0].Data.Bytes()))
		if a == nil {
			return false, nil
		}
		for _, v := range a.Values {
			if matchSubstrings(strings.ToLower(v), p.Children[1].Children) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, ldap.NewError(ldap.LDAPResultUnwillingToPerform,
			fmt.Errorf("unsupported filter component %q", ldap.FilterMap[uint64(p.Tag)]))
	}
}

func matchSubstrings(value string, parts []*ber.Packet) bool {
	pos := 0
	for _, part := range parts {
		s := strings.ToLower(ber.DecodeString(part.Data.Bytes()))
		switch part.Tag {
		case ldap.FilterSubstringsInitial:
			if !strings.HasPrefix(value, s) {
				return false
			}
			pos = len(s)
		case ldap.FilterSubstringsAny:
			i := strings.Index(value[pos:], s)
			if i < 0 {
				return false
			}
			pos += i + len(s)
		case ldap.FilterSubstringsFinal:
			if !strings.HasSuffix(value[pos:], s) {
				return false
			}
		}
	}
	return true
}

func inScope(dn, baseDN string, scope ldapclient.SearchScope) bool {
	dn, baseDN = strings.ToLower(dn), strings.ToLower(baseDN)
	switch scope {
	case ldapclient.ScopeBaseObject:
		return dn == baseDN
	case ldapclient.ScopeSingleLevel:
		_, parent, ok := strings.Cut(dn, ",")
		return ok && parent == baseDN
	default:
		return baseDN == "" || dn == baseDN || strings.HasSuffix(dn, ","+baseDN)
	}
}

func containsFold(values []string, v string) bool {
	return slices.ContainsFunc(values, func(x string) bool { return strings.EqualFold(x, v) })
}

func toBytes(values []string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func modifyError(dn string, code uint16, diagnostic string) error {
	err := ldapclient.NewLDAPError("modify", ldap.NewError(code, errors.New(diagnostic)))
	err.DN = dn
	return err
}

package ldap_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/altsecids/internal/ldap"
	"github.com/isometry/altsecids/internal/ldap/ldaptest"
)

const (
	testBaseDN = "DC=mydomain,DC=local"
	bobSKI     = "X509:<SKI>4b8c70eeaadd62c88487a27c79a444ec930837f4"
	bobIssuer  = "X509:<I>DC=local,DC=mydomain,CN=myca<S>DC=local,DC=mydomain,CN=mycert"
)

func TestPrincipalResolver_FindOne(t *testing.T) {
	ctx := context.Background()

	t.Run("user", func(t *testing.T) {
		dir := ldaptest.New(testBaseDN)
		dn := dir.AddUser("bob", bobSKI, bobIssuer)

		ref, err := ldapclient.NewPrincipalResolver(dir, "").FindOne(ctx, "bob")
		require.NoError(t, err)

		assert.Equal(t, dn, ref.DN())
		assert.Equal(t, "bob", ref.SAMAccountName)
		assert.Equal(t, []string{bobSKI, bobIssuer}, ref.AltSecurityIdentities)
		assert.False(t, ref.Committed())

		searches := dir.Searches()
		require.Len(t, searches, 1)
		assert.Equal(t, testBaseDN, searches[0].BaseDN)
		assert.Equal(t, ldapclient.ScopeWholeSubtree, searches[0].Scope)
		assert.Equal(t, "(&(objectClass=user)(sAMAccountName=bob))", searches[0].Filter)
		assert.Equal(t, 2, searches[0].SizeLimit)
		assert.Contains(t, searches[0].Attributes, ldapclient.AttrAltSecurityIdentities)
	})

	t.Run("computer", func(t *testing.T) {
		dir := ldaptest.New(testBaseDN)
		dn := dir.AddComputer("SRV01")

		ref, err := ldapclient.NewPrincipalResolver(dir, "").FindOne(ctx, "SRV01$")
		require.NoError(t, err)
		assert.Equal(t, dn, ref.DN())
		assert.Empty(t, ref.AltSecurityIdentities)
	})

	t.Run("identifiers are decoded", func(t *testing.T) {
		sid := []byte{
			0x01, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05,
			0x15, 0x00, 0x00, 0x00, 0xdc, 0xf4, 0xdc, 0x3b,
			0x83, 0x3d, 0x2b, 0x46, 0x82, 0x8b, 0xa6, 0x28,
			0x51, 0x04, 0x00, 0x00,
		}
		guid := []byte{
			0x6d, 0x0e, 0x8f, 0x2b, 0x1a, 0x3c, 0x2e, 0x4f,
			0x9d, 0x5b, 0x7a, 0x6c, 0x8e, 0x9f, 0x0a, 0x1b,
		}
		dir := ldaptest.New(testBaseDN)
		dir.AddEntry("CN=alice,CN=Users,"+testBaseDN, map[string][]string{
			"objectClass":    {"user"},
			"sAMAccountName": {"alice"},
			"objectSid":      {string(sid)},
			"objectGUID":     {string(guid)},
		})

		ref, err := ldapclient.NewPrincipalResolver(dir, "").FindOne(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "S-1-5-21-1004336348-1177238915-682003330-1105", ref.ObjectSID)
		assert.Equal(t, "2b8f0e6d-3c1a-4f2e-9d5b-7a6c8e9f0a1b", ref.ObjectGUID)
	})

	t.Run("not found", func(t *testing.T) {
		dir := ldaptest.New(testBaseDN)
		dir.AddUser("alice")

		_, err := ldapclient.NewPrincipalResolver(dir, "").FindOne(ctx, "bob")
		require.ErrorIs(t, err, ldapclient.ErrPrincipalNotFound)

		var resErr *ldapclient.ResolutionError
		require.ErrorAs(t, err, &resErr)
		assert.Equal(t, "bob", resErr.Target)
	})

	t.Run("ambiguous", func(t *testing.T) {
		dir := ldaptest.New(testBaseDN)
		dir.AddUser("bob")
		dir.AddEntry("CN=bob,OU=Contractors,"+testBaseDN, map[string][]string{
			"objectClass":    {"user"},
			"sAMAccountName": {"bob"},
		})

		_, err := ldapclient.NewPrincipalResolver(dir, "").FindOne(ctx, "bob")
		assert.ErrorIs(t, err, ldapclient.ErrAmbiguousPrincipal)
	})

	t.Run("blank logon name", func(t *testing.T) {
		dir := ldaptest.New(testBaseDN)

		for _, name := range []string{"", " ", "\t"} {
			_, err := ldapclient.NewPrincipalResolver(dir, "").FindOne(ctx, name)
			assert.Error(t, err, "name %q", name)
		}
		assert.Empty(t, dir.Searches())
	})

	t.Run("configured base limits scope", func(t *testing.T) {
		dir := ldaptest.New(testBaseDN)
		dir.AddUser("bob")

		_, err := ldapclient.NewPrincipalResolver(dir, "CN=Computers,"+testBaseDN).FindOne(ctx, "bob")
		assert.ErrorIs(t, err, ldapclient.ErrPrincipalNotFound)
		assert.Equal(t, "CN=Computers,"+testBaseDN, dir.Searches()[0].BaseDN)
	})

	t.Run("search failure", func(t *testing.T) {
		dir := ldaptest.New(testBaseDN)
		dir.SearchErr = ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy"))

		_, err := ldapclient.NewPrincipalResolver(dir, "").FindOne(ctx, "bob")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ldapclient.ErrPrincipalNotFound)

		var ldapErr *ldapclient.LDAPError
		require.ErrorAs(t, err, &ldapErr)
		assert.Equal(t, uint16(ldap.LDAPResultBusy), ldapErr.LDAPCode)
		assert.Equal(t, "server busy", ldapclient.Diagnostic(err))
	})

	t.Run("timeout is sent with the search", func(t *testing.T) {
		dir := ldaptest.New(testBaseDN)
		dir.AddUser("bob")

		resolver := ldapclient.NewPrincipalResolver(dir, "")
		resolver.SetTimeout(5 * time.Second)
		_, err := resolver.FindOne(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, dir.Searches()[0].TimeLimit)
	})
}

func TestPrincipalResolver_FindOneEscapesFilter(t *testing.T) {
	tests := []struct {
		name       string
		logonName  string
		wantFilter string
	}{
		{"wildcard", "bob*", `(&(objectClass=user)(sAMAccountName=bob\2a))`},
		{"parentheses", "bob)(objectClass=*", `(&(objectClass=user)(sAMAccountName=bob\29\28objectClass=\2a))`},
		{"backslash", `corp\bob`, `(&(objectClass=user)(sAMAccountName=corp\5cbob))`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := ldaptest.New(testBaseDN)
			dir.AddUser("bob")
			dir.AddUser("bobby")

			_, err := ldapclient.NewPrincipalResolver(dir, "").FindOne(context.Background(), tt.logonName)
			assert.ErrorIs(t, err, ldapclient.ErrPrincipalNotFound)
			assert.Equal(t, tt.wantFilter, dir.Searches()[0].Filter)
		})
	}
}

func TestPrincipalResolver_Get(t *testing.T) {
	dir := ldaptest.New(testBaseDN)
	dn := dir.AddUser("bob", bobSKI)

	principal, err := ldapclient.NewPrincipalResolver(dir, "").Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, &ldapclient.Principal{
		SAMAccountName:        "bob",
		DistinguishedName:     dn,
		AltSecurityIdentities: []string{bobSKI},
	}, principal)

	_, err = ldapclient.NewPrincipalResolver(dir, "").Get(context.Background(), "alice")
	assert.ErrorIs(t, err, ldapclient.ErrPrincipalNotFound)
}

func TestPrincipalResolver_FindAllWithAttribute(t *testing.T) {
	ctx := context.Background()

	dir := ldaptest.New(testBaseDN)
	dir.AddUser("carol", "X509:<RFC822>carol@mydomain.local")
	dir.AddUser("alice")
	dir.AddComputer("SRV01", bobSKI)
	dir.AddUser("bob", bobIssuer, bobSKI)

	resolver := ldapclient.NewPrincipalResolver(dir, "")
	principals, err := resolver.FindAllWithAttribute(ctx)
	require.NoError(t, err)

	var names []string
	var values [][]string
	for p := range principals {
		names = append(names, p.SAMAccountName)
		values = append(values, p.AltSecurityIdentities)
	}
	assert.Equal(t, []string{"carol", "SRV01$", "bob"}, names, "directory order, principals without values skipped")
	assert.Equal(t, []string{bobIssuer, bobSKI}, values[2], "value order is preserved")

	searches := dir.Searches()
	require.Len(t, searches, 1)
	assert.Equal(t, "(&(objectClass=user)(altSecurityIdentities=*))", searches[0].Filter)
	assert.Zero(t, searches[0].SizeLimit)

	t.Run("each call queries again", func(t *testing.T) {
		dir.AddUser("dave", "X509:<SKI>00")

		principals, err := resolver.FindAllWithAttribute(ctx)
		require.NoError(t, err)

		var names []string
		for p := range principals {
			names = append(names, p.SAMAccountName)
		}
		assert.True(t, slices.Contains(names, "dave"))
		assert.Len(t, dir.Searches(), 2)
	})

	t.Run("early stop", func(t *testing.T) {
		principals, err := resolver.FindAllWithAttribute(ctx)
		require.NoError(t, err)

		count := 0
		for range principals {
			count++
			break
		}
		assert.Equal(t, 1, count)
	})

	t.Run("search failure", func(t *testing.T) {
		failing := ldaptest.New(testBaseDN)
		failing.SearchErr = ldap.NewError(ldap.LDAPResultUnavailable, errors.New("unavailable"))

		_, err := ldapclient.NewPrincipalResolver(failing, "").FindAllWithAttribute(ctx)
		var resErr *ldapclient.ResolutionError
		require.ErrorAs(t, err, &resErr)
		assert.Empty(t, resErr.Target)
	})
}

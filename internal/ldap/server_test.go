package ldap

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
)

// testServer speaks just enough LDAPv3 over plain TCP to drive the real
// client: simple bind, search with optional paging, modify and Who Am I?.
type testServer struct {
	listener net.Listener

	// Entries returned by every search other than a RootDSE read.
	entries []*ldap.Entry
	// PageSize splits paged searches into pages of this many entries.
	pageSize int
	// Password expected on simple bind. Empty accepts any.
	password string
	// Result returned for modify requests, with its diagnostic.
	modifyCode uint16
	modifyDiag string
	authzID    string
	namingCtx  string

	mu       sync.Mutex
	conns    []net.Conn
	binds    []string
	filters  []string
	pages    int
	changes  []string
	accepted int

	wg sync.WaitGroup
}

func newTestServer(t *testing.T, configure func(*testServer)) *testServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{
		listener:  listener,
		authzID:   `u:TEST\tester`,
		namingCtx: "DC=mydomain,DC=local",
	}
	if configure != nil {
		configure(s)
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(func() {
		_ = listener.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return s
}

// URL returns the ldap:// URL of the server.
func (s *testServer) URL() string {
	return "ldap://" + s.listener.Addr().String()
}

// config returns a plain-LDAP simple-bind configuration for the server.
func (s *testServer) config() *ConnectionConfig {
	cfg := DefaultConfig()
	cfg.LDAPURLs = []string{s.URL()}
	cfg.UseTLS = false
	cfg.MaxRetries = 0
	cfg.Username = "CN=tester,CN=Users,DC=mydomain,DC=local"
	cfg.Password = "secret"
	return cfg
}

func (s *testServer) Binds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.binds...)
}

func (s *testServer) Filters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.filters...)
}

func (s *testServer) Changes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.changes...)
}

func (s *testServer) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages
}

func (s *testServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *testServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		packet, err := ber.ReadPacket(conn)
		if err != nil || len(packet.Children) < 2 {
			return
		}
		msgID, _ := packet.Children[0].Value.(int64)
		op := packet.Children[1]

		var responses []*ber.Packet
		switch op.Tag {
		case ber.Tag(ldap.ApplicationBindRequest):
			responses = []*ber.Packet{message(msgID, s.bind(op))}
		case ber.Tag(ldap.ApplicationSearchRequest):
			responses = s.search(msgID, packet)
		case ber.Tag(ldap.ApplicationModifyRequest):
			responses = []*ber.Packet{message(msgID, s.modify(op))}
		case ber.Tag(ldap.ApplicationExtendedRequest):
			resp := result(ldap.ApplicationExtendedResponse, ldap.LDAPResultSuccess, "")
			resp.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, s.authzID, "responseValue"))
			responses = []*ber.Packet{message(msgID, resp)}
		default:
			return
		}

		for _, r := range responses {
			if _, err := conn.Write(r.Bytes()); err != nil {
				return
			}
		}
	}
}

func (s *testServer) bind(op *ber.Packet) *ber.Packet {
	name := ber.DecodeString(op.Children[1].Data.Bytes())
	password := ber.DecodeString(op.Children[2].Data.Bytes())

	s.mu.Lock()
	s.binds = append(s.binds, name)
	s.mu.Unlock()

	if s.password != "" && password != s.password {
		return result(ldap.ApplicationBindResponse, ldap.LDAPResultInvalidCredentials,
			"80090308: LdapErr: DSID-0C090439, comment: AcceptSecurityContext error, data 52e, v4563")
	}
	return result(ldap.ApplicationBindResponse, ldap.LDAPResultSuccess, "")
}

func (s *testServer) search(msgID int64, packet *ber.Packet) []*ber.Packet {
	op := packet.Children[1]
	baseDN := ber.DecodeString(op.Children[0].Data.Bytes())
	sizeLimit, _ := op.Children[3].Value.(int64)
	filter, err := ldap.DecompileFilter(op.Children[6])
	if err != nil {
		return []*ber.Packet{message(msgID, result(ldap.ApplicationSearchResultDone, ldap.LDAPResultProtocolError, err.Error()))}
	}

	s.mu.Lock()
	s.filters = append(s.filters, filter)
	s.pages++
	s.mu.Unlock()

	if baseDN == "" {
		root := ldap.NewEntry("", map[string][]string{"defaultNamingContext": {s.namingCtx}})
		return []*ber.Packet{
			message(msgID, searchEntry(root)),
			message(msgID, result(ldap.ApplicationSearchResultDone, ldap.LDAPResultSuccess, "")),
		}
	}

	var paging *ldap.ControlPaging
	if len(packet.Children) > 2 {
		for _, child := range packet.Children[2].Children {
			if control, err := ldap.DecodeControl(child); err == nil {
				if p, ok := control.(*ldap.ControlPaging); ok {
					paging = p
				}
			}
		}
	}

	entries := s.entries
	code := uint16(ldap.LDAPResultSuccess)
	var controls *ber.Packet

	switch {
	case paging != nil && s.pageSize > 0:
		offset, _ := strconv.Atoi(string(paging.Cookie))
		end := min(offset+s.pageSize, len(entries))
		entries = entries[offset:end]

		next := ldap.NewControlPaging(uint32(s.pageSize))
		if end < len(s.entries) {
			next.SetCookie([]byte(strconv.Itoa(end)))
		}
		controls = ber.Encode(ber.ClassContext, ber.TypeConstructed, 0, nil, "Controls")
		controls.AppendChild(next.Encode())
	case sizeLimit > 0 && int64(len(entries)) > sizeLimit:
		entries = entries[:sizeLimit]
		code = ldap.LDAPResultSizeLimitExceeded
	}

	responses := make([]*ber.Packet, 0, len(entries)+1)
	for _, e := range entries {
		responses = append(responses, message(msgID, searchEntry(e)))
	}
	done := message(msgID, result(ldap.ApplicationSearchResultDone, code, ""))
	if controls != nil {
		done.AppendChild(controls)
	}
	return append(responses, done)
}

func (s *testServer) modify(op *ber.Packet) *ber.Packet {
	dn := ber.DecodeString(op.Children[0].Data.Bytes())

	s.mu.Lock()
	for _, change := range op.Children[1].Children {
		action := "add"
		if operation, _ := change.Children[0].Value.(int64); operation == ldap.DeleteAttribute {
			action = "delete"
		}
		attr := change.Children[1]
		var values []string
		for _, v := range attr.Children[1].Children {
			values = append(values, ber.DecodeString(v.Data.Bytes()))
		}
		s.changes = append(s.changes, strings.Join([]string{
			dn, action, ber.DecodeString(attr.Children[0].Data.Bytes()), strings.Join(values, "|"),
		}, " "))
	}
	s.mu.Unlock()

	return result(ldap.ApplicationModifyResponse, s.modifyCode, s.modifyDiag)
}

func message(msgID int64, op *ber.Packet) *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	packet.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, msgID, "MessageID"))
	packet.AppendChild(op)
	return packet
}

func result(tag ber.Tag, code uint16, diagnostic string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Result")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "resultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diagnostic, "diagnosticMessage"))
	return op
}

func searchEntry(e *ldap.Entry) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchResultEntry, nil, "SearchResultEntry")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, e.DN, "objectName"))

	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	for _, a := range e.Attributes {
		attr := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "PartialAttribute")
		attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, a.Name, "type"))
		vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "vals")
		for _, v := range a.ByteValues {
			vals.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(v), "value"))
		}
		attr.AppendChild(vals)
		attrs.AppendChild(attr)
	}
	op.AppendChild(attrs)
	return op
}

package ldap

import (
	"context"
	"errors"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// AttributeEditor adds and removes single altSecurityIdentities values.
// Each change is one Modify request carrying one value-level add or delete,
// so concurrent values of the attribute are never replaced.
type AttributeEditor struct {
	client Client
}

// NewAttributeEditor creates an editor committing changes through client.
func NewAttributeEditor(client Client) *AttributeEditor {
	return &AttributeEditor{client: client}
}

// AddValue appends value to the principal's altSecurityIdentities.
func (e *AttributeEditor) AddValue(ctx context.Context, ref *PrincipalRef, value string) error {
	return e.commit(ctx, ref, "add", value)
}

// RemoveValue deletes exactly value from the principal's altSecurityIdentities.
// Membership is not pre-checked; the directory reports a missing value.
func (e *AttributeEditor) RemoveValue(ctx context.Context, ref *PrincipalRef, value string) error {
	return e.commit(ctx, ref, "delete", value)
}

func (e *AttributeEditor) commit(ctx context.Context, ref *PrincipalRef, action, value string) error {
	if ref == nil || ref.DistinguishedName == "" {
		return errors.New("principal reference is required")
	}
	if ref.Committed() {
		return ErrPrincipalRefCommitted
	}
	ref.committed = true

	req := &ModifyRequest{DN: ref.DistinguishedName}
	change := map[string][]string{AttrAltSecurityIdentities: {value}}
	if action == "add" {
		req.AddAttributes = change
	} else {
		req.DeleteAttributes = change
	}

	fields := map[string]any{
		"dn":     ref.DistinguishedName,
		"action": action,
		"value":  value,
	}
	tflog.SubsystemDebug(ctx, "ldap", "Committing attribute change", fields)

	if err := e.client.Modify(ctx, req); err != nil {
		return &MutationError{
			DN:     ref.DistinguishedName,
			Action: action,
			Err:    WrapError("modify", err),
		}
	}

	tflog.SubsystemInfo(ctx, "ldap", "Attribute change committed", fields)
	return nil
}

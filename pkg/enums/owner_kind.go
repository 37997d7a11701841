package enums

import "fmt"

// OwnerKind identifies what sort of party owns a customer record.
type OwnerKind string

const (
	OwnerKindUser         OwnerKind = "user"
	OwnerKindOrganization OwnerKind = "organization"
	OwnerKindGuest        OwnerKind = "guest"
)

var validOwnerKinds = []OwnerKind{
	OwnerKindUser,
	OwnerKindOrganization,
	OwnerKindGuest,
}

// String implements fmt.Stringer.
func (o OwnerKind) String() string {
	return string(o)
}

// IsValid reports whether the value is a known OwnerKind.
func (o OwnerKind) IsValid() bool {
	for _, candidate := range validOwnerKinds {
		if candidate == o {
			return true
		}
	}
	return false
}

// ParseOwnerKind converts raw input into an OwnerKind.
func ParseOwnerKind(value string) (OwnerKind, error) {
	for _, candidate := range validOwnerKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid owner kind %q", value)
}

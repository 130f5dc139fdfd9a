package domain

import "slices"

const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

const (
	CapabilityPOS       = "pos"
	CapabilityVoid      = "void"
	CapabilityInventory = "inventory"
	CapabilityReports   = "reports"
)

// Actor identifies who performs an operation and for which business. It is
// passed explicitly to every service call.
type Actor struct {
	BusinessID   string   `json:"business_id"`
	StaffID      string   `json:"staff_id"`
	DisplayName  string   `json:"display_name"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
}

func (a Actor) Can(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

func CapabilitiesForRole(role string) []string {
	switch role {
	case RoleOwner:
		return []string{CapabilityPOS, CapabilityVoid, CapabilityInventory, CapabilityReports}
	case RoleManager:
		return []string{CapabilityPOS, CapabilityVoid, CapabilityInventory, CapabilityReports}
	case RoleCashier:
		return []string{CapabilityPOS}
	default:
		return nil
	}
}

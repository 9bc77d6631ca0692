package models

// Roles gating catalog writes and chain creation. An account may hold any
// subset; grants are never revoked.
const (
	RoleSeller       = "seller"
	RoleTransporter  = "transporter"
	RoleManufacturer = "manufacturer"
	RoleRetailer     = "retailer"
)

// RoleGrant records a single role held by an account.
type RoleGrant struct {
	Role      string `gorm:"column:role;primaryKey;type:varchar(20)" json:"role"`
	AccountID string `gorm:"column:account_id;primaryKey;type:varchar(100)" json:"account_id"`
}

// ValidRole reports whether role names one of the four known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSeller, RoleTransporter, RoleManufacturer, RoleRetailer:
		return true
	}
	return false
}

package models

// RawMaterial is a seller-owned catalog listing.
type RawMaterial struct {
	ID       uint   `gorm:"column:raw_material_id;primaryKey" json:"id"`
	Name     string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Price    uint64 `gorm:"column:price;not null" json:"price"`
	Tax      uint64 `gorm:"column:tax;not null" json:"tax"`
	Quantity uint64 `gorm:"column:quantity;not null" json:"quantity"`
	Owner    string `gorm:"column:owner;type:varchar(100);index;not null" json:"owner"`
}

// Product is a manufacturer-owned catalog listing.
type Product struct {
	ID       uint   `gorm:"column:product_id;primaryKey" json:"id"`
	Name     string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Price    uint64 `gorm:"column:price;not null" json:"price"`
	Tax      uint64 `gorm:"column:tax;not null" json:"tax"`
	Quantity uint64 `gorm:"column:quantity;not null" json:"quantity"`
	Owner    string `gorm:"column:owner;type:varchar(100);index;not null" json:"owner"`
}

// Service is a seller-owned catalog listing. Volume is informational and
// not part of any cost computation.
type Service struct {
	ID       uint   `gorm:"column:service_id;primaryKey" json:"id"`
	Name     string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Price    uint64 `gorm:"column:price;not null" json:"price"`
	Tax      uint64 `gorm:"column:tax;not null" json:"tax"`
	Quantity uint64 `gorm:"column:quantity;not null" json:"quantity"`
	Volume   uint64 `gorm:"column:volume;not null" json:"volume"`
	Owner    string `gorm:"column:owner;type:varchar(100);index;not null" json:"owner"`
}

// Logistic is a transporter-owned shipping offer. It carries only a price.
type Logistic struct {
	ID    uint   `gorm:"column:logistic_id;primaryKey" json:"id"`
	Name  string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Price uint64 `gorm:"column:price;not null" json:"price"`
	Owner string `gorm:"column:owner;type:varchar(100);index;not null" json:"owner"`
}

// Catalog families referenced by supply chain steps.
const (
	StepTypeRawMaterial = "raw_material"
	StepTypeProduct     = "product"
	StepTypeService     = "service"
)

// ValidStepType reports whether t names a catalog family steps can move.
func ValidStepType(t string) bool {
	switch t {
	case StepTypeRawMaterial, StepTypeProduct, StepTypeService:
		return true
	}
	return false
}

// RoleForCatalog is the capability table consulted before every catalog
// write: it maps a catalog family to the role allowed to add listings.
func RoleForCatalog(stepType string) string {
	switch stepType {
	case StepTypeRawMaterial, StepTypeService:
		return RoleSeller
	case StepTypeProduct:
		return RoleManufacturer
	default:
		return ""
	}
}

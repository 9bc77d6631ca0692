package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole(RoleSeller))
	assert.True(t, ValidRole(RoleTransporter))
	assert.True(t, ValidRole(RoleManufacturer))
	assert.True(t, ValidRole(RoleRetailer))

	assert.False(t, ValidRole("admin"))
	assert.False(t, ValidRole(""))
	assert.False(t, ValidRole("Seller"))
}

func TestValidStepType(t *testing.T) {
	assert.True(t, ValidStepType(StepTypeRawMaterial))
	assert.True(t, ValidStepType(StepTypeProduct))
	assert.True(t, ValidStepType(StepTypeService))

	assert.False(t, ValidStepType("logistic"))
	assert.False(t, ValidStepType(""))
}

func TestRoleForCatalog(t *testing.T) {
	assert.Equal(t, RoleSeller, RoleForCatalog(StepTypeRawMaterial))
	assert.Equal(t, RoleSeller, RoleForCatalog(StepTypeService))
	assert.Equal(t, RoleManufacturer, RoleForCatalog(StepTypeProduct))
	assert.Equal(t, "", RoleForCatalog("unknown"))
}

package engine

import (
	"errors"
	"strings"
	"testing"

	"fleetline/internal/domain"
)

func TestRequirePermissionUnknownOperation(t *testing.T) {
	actor := Actor{ID: "ops-1", Profile: domain.ProfileFromPermissions([]string{"admin"})}
	err := requirePermission("repaint", actor)
	if err == nil {
		t.Fatal("unknown operation accepted")
	}
	var unauthorized UnauthorizedError
	if errors.As(err, &unauthorized) {
		t.Fatalf("unknown operation reported as unauthorized: %v", err)
	}
	if !strings.Contains(err.Error(), "unknown operation") {
		t.Fatalf("error text: %v", err)
	}
}

func TestRequirePermissionGuards(t *testing.T) {
	driver := Actor{ID: "drv-1", Profile: domain.ProfileFromPermissions(nil)}
	err := requirePermission(opAllocate, driver)
	var unauthorized UnauthorizedError
	if !errors.As(err, &unauthorized) || unauthorized.Requirement == "" {
		t.Fatalf("allocate without permission: %v", err)
	}
	admin := Actor{ID: "ops-1", Profile: domain.ProfileFromPermissions([]string{"admin"})}
	if err := requirePermission(opAllocate, admin); err != nil {
		t.Fatalf("admin allocate: %v", err)
	}
}

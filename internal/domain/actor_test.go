package domain

import "testing"

func TestCapabilitiesForRole(t *testing.T) {
	cashier := Actor{Role: RoleCashier, Capabilities: CapabilitiesForRole(RoleCashier)}
	if !cashier.Can(CapabilityPOS) {
		t.Fatalf("expected cashier to have pos capability")
	}
	if cashier.Can(CapabilityVoid) || cashier.Can(CapabilityInventory) {
		t.Fatalf("expected cashier to lack void and inventory, got %v", cashier.Capabilities)
	}

	manager := Actor{Role: RoleManager, Capabilities: CapabilitiesForRole(RoleManager)}
	if !manager.Can(CapabilityVoid) || !manager.Can(CapabilityInventory) {
		t.Fatalf("expected manager to void and manage inventory, got %v", manager.Capabilities)
	}

	if caps := CapabilitiesForRole("auditor"); len(caps) != 0 {
		t.Fatalf("expected no capabilities for unknown role, got %v", caps)
	}
}

func TestProductTrackedAndLowStock(t *testing.T) {
	untracked := Product{StockQuantity: UnlimitedStock, LowStockThreshold: 5}
	if untracked.Tracked() || untracked.LowStock() {
		t.Fatalf("expected untracked product to never be low on stock")
	}

	low := Product{StockQuantity: 3, LowStockThreshold: 5}
	if !low.LowStock() {
		t.Fatalf("expected stock 3 with threshold 5 to be low")
	}
}

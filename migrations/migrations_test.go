package migrations

import (
	"strings"
	"testing"
)

func TestNamesAreOrderedSQLFiles(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_marketplace.sql" {
		t.Fatalf("names = %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}

func TestMarketplaceSchemaHasUniqueKeys(t *testing.T) {
	body, err := files.ReadFile("0001_marketplace.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{
		"UNIQUE (buyer_id, product_id, order_id)",
		"UNIQUE (order_id, product_id)",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

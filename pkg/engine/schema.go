package engine

import (
	"github.com/mnohosten/klara-db/pkg/record"
	"github.com/mnohosten/klara-db/pkg/value"
)

// Store identifiers. The engine coordinates exactly these two stores.
const (
	StoreFinancial = "financial"
	StoreInventory = "inventory"
)

// bootstrapSchema returns the fixed schema installed at engine
// initialization
func bootstrapSchema() map[string][]record.TableSpec {
	return map[string][]record.TableSpec{
		StoreFinancial: {
			{
				Name:       "users",
				PrimaryKey: "id",
				Columns: []value.Column{
					{Name: "id", Type: value.TypeInteger},
					{Name: "username", Type: value.TypeString},
					{Name: "email", Type: value.TypeString, Nullable: true},
				},
				Indexes: []record.IndexSpec{
					{Column: "username", Unique: true},
				},
			},
			{
				Name:       "accounts",
				PrimaryKey: "id",
				Columns: []value.Column{
					{Name: "id", Type: value.TypeInteger},
					{Name: "user_id", Type: value.TypeInteger},
					{Name: "type", Type: value.TypeString, Nullable: true},
					{Name: "balance", Type: value.TypeDecimal},
				},
				Indexes: []record.IndexSpec{
					{Column: "user_id"},
				},
			},
			{
				Name:       "transactions",
				PrimaryKey: "id",
				Columns: []value.Column{
					{Name: "id", Type: value.TypeInteger},
					{Name: "account_id", Type: value.TypeInteger},
					{Name: "kind", Type: value.TypeString},
					{Name: "amount", Type: value.TypeDecimal},
					{Name: "ts", Type: value.TypeTimestamp, Nullable: true},
				},
				Indexes: []record.IndexSpec{
					{Column: "account_id"},
				},
			},
		},
		StoreInventory: {
			{
				Name:       "categories",
				PrimaryKey: "id",
				Columns: []value.Column{
					{Name: "id", Type: value.TypeInteger},
					{Name: "name", Type: value.TypeString},
					{Name: "parent_id", Type: value.TypeInteger, Nullable: true},
				},
				Indexes: []record.IndexSpec{
					{Column: "name", Unique: true},
					{Column: "parent_id"},
				},
			},
			{
				Name:       "products",
				PrimaryKey: "id",
				Columns: []value.Column{
					{Name: "id", Type: value.TypeInteger},
					{Name: "category_id", Type: value.TypeInteger},
					{Name: "name", Type: value.TypeString},
					{Name: "price", Type: value.TypeDecimal},
					{Name: "stock", Type: value.TypeInteger},
				},
				Indexes: []record.IndexSpec{
					{Column: "category_id"},
				},
			},
			{
				Name:       "orders",
				PrimaryKey: "id",
				Columns: []value.Column{
					{Name: "id", Type: value.TypeInteger},
					{Name: "user_id", Type: value.TypeInteger},
					{Name: "status", Type: value.TypeString},
					{Name: "total", Type: value.TypeDecimal},
					{Name: "ts", Type: value.TypeTimestamp, Nullable: true},
				},
				Indexes: []record.IndexSpec{
					{Column: "user_id"},
				},
			},
			{
				Name:       "order_items",
				PrimaryKey: "id",
				Columns: []value.Column{
					{Name: "id", Type: value.TypeInteger},
					{Name: "order_id", Type: value.TypeInteger},
					{Name: "product_id", Type: value.TypeInteger},
					{Name: "qty", Type: value.TypeInteger},
					{Name: "unit_price", Type: value.TypeDecimal},
				},
				Indexes: []record.IndexSpec{
					{Column: "order_id"},
					{Column: "product_id"},
				},
			},
		},
	}
}

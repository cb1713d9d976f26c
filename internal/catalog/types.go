// Package catalog is the producer side of the offline queue: the product,
// inventory, order, customer and settings writes the store front issues.
//
// Every write becomes one or more queued mutations. Nothing here talks to the
// remote store directly, so all of it works offline. Records created offline
// get temporary ids, and references between them (a variant's productId) use
// those ids until the sync engine swaps in the remote ones.
package catalog

import (
	"encoding/json"
	"fmt"
)

// OrderStatus is an order's position in the fulfilment flow.
type OrderStatus string

const (
	StatusNew       OrderStatus = "new"
	StatusInProcess OrderStatus = "in_process"
	StatusShipped   OrderStatus = "shipped"
	StatusDelivered OrderStatus = "delivered"
	StatusReturned  OrderStatus = "returned"
)

// StatusFlow is the forward path an order takes. Returned sits outside it.
var StatusFlow = []OrderStatus{StatusNew, StatusInProcess, StatusShipped, StatusDelivered}

// StatusLabels are display names for each status.
var StatusLabels = map[OrderStatus]string{
	StatusNew:       "New",
	StatusInProcess: "In Process",
	StatusShipped:   "Shipped",
	StatusDelivered: "Delivered",
	StatusReturned:  "Returned",
}

// Next returns the status after s in StatusFlow, or false at the end of the
// flow or for statuses outside it.
func (s OrderStatus) Next() (OrderStatus, bool) {
	for i, st := range StatusFlow {
		if st == s && i < len(StatusFlow)-1 {
			return StatusFlow[i+1], true
		}
	}
	return "", false
}

// Image is a product image.
type Image struct {
	URL       string `json:"url"`
	IsPrimary bool   `json:"isPrimary"`
}

// Product is a sellable item. Variants carry stock and price.
type Product struct {
	ID            string  `json:"id,omitempty"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	CollectionID  string  `json:"collectionId"`
	Images        []Image `json:"images,omitempty"`
	CreatedAt     string  `json:"createdAt,omitempty"`
	UpdatedAt     string  `json:"updatedAt,omitempty"`
	IsSoftDeleted bool    `json:"isSoftDeleted"`
}

// Variant is one size/colour of a product.
type Variant struct {
	ID            string  `json:"id,omitempty"`
	ProductID     string  `json:"productId,omitempty"`
	Size          string  `json:"size"`
	Color         string  `json:"color"`
	SKU           string  `json:"sku"`
	BarcodeURL    string  `json:"barcodeUrl,omitempty"`
	CostPrice     float64 `json:"costPrice"`
	SellPrice     float64 `json:"sellPrice"`
	Quantity      int     `json:"quantity"`
	IsSoftDeleted bool    `json:"isSoftDeleted"`
}

// Customer is the buyer on an order.
type Customer struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address"`
	City    string `json:"city"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Qty       int     `json:"qty"`
	UnitPrice float64 `json:"unitPrice"`
	ImageURL  string  `json:"imageUrl,omitempty"`
}

// TimelineEntry records one status change.
type TimelineEntry struct {
	Status    OrderStatus `json:"status"`
	Timestamp string      `json:"timestamp"`
	Note      string      `json:"note,omitempty"`
}

// Order is a customer order.
type Order struct {
	ID           string          `json:"id,omitempty"`
	OrderNumber  string          `json:"orderNumber"`
	Customer     Customer        `json:"customer"`
	Items        []OrderItem     `json:"items"`
	Subtotal     float64         `json:"subtotal"`
	ShippingCost float64         `json:"shippingCost"`
	Discount     float64         `json:"discount"`
	Tax          float64         `json:"tax"`
	Total        float64         `json:"total"`
	Status       OrderStatus     `json:"status"`
	Timeline     []TimelineEntry `json:"timeline"`
	Notes        string          `json:"notes,omitempty"`
	CreatedAt    string          `json:"createdAt"`
	UpdatedAt    string          `json:"updatedAt"`
}

// OrderInput is what the order form collects; the rest is filled in.
type OrderInput struct {
	Customer     Customer
	Items        []OrderItem
	ShippingCost float64
	Discount     float64
	Tax          float64
	Notes        string
}

// Subtotal sums the line items.
func (in OrderInput) Subtotal() float64 {
	var sum float64
	for _, it := range in.Items {
		sum += float64(it.Qty) * it.UnitPrice
	}
	return sum
}

// SettingKind distinguishes the setting lists kept in the settings collection.
type SettingKind string

const (
	SettingSize       SettingKind = "size"
	SettingCollection SettingKind = "collection"
)

// Setting is a global size or a product collection.
type Setting struct {
	ID            string      `json:"id,omitempty"`
	Kind          SettingKind `json:"kind"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	IsActive      bool        `json:"isActive"`
	IsSoftDeleted bool        `json:"isSoftDeleted"`
}

// toFields converts a record to the generic payload stored in the queue.
func toFields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return fields, nil
}

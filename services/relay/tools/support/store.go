// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package support implements the e-commerce support destination toolset
// backed by the embedded order store.
package support

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	storage "github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

// Order statuses.
const (
	StatusProcessing     = "processing"
	StatusShipped        = "shipped"
	StatusOutForDelivery = "out_for_delivery"
	StatusDelivered      = "delivered"
	StatusCancelled      = "cancelled"
)

// ErrOrderNotFound is returned when an order id does not exist.
var ErrOrderNotFound = errors.New("order not found")

// ErrReturnExists is returned when an order already has a return request.
var ErrReturnExists = errors.New("return request already exists")

// ErrNotReturnable is returned when an order's state does not permit a
// return (only delivered orders can be returned).
var ErrNotReturnable = errors.New("order is not returnable")

// Order is one customer order.
type Order struct {
	ID             string      `json:"id"`
	CustomerID     string      `json:"customer_id"`
	Status         string      `json:"status"`
	TotalAmount    float64     `json:"total_amount"`
	Items          []OrderItem `json:"items"`
	TrackingNumber string      `json:"tracking_number,omitempty"`
	Carrier        string      `json:"carrier,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	ShippedAt      *time.Time  `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time  `json:"delivered_at,omitempty"`
}

// OrderItem is one line item of an order.
type OrderItem struct {
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// ReturnRequest is a customer-initiated return for a delivered order.
type ReturnRequest struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Key layout:
//
//	support:order:{order_id}             -> Order JSON
//	support:cust:{customer_id}:{order_id} -> order_id (customer index)
//	support:return:{order_id}            -> ReturnRequest JSON
const (
	orderPrefix  = "support:order:"
	custPrefix   = "support:cust:"
	returnPrefix = "support:return:"
)

// Store persists orders and return requests in the embedded database.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db *storage.DB
}

// NewStore wraps the shared database for the support domain.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// GetOrder fetches one order by id.
//
// Outputs:
//   - *Order: The order.
//   - error: ErrOrderNotFound when the id is unknown.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(orderPrefix + orderID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &order)
		})
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListCustomerOrders returns all orders for a customer, newest first.
func (s *Store) ListCustomerOrders(ctx context.Context, customerID string) ([]*Order, error) {
	var orderIDs []string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := []byte(custPrefix + customerID + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			orderIDs = append(orderIDs, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]*Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		order, err := s.GetOrder(ctx, id)
		if errors.Is(err, ErrOrderNotFound) {
			// Index entry outlived its order; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// PutOrder stores an order and its customer index entry.
func (s *Store) PutOrder(ctx context.Context, order *Order) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", order.ID, err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(orderPrefix+order.ID), raw); err != nil {
			return err
		}
		return txn.Set([]byte(custPrefix+order.CustomerID+":"+order.ID), []byte(order.ID))
	})
}

// GetReturn fetches the return request for an order, if any.
func (s *Store) GetReturn(ctx context.Context, orderID string) (*ReturnRequest, error) {
	var ret ReturnRequest
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(returnPrefix + orderID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return badger.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ret)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

// CreateReturn records a return request for a delivered order.
//
// Description:
//
//	The state check and the write run in one transaction, so two
//	concurrent returns for the same order cannot both succeed.
//
// Outputs:
//   - *ReturnRequest: The created request.
//   - error: ErrOrderNotFound, ErrReturnExists, or a state error when the
//     order is not delivered.
func (s *Store) CreateReturn(ctx context.Context, orderID, reason string) (*ReturnRequest, error) {
	ret := &ReturnRequest{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Reason:    reason,
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(orderPrefix + orderID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		var order Order
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &order)
		}); err != nil {
			return err
		}
		if order.Status != StatusDelivered {
			return fmt.Errorf("order %s is %q, only delivered orders can be returned: %w",
				orderID, order.Status, ErrNotReturnable)
		}
		if _, err := txn.Get([]byte(returnPrefix + orderID)); err == nil {
			return ErrReturnExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		raw, err := json.Marshal(ret)
		if err != nil {
			return err
		}
		return txn.Set([]byte(returnPrefix+orderID), raw)
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// SeedDemoData loads a small fixed order book when the store is empty.
// Gives the destination something to answer about out of the box.
func (s *Store) SeedDemoData(ctx context.Context) error {
	existing, err := s.GetOrder(ctx, "1001")
	if err == nil && existing != nil {
		return nil
	}
	if !errors.Is(err, ErrOrderNotFound) {
		return err
	}

	now := time.Now().UTC()
	shipped := now.Add(-72 * time.Hour)
	delivered := now.Add(-24 * time.Hour)
	demo := []*Order{
		{
			ID: "1001", CustomerID: "cust-42", Status: StatusDelivered,
			TotalAmount: 129.90, TrackingNumber: "1Z999AA10123456784", Carrier: "UPS",
			CreatedAt: now.Add(-120 * time.Hour), ShippedAt: &shipped, DeliveredAt: &delivered,
			Items: []OrderItem{
				{SKU: "KB-210", Name: "Mechanical Keyboard", Quantity: 1, UnitPrice: 99.90},
				{SKU: "CB-005", Name: "USB-C Cable", Quantity: 2, UnitPrice: 15.00},
			},
		},
		{
			ID: "1002", CustomerID: "cust-42", Status: StatusShipped,
			TotalAmount: 349.00, TrackingNumber: "9400110200881234567890", Carrier: "USPS",
			CreatedAt: now.Add(-48 * time.Hour), ShippedAt: &shipped,
			Items: []OrderItem{
				{SKU: "MN-27Q", Name: "27in QHD Monitor", Quantity: 1, UnitPrice: 349.00},
			},
		},
		{
			ID: "1003", CustomerID: "cust-7", Status: StatusProcessing,
			TotalAmount: 59.95,
			CreatedAt:   now.Add(-6 * time.Hour),
			Items: []OrderItem{
				{SKU: "HS-330", Name: "Wireless Headset", Quantity: 1, UnitPrice: 59.95},
			},
		},
	}
	for _, o := range demo {
		if err := s.PutOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

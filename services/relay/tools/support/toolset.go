// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package support

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/tools"
)

// Destination is the routing label served by this toolset.
const Destination = "support"

// ToolVersion participates in cache keys for every tool in this set.
const ToolVersion = "1"

var statusMessages = map[string]string{
	StatusProcessing:     "Your order is being prepared.",
	StatusShipped:        "Your order is on its way!",
	StatusOutForDelivery: "Your order is out for delivery today!",
	StatusDelivered:      "Your order has been delivered.",
	StatusCancelled:      "This order has been cancelled.",
}

// NewRegistry builds the support destination's tool registry.
//
// Description:
//
//	Two read-only lookups against the order store and one write
//	(create_return_request). Order lookups get a short cache TTL since the
//	store is local and mutable; the write is never cached.
func NewRegistry(store *Store) (*tools.Registry, error) {
	return tools.NewRegistry(Destination, []tools.Tool{
		{
			Name:        "get_order_status",
			Description: "Get the current status and tracking information for an order.",
			Version:     ToolVersion,
			ReadOnly:    true,
			CacheTTL:    30 * time.Second,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"order_id": {Type: "string", Description: "The order id (e.g. '1001')"},
				},
				Required: []string{"order_id"},
			},
			Func: store.getOrderStatus,
		},
		{
			Name:        "list_customer_orders",
			Description: "List all orders for a customer with their current status, newest first.",
			Version:     ToolVersion,
			ReadOnly:    true,
			CacheTTL:    30 * time.Second,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"customer_id": {Type: "string", Description: "The customer id (e.g. 'cust-42')"},
				},
				Required: []string{"customer_id"},
			},
			Func: store.listCustomerOrders,
		},
		{
			Name:        "create_return_request",
			Description: "Create a return request for a delivered order. Fails if the order has not been delivered or already has a return.",
			Version:     ToolVersion,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"order_id": {Type: "string", Description: "The order id to return"},
					"reason":   {Type: "string", Description: "Why the customer is returning the order"},
				},
				Required: []string{"order_id", "reason"},
			},
			Func: store.createReturnRequest,
		},
	})
}

// =============================================================================
// Tool Bodies
// =============================================================================

func (s *Store) getOrderStatus(ctx context.Context, args map[string]any) (any, error) {
	orderID := args["order_id"].(string)

	order, err := s.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, tools.NotFound("get_order_status",
			fmt.Sprintf("order %s not found", orderID))
	}
	if err != nil {
		return nil, tools.UpstreamUnavailable("get_order_status", err.Error())
	}

	msg := statusMessages[order.Status]
	if msg == "" {
		msg = order.Status
	}
	result := map[string]any{
		"order_id": order.ID,
		"status":   order.Status,
		"message":  msg,
	}
	if order.TrackingNumber != "" {
		result["tracking_number"] = order.TrackingNumber
		result["carrier"] = order.Carrier
	}
	if order.ShippedAt != nil {
		result["shipped_at"] = order.ShippedAt.Format(time.RFC3339)
	}
	if order.DeliveredAt != nil {
		result["delivered_at"] = order.DeliveredAt.Format(time.RFC3339)
	}
	return result, nil
}

func (s *Store) listCustomerOrders(ctx context.Context, args map[string]any) (any, error) {
	customerID := args["customer_id"].(string)

	orders, err := s.ListCustomerOrders(ctx, customerID)
	if err != nil {
		return nil, tools.UpstreamUnavailable("list_customer_orders", err.Error())
	}
	if len(orders) == 0 {
		return map[string]any{
			"orders":  []any{},
			"message": fmt.Sprintf("No orders found for customer %s.", customerID),
		}, nil
	}

	out := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		entry := map[string]any{
			"order_id":     o.ID,
			"status":       o.Status,
			"total_amount": o.TotalAmount,
			"created_at":   o.CreatedAt.Format(time.RFC3339),
			"item_count":   len(o.Items),
		}
		if o.TrackingNumber != "" {
			entry["tracking_number"] = o.TrackingNumber
			entry["carrier"] = o.Carrier
		}
		out = append(out, entry)
	}
	return map[string]any{"orders": out}, nil
}

func (s *Store) createReturnRequest(ctx context.Context, args map[string]any) (any, error) {
	orderID := args["order_id"].(string)
	reason := args["reason"].(string)

	ret, err := s.CreateReturn(ctx, orderID, reason)
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return nil, tools.NotFound("create_return_request",
			fmt.Sprintf("order %s not found", orderID))
	case errors.Is(err, ErrReturnExists):
		return nil, tools.Conflict("create_return_request",
			fmt.Sprintf("order %s already has a return request", orderID))
	case errors.Is(err, ErrNotReturnable):
		return nil, tools.Conflict("create_return_request", err.Error())
	case err != nil:
		return nil, tools.UpstreamUnavailable("create_return_request", err.Error())
	}

	return map[string]any{
		"return_id":  ret.ID,
		"order_id":   ret.OrderID,
		"status":     ret.Status,
		"created_at": ret.CreatedAt.Format(time.RFC3339),
		"message":    "Return request created. A prepaid shipping label will be emailed within 24 hours.",
	}, nil
}


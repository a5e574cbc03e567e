package service

import "github.com/rl1809/storefront-orders/internal/core/domain"

// Store accounts act on behalf of the shop, so they may not buy from it.
func authorizePlaceOrder(id domain.Identity) error {
	if !id.Authenticated() {
		return domain.Unauthenticated()
	}
	if !id.IsBuyer() {
		return domain.Forbidden("only buyers may place orders")
	}
	return nil
}

func authorizeAdmin(id domain.Identity) error {
	if !id.Authenticated() {
		return domain.Unauthenticated()
	}
	if !id.IsAdmin() {
		return domain.Forbidden("administrator role required")
	}
	return nil
}

func authorizeReadOrdersOf(id domain.Identity, buyerID string) error {
	if !id.Authenticated() {
		return domain.Unauthenticated()
	}
	if id.IsAdmin() || (id.IsBuyer() && id.UserID == buyerID) {
		return nil
	}
	return domain.Forbidden("orders belong to another buyer")
}

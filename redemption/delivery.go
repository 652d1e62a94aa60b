package redemption

import (
	"net/mail"
	"strings"

	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
)

// Delivery carries the fields a delivery type may need. Which ones are
// required depends on the item's delivery type.
type Delivery struct {
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// ValidateDelivery checks d is complete for t.
//
//	physical: street address, city, country
//	digital:  a valid email
//	voucher, access: nothing required; an email, if given, must be valid
func ValidateDelivery(t inventory.DeliveryType, d Delivery) error {
	switch t {
	case inventory.DeliveryPhysical:
		if strings.TrimSpace(d.Street) == "" {
			return &ledger.ValidationError{Field: "delivery.street", Message: "required for physical delivery"}
		}
		if strings.TrimSpace(d.City) == "" {
			return &ledger.ValidationError{Field: "delivery.city", Message: "required for physical delivery"}
		}
		if strings.TrimSpace(d.Country) == "" {
			return &ledger.ValidationError{Field: "delivery.country", Message: "required for physical delivery"}
		}
	case inventory.DeliveryDigital:
		if strings.TrimSpace(d.Email) == "" {
			return &ledger.ValidationError{Field: "delivery.email", Message: "required for digital delivery"}
		}
	case inventory.DeliveryVoucher, inventory.DeliveryAccess:
	default:
		return &ledger.ValidationError{Field: "deliveryType", Message: "unknown delivery type " + string(t)}
	}
	if d.Email != "" {
		if _, err := mail.ParseAddress(d.Email); err != nil {
			return &ledger.ValidationError{Field: "delivery.email", Message: "not a valid address"}
		}
	}
	return nil
}

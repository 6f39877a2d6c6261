package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Account is one VK Ads cabinet. APIToken is stored encrypted and never
// returned by the API.
type Account struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID           string             `bson:"user_id" json:"user_id"`
	Name             string             `bson:"name" json:"name"`
	VKAccountID      int64              `bson:"vk_account_id" json:"vk_account_id"`
	APIToken         string             `bson:"api_token" json:"api_token,omitempty"`
	Label            string             `bson:"label,omitempty" json:"label,omitempty"`
	LeadsTechEnabled bool               `bson:"leadstech_enabled" json:"leadstech_enabled"`
	CreatedAt        time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time          `bson:"updated_at" json:"updated_at"`
}

// HasRevenueSource reports whether revenue can be correlated for the account.
func (a *Account) HasRevenueSource() bool {
	return a.LeadsTechEnabled && a.Label != ""
}

func (a *Account) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAccount)
	}
	if a.APIToken == "" {
		return fmt.Errorf("%w: api_token is required", ErrInvalidAccount)
	}
	if a.LeadsTechEnabled && a.Label == "" {
		return fmt.Errorf("%w: label is required when leadstech is enabled", ErrInvalidAccount)
	}
	return nil
}

// Redacted returns a copy safe to serialize to clients.
func (a Account) Redacted() Account {
	a.APIToken = ""
	return a
}

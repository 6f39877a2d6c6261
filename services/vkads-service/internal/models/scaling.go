package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ScalingConfig classifies banners with Conditions and duplicates ad groups
// that contain at least one positive banner.
type ScalingConfig struct {
	ID                       primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	UserID                   string               `bson:"user_id" json:"user_id"`
	Name                     string               `bson:"name" json:"name"`
	Enabled                  bool                 `bson:"enabled" json:"enabled"`
	AccountIDs               []primitive.ObjectID `bson:"account_ids,omitempty" json:"account_ids,omitempty"`
	Conditions               []Condition          `bson:"conditions" json:"conditions"`
	LookbackDays             int                  `bson:"lookback_days" json:"lookback_days"`
	ActivatePositiveBanners  bool                 `bson:"activate_positive_banners" json:"activate_positive_banners"`
	DuplicateNegativeBanners bool                 `bson:"duplicate_negative_banners" json:"duplicate_negative_banners"`
	ActivateNegativeBanners  bool                 `bson:"activate_negative_banners" json:"activate_negative_banners"`
	DuplicateToNewCampaign   bool                 `bson:"duplicate_to_new_campaign" json:"duplicate_to_new_campaign"`
	NewCampaignName          string               `bson:"new_campaign_name,omitempty" json:"new_campaign_name,omitempty"`
	CreatedAt                time.Time            `bson:"created_at" json:"created_at"`
	UpdatedAt                time.Time            `bson:"updated_at" json:"updated_at"`
}

func (c *ScalingConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScalingConfig)
	}
	if len(c.Conditions) == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidScalingConfig)
	}
	if c.LookbackDays < 0 {
		return fmt.Errorf("%w: lookback_days must not be negative", ErrInvalidScalingConfig)
	}
	return nil
}

func (c *ScalingConfig) AppliesTo(accountID primitive.ObjectID) bool {
	return linked(c.AccountIDs, accountID)
}

// UserSettings holds per-user state shared by all runs.
type UserSettings struct {
	UserID         string    `bson:"user_id" json:"user_id"`
	Whitelist      []int64   `bson:"whitelist" json:"whitelist"`
	TelegramChatID int64     `bson:"telegram_chat_id,omitempty" json:"telegram_chat_id,omitempty"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at"`
}

// WhitelistSet returns the whitelist as a lookup set.
func (s *UserSettings) WhitelistSet() map[int64]struct{} {
	out := make(map[int64]struct{}, len(s.Whitelist))
	for _, id := range s.Whitelist {
		out[id] = struct{}{}
	}
	return out
}

package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type RuleKind string

const (
	RuleKindDisable RuleKind = "disable"
	RuleKindBudget  RuleKind = "budget"
)

type ChangeDirection string

const (
	DirectionIncrease ChangeDirection = "increase"
	DirectionDecrease ChangeDirection = "decrease"
)

const (
	MinChangePercent    = 1
	MaxChangePercent    = 20
	DefaultLookbackDays = 7
)

// Condition is stored with its operator as text; Order only affects display.
type Condition struct {
	Metric   string  `bson:"metric" json:"metric"`
	Operator string  `bson:"operator" json:"operator"`
	Value    float64 `bson:"value" json:"value"`
	Order    int     `bson:"order" json:"order"`
}

type Rule struct {
	ID              primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	UserID          string               `bson:"user_id" json:"user_id"`
	Kind            RuleKind             `bson:"kind" json:"kind"`
	Name            string               `bson:"name" json:"name"`
	Description     string               `bson:"description,omitempty" json:"description,omitempty"`
	Priority        int                  `bson:"priority" json:"priority"`
	Enabled         bool                 `bson:"enabled" json:"enabled"`
	AccountIDs      []primitive.ObjectID `bson:"account_ids,omitempty" json:"account_ids,omitempty"`
	LookbackDays    int                  `bson:"lookback_days" json:"lookback_days"`
	Conditions      []Condition          `bson:"conditions" json:"conditions"`
	ChangePercent   float64              `bson:"change_percent,omitempty" json:"change_percent,omitempty"`
	ChangeDirection ChangeDirection      `bson:"change_direction,omitempty" json:"change_direction,omitempty"`
	CreatedAt       time.Time            `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time            `bson:"updated_at" json:"updated_at"`
}

func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	switch r.Kind {
	case RuleKindDisable:
	case RuleKindBudget:
		if r.ChangePercent < MinChangePercent || r.ChangePercent > MaxChangePercent {
			return fmt.Errorf("%w: change_percent must be in [%d, %d]", ErrInvalidRule, MinChangePercent, MaxChangePercent)
		}
		if r.ChangeDirection != DirectionIncrease && r.ChangeDirection != DirectionDecrease {
			return fmt.Errorf("%w: change_direction must be increase or decrease", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	if r.LookbackDays < 0 {
		return fmt.Errorf("%w: lookback_days must not be negative", ErrInvalidRule)
	}
	for i, c := range r.Conditions {
		if c.Metric == "" {
			return fmt.Errorf("%w: condition %d has no metric", ErrInvalidRule, i)
		}
	}
	return nil
}

// AppliesTo is true for every account when no accounts are linked.
func (r *Rule) AppliesTo(accountID primitive.ObjectID) bool {
	return linked(r.AccountIDs, accountID)
}

func linked(ids []primitive.ObjectID, id primitive.ObjectID) bool {
	if len(ids) == 0 {
		return true
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

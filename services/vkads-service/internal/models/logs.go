package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ActionLog is written once per banner handled by a disable run.
type ActionLog struct {
	ID          primitive.ObjectID     `bson:"_id,omitempty" json:"id"`
	UserID      string                 `bson:"user_id" json:"user_id"`
	TaskID      string                 `bson:"task_id,omitempty" json:"task_id,omitempty"`
	AccountID   string                 `bson:"account_id" json:"account_id"`
	AccountName string                 `bson:"account_name" json:"account_name"`
	BannerID    int64                  `bson:"banner_id" json:"banner_id"`
	AdGroupID   int64                  `bson:"ad_group_id" json:"ad_group_id"`
	RuleID      string                 `bson:"rule_id" json:"rule_id"`
	RuleName    string                 `bson:"rule_name" json:"rule_name"`
	Action      string                 `bson:"action" json:"action"`
	Metrics     map[string]interface{} `bson:"metrics" json:"metrics"`
	DryRun      bool                   `bson:"dry_run" json:"dry_run"`
	Success     bool                   `bson:"success" json:"success"`
	Error       string                 `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt   time.Time              `bson:"created_at" json:"created_at"`
}

// BudgetChangeLog is written once per (ad group, rule) budget change.
type BudgetChangeLog struct {
	ID              primitive.ObjectID     `bson:"_id,omitempty" json:"id"`
	UserID          string                 `bson:"user_id" json:"user_id"`
	TaskID          string                 `bson:"task_id,omitempty" json:"task_id,omitempty"`
	AccountID       string                 `bson:"account_id" json:"account_id"`
	AccountName     string                 `bson:"account_name" json:"account_name"`
	AdGroupID       int64                  `bson:"ad_group_id" json:"ad_group_id"`
	BannerID        int64                  `bson:"banner_id" json:"banner_id"`
	RuleID          string                 `bson:"rule_id" json:"rule_id"`
	RuleName        string                 `bson:"rule_name" json:"rule_name"`
	ChangePercent   float64                `bson:"change_percent" json:"change_percent"`
	ChangeDirection ChangeDirection        `bson:"change_direction" json:"change_direction"`
	OldBudget       float64                `bson:"old_budget" json:"old_budget"`
	NewBudget       float64                `bson:"new_budget" json:"new_budget"`
	Metrics         map[string]interface{} `bson:"metrics" json:"metrics"`
	DryRun          bool                   `bson:"dry_run" json:"dry_run"`
	Success         bool                   `bson:"success" json:"success"`
	Error           string                 `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt       time.Time              `bson:"created_at" json:"created_at"`
}

type DuplicatedBanner struct {
	OriginalID int64  `bson:"original_id" json:"original_id"`
	NewID      int64  `bson:"new_id" json:"new_id"`
	Name       string `bson:"name" json:"name"`
	Status     string `bson:"status" json:"status"`
	Positive   bool   `bson:"positive" json:"positive"`
}

// ScalingLog is written once per ad group a scaling run tried to duplicate.
type ScalingLog struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID             string             `bson:"user_id" json:"user_id"`
	TaskID             string             `bson:"task_id,omitempty" json:"task_id,omitempty"`
	ConfigID           string             `bson:"config_id" json:"config_id"`
	ConfigName         string             `bson:"config_name" json:"config_name"`
	AccountID          string             `bson:"account_id" json:"account_id"`
	AccountName        string             `bson:"account_name" json:"account_name"`
	OriginalGroupID    int64              `bson:"original_group_id" json:"original_group_id"`
	NewGroupID         int64              `bson:"new_group_id,omitempty" json:"new_group_id,omitempty"`
	OriginalCampaignID int64              `bson:"original_campaign_id" json:"original_campaign_id"`
	NewCampaignID      int64              `bson:"new_campaign_id,omitempty" json:"new_campaign_id,omitempty"`
	NewGroupStatus     string             `bson:"new_group_status,omitempty" json:"new_group_status,omitempty"`
	PositiveCount      int                `bson:"positive_count" json:"positive_count"`
	NegativeCount      int                `bson:"negative_count" json:"negative_count"`
	DuplicatedBanners  []DuplicatedBanner `bson:"duplicated_banners" json:"duplicated_banners"`
	DeletedBannerIDs   []int64            `bson:"deleted_banner_ids,omitempty" json:"deleted_banner_ids,omitempty"`
	Success            bool               `bson:"success" json:"success"`
	Error              string             `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt          time.Time          `bson:"created_at" json:"created_at"`
}

// Package repository persists accounts, rules, tasks and run logs in MongoDB.
package repository

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/grigta/vkads/pkg/database"
)

const (
	accountsCollection       = "accounts"
	rulesCollection          = "rules"
	scalingConfigsCollection = "scaling_configs"
	settingsCollection       = "user_settings"
	tasksCollection          = "tasks"
	actionLogsCollection     = "action_logs"
	budgetLogsCollection     = "budget_logs"
	scalingLogsCollection    = "scaling_logs"
)

const logRetention = 90 * 24 * time.Hour

// Indexes lists the indexes every collection needs.
func Indexes() []database.IndexSpec {
	return []database.IndexSpec{
		{Collection: accountsCollection, Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "name", Value: 1}}, Unique: true},
		{Collection: rulesCollection, Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "kind", Value: 1}, {Key: "priority", Value: -1}}},
		{Collection: scalingConfigsCollection, Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Collection: settingsCollection, Keys: bson.D{{Key: "user_id", Value: 1}}, Unique: true},
		{Collection: tasksCollection, Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Collection: actionLogsCollection, Keys: bson.D{{Key: "task_id", Value: 1}}},
		{Collection: actionLogsCollection, Keys: bson.D{{Key: "created_at", Value: 1}}, TTL: logRetention},
		{Collection: budgetLogsCollection, Keys: bson.D{{Key: "task_id", Value: 1}}},
		{Collection: budgetLogsCollection, Keys: bson.D{{Key: "created_at", Value: 1}}, TTL: logRetention},
		{Collection: scalingLogsCollection, Keys: bson.D{{Key: "task_id", Value: 1}}},
		{Collection: scalingLogsCollection, Keys: bson.D{{Key: "created_at", Value: 1}}, TTL: logRetention},
	}
}

// ParseID converts a hex id from the API into an ObjectID.
func ParseID(hex string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, database.ErrInvalidID
	}
	return id, nil
}

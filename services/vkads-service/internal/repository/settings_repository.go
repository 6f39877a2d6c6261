package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

type SettingsRepository interface {
	Get(ctx context.Context, userID string) (*models.UserSettings, error)
	SetWhitelist(ctx context.Context, userID string, bannerIDs []int64) error
	SetTelegramChatID(ctx context.Context, userID string, chatID int64) error
}

type settingsRepository struct {
	collection *mongo.Collection
}

func NewSettingsRepository(db *mongo.Database) SettingsRepository {
	return &settingsRepository{collection: db.Collection(settingsCollection)}
}

// Get returns empty settings for users that never saved any.
func (r *settingsRepository) Get(ctx context.Context, userID string) (*models.UserSettings, error) {
	var s models.UserSettings
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &models.UserSettings{UserID: userID, Whitelist: []int64{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return &s, nil
}

func (r *settingsRepository) SetWhitelist(ctx context.Context, userID string, bannerIDs []int64) error {
	if bannerIDs == nil {
		bannerIDs = []int64{}
	}
	return r.upsert(ctx, userID, bson.M{"whitelist": bannerIDs})
}

func (r *settingsRepository) SetTelegramChatID(ctx context.Context, userID string, chatID int64) error {
	return r.upsert(ctx, userID, bson.M{"telegram_chat_id": chatID})
}

func (r *settingsRepository) upsert(ctx context.Context, userID string, set bson.M) error {
	set["updated_at"] = time.Now()
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

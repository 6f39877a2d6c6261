package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grigta/vkads/pkg/database"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

// TokenCipher encrypts API tokens at rest. *crypto.Encryptor satisfies it.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, userID string, id primitive.ObjectID) (*models.Account, error)
	GetByName(ctx context.Context, userID, name string) (*models.Account, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Account, error)
	Delete(ctx context.Context, userID string, id primitive.ObjectID) error
}

type accountRepository struct {
	collection *mongo.Collection
	cipher     TokenCipher
}

func NewAccountRepository(db *mongo.Database, cipher TokenCipher) AccountRepository {
	return &accountRepository{
		collection: db.Collection(accountsCollection),
		cipher:     cipher,
	}
}

func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	plain := account.APIToken
	encrypted, err := r.cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt api token: %w", err)
	}

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now
	account.APIToken = encrypted

	result, err := r.collection.InsertOne(ctx, account)
	account.APIToken = plain
	if err != nil {
		return fmt.Errorf("failed to create account: %w", database.MapError(err))
	}

	account.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, userID string, id primitive.ObjectID) (*models.Account, error) {
	return r.findOne(ctx, bson.M{"_id": id, "user_id": userID})
}

func (r *accountRepository) GetByName(ctx context.Context, userID, name string) (*models.Account, error) {
	return r.findOne(ctx, bson.M{"user_id": userID, "name": name})
}

func (r *accountRepository) findOne(ctx context.Context, filter bson.M) (*models.Account, error) {
	var account models.Account
	if err := r.collection.FindOne(ctx, filter).Decode(&account); err != nil {
		return nil, fmt.Errorf("failed to get account: %w", database.MapError(err))
	}
	if err := r.decrypt(&account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) ListByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var accounts []*models.Account
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	for _, account := range accounts {
		if err := r.decrypt(account); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (r *accountRepository) Delete(ctx context.Context, userID string, id primitive.ObjectID) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if result.DeletedCount == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (r *accountRepository) decrypt(account *models.Account) error {
	token, err := r.cipher.Decrypt(account.APIToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt api token for account %s: %w", account.Name, err)
	}
	account.APIToken = token
	return nil
}

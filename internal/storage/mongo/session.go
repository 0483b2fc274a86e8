package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
)

// sessionDoc — документ коллекции key_tokens.
type sessionDoc struct {
	UserID            string    `bson:"user"`
	PrivateKey        string    `bson:"private_key"`
	PublicKey         string    `bson:"public_key"`
	RefreshToken      string    `bson:"refresh_token"`
	RefreshTokensUsed []string  `bson:"refresh_tokens_used"`
	CreatedAt         time.Time `bson:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

// ReplaceSession заменяет документ сессии целиком (upsert по user).
// Внешнего ключа на users нет, поэтому владелец проверяется до upsert
// и ещё раз после: если DeleteUser успел между ними, сессия-сирота
// удаляется. DeleteUser со своей стороны удаляет сессию после пользователя.
func (s *Storage) ReplaceSession(ctx context.Context, sess *models.Session) error {
	const op = "storage.mongo.ReplaceSession"

	ok, err := s.userExists(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	now := time.Now().UTC()
	doc := sessionDoc{
		UserID:            sess.UserID.String(),
		PrivateKey:        sess.Keys.PrivateKey,
		PublicKey:         sess.Keys.PublicKey,
		RefreshToken:      sess.RefreshToken,
		RefreshTokensUsed: []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	filter := bson.D{{Key: "user", Value: doc.UserID}}
	opts := options.Replace().SetUpsert(true)

	// Два конкурентных upsert могут столкнуться на уникальном индексе;
	// повтор превращается в обычную замену.
	for attempt := 0; attempt < 2; attempt++ {
		_, err = s.sessions.ReplaceOne(ctx, filter, doc, opts)
		if err == nil || !mongodriver.IsDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ok, err = s.userExists(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("%s: recheck owner: %w", op, err)
	}
	if !ok {
		if _, err := s.sessions.DeleteOne(ctx, filter); err != nil {
			return fmt.Errorf("%s: drop orphan: %w", op, err)
		}

		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

func (s *Storage) userExists(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.users.CountDocuments(ctx, bson.D{{Key: "_id", Value: id.String()}}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// SessionByUser возвращает сессию пользователя.
func (s *Storage) SessionByUser(ctx context.Context, userID uuid.UUID) (*models.Session, error) {
	const op = "storage.mongo.SessionByUser"

	var doc sessionDoc
	if err := s.sessions.FindOne(ctx, bson.D{{Key: "user", Value: userID.String()}}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.Session{
		UserID:            userID,
		Keys:              models.KeyPair{PrivateKey: doc.PrivateKey, PublicKey: doc.PublicKey},
		RefreshToken:      doc.RefreshToken,
		UsedRefreshTokens: doc.RefreshTokensUsed,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}, nil
}

// RotateSession — условное обновление одного документа: фильтр включает
// текущий refresh_token, так что $set и $push применяются только к сессии,
// в которой предъявленный токен ещё текущий.
func (s *Storage) RotateSession(ctx context.Context, userID uuid.UUID, next models.KeyPair, refreshToken, consumed string) error {
	const op = "storage.mongo.RotateSession"

	uid := userID.String()
	res, err := s.sessions.UpdateOne(ctx,
		bson.D{
			{Key: "user", Value: uid},
			{Key: "refresh_token", Value: consumed},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "private_key", Value: next.PrivateKey},
				{Key: "public_key", Value: next.PublicKey},
				{Key: "refresh_token", Value: refreshToken},
				{Key: "updated_at", Value: time.Now().UTC()},
			}},
			{Key: "$push", Value: bson.D{
				{Key: "refresh_tokens_used", Value: consumed},
			}},
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.sessions.CountDocuments(ctx, bson.D{{Key: "user", Value: uid}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return fmt.Errorf("%s: %w", op, storage.ErrStaleToken)
}

// DeleteSession удаляет сессию пользователя. Идемпотентна.
func (s *Storage) DeleteSession(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.mongo.DeleteSession"

	if _, err := s.sessions.DeleteOne(ctx, bson.D{{Key: "user", Value: userID.String()}}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// DeleteIdleSessions удаляет сессии с updated_at раньше before.
func (s *Storage) DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.mongo.DeleteIdleSessions"

	res, err := s.sessions.DeleteMany(ctx, bson.D{{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.DeletedCount, nil
}

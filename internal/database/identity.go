package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"LiveDesk/entity"
)

// FindIdentity returns the identity by id, or nil when unknown.
func (m *MongoDB) FindIdentity(ctx context.Context, id string) (*entity.Identity, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(ctx, connection)

	collection := connection.Database(m.database).Collection(identitiesCollection)
	filter := bson.D{{Key: "id", Value: id}}

	var identity entity.Identity
	err = collection.FindOne(ctx, filter).Decode(&identity)
	if err != nil {
		return nil, m.findError(err)
	}
	return &identity, nil
}

// FindIdentityByToken resolves a session token to its identity. Tokens are
// issued elsewhere; this is verification only.
func (m *MongoDB) FindIdentityByToken(ctx context.Context, token string) (*entity.Identity, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(ctx, connection)

	tokens := connection.Database(m.database).Collection(tokensCollection)

	var record struct {
		Token      string `bson:"token"`
		IdentityID string `bson:"identity_id"`
	}
	err = tokens.FindOne(ctx, bson.D{{Key: "token", Value: token}}).Decode(&record)
	if err != nil {
		return nil, m.findError(err)
	}
	if record.IdentityID == "" {
		return nil, nil
	}

	identities := connection.Database(m.database).Collection(identitiesCollection)
	var identity entity.Identity
	err = identities.FindOne(ctx, bson.D{{Key: "id", Value: record.IdentityID}}).Decode(&identity)
	if err != nil {
		return nil, m.findError(err)
	}
	return &identity, nil
}

// UpdateIdentity applies a partial update to the identity record.
func (m *MongoDB) UpdateIdentity(ctx context.Context, id string, fields map[string]any) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(ctx, connection)

	collection := connection.Database(m.database).Collection(identitiesCollection)
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "id", Value: id}}, bson.M{"$set": bson.M(fields)})
	if err != nil {
		return fmt.Errorf("mongodb update identity: %w", err)
	}
	return nil
}

// FindOnlineIdentities returns the ids of identities the store still marks
// online. Input for the presence reconciliation sweep.
func (m *MongoDB) FindOnlineIdentities(ctx context.Context) ([]string, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(ctx, connection)

	collection := connection.Database(m.database).Collection(identitiesCollection)
	cursor, err := collection.Find(ctx, bson.D{{Key: "online", Value: true}})
	if err != nil {
		return nil, fmt.Errorf("mongodb find online identities: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ID string `bson:"id"`
	}
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb decode online identities: %w", err)
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

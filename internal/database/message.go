package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"LiveDesk/entity"
)

// AppendMessage inserts a message record.
func (m *MongoDB) AppendMessage(ctx context.Context, msg *entity.Message) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(ctx, connection)

	collection := connection.Database(m.database).Collection(messagesCollection)
	_, err = collection.InsertOne(ctx, msg)
	if err != nil {
		return fmt.Errorf("mongodb insert message: %w", err)
	}
	return nil
}

// UpdateMessageStatus writes the message's current delivery state: global
// status plus the delivered/read receipt sets.
func (m *MongoDB) UpdateMessageStatus(ctx context.Context, msg *entity.Message) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(ctx, connection)

	collection := connection.Database(m.database).Collection(messagesCollection)
	update := bson.M{"$set": bson.M{
		"status":       msg.Status,
		"delivered_to": msg.DeliveredTo,
		"read_by":      msg.ReadBy,
	}}
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "id", Value: msg.ID}}, update)
	if err != nil {
		return fmt.Errorf("mongodb update message status: %w", err)
	}
	return nil
}

// QueryMessages returns a room's messages, paginated, newest first.
func (m *MongoDB) QueryMessages(ctx context.Context, roomID string, limit, offset int) ([]entity.Message, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(ctx, connection)

	collection := connection.Database(m.database).Collection(messagesCollection)

	filter := bson.D{{Key: "room_id", Value: roomID}}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []entity.Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("mongodb decode messages: %w", err)
	}
	return messages, nil
}

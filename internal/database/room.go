package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"LiveDesk/entity"
)

// roomDoc is the stored shape of a room: participant references are plain
// identity ids. The adapter resolves them to full identities before a Room
// crosses into the core, so the core never chases references mid-algorithm.
type roomDoc struct {
	ID            string            `bson:"id"`
	Type          string            `bson:"type"`
	Status        string            `bson:"status"`
	Participants  []string          `bson:"participants"`
	AssignedAgent string            `bson:"assigned_agent,omitempty"`
	LastActivity  time.Time         `bson:"last_activity"`
	Transfers     []entity.Transfer `bson:"transfers,omitempty"`
}

// FindRoom returns the room with resolved participants, or nil when unknown.
func (m *MongoDB) FindRoom(ctx context.Context, id string) (*entity.Room, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(ctx, connection)

	collection := connection.Database(m.database).Collection(roomsCollection)

	var doc roomDoc
	err = collection.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&doc)
	if err != nil {
		return nil, m.findError(err)
	}

	rooms, err := m.resolveRooms(ctx, connection, []roomDoc{doc})
	if err != nil {
		return nil, err
	}
	return &rooms[0], nil
}

// FindRoomsByParticipant returns every room listing the identity, newest
// activity first.
func (m *MongoDB) FindRoomsByParticipant(ctx context.Context, identityID string) ([]entity.Room, error) {
	return m.findRooms(ctx, bson.D{{Key: "participants", Value: identityID}})
}

// FindOpenSupportRooms returns support rooms in active or pending status.
// Used to rebuild assignment workload counts at startup.
func (m *MongoDB) FindOpenSupportRooms(ctx context.Context) ([]entity.Room, error) {
	filter := bson.D{
		{Key: "type", Value: entity.RoomSupport},
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{entity.RoomActive, entity.RoomPending}}}},
	}
	return m.findRooms(ctx, filter)
}

// CreateRoom inserts a new room document.
func (m *MongoDB) CreateRoom(ctx context.Context, room *entity.Room) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(ctx, connection)

	doc := roomDoc{
		ID:            room.ID,
		Type:          room.Type,
		Status:        room.Status,
		Participants:  make([]string, 0, len(room.Participants)),
		AssignedAgent: room.AssignedAgentID(),
		LastActivity:  room.LastActivity,
		Transfers:     room.Transfers,
	}
	for i := range room.Participants {
		doc.Participants = append(doc.Participants, room.Participants[i].ID)
	}

	collection := connection.Database(m.database).Collection(roomsCollection)
	_, err = collection.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("mongodb insert room: %w", err)
	}
	return nil
}

// UpdateRoom applies a partial update to the room record.
func (m *MongoDB) UpdateRoom(ctx context.Context, id string, fields map[string]any) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(ctx, connection)

	collection := connection.Database(m.database).Collection(roomsCollection)
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "id", Value: id}}, bson.M{"$set": bson.M(fields)})
	if err != nil {
		return fmt.Errorf("mongodb update room: %w", err)
	}
	return nil
}

func (m *MongoDB) findRooms(ctx context.Context, filter bson.D) ([]entity.Room, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(ctx, connection)

	collection := connection.Database(m.database).Collection(roomsCollection)
	cursor, err := collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb find rooms: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []roomDoc
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb decode rooms: %w", err)
	}
	return m.resolveRooms(ctx, connection, docs)
}

// resolveRooms joins participant and agent references to identity records
// in one batched lookup. A reference with no matching record resolves to a
// bare identity holding only the id.
func (m *MongoDB) resolveRooms(ctx context.Context, connection *mongo.Client, docs []roomDoc) ([]entity.Room, error) {
	idSet := make(map[string]struct{})
	for _, doc := range docs {
		for _, p := range doc.Participants {
			idSet[p] = struct{}{}
		}
		if doc.AssignedAgent != "" {
			idSet[doc.AssignedAgent] = struct{}{}
		}
	}

	resolved := make(map[string]entity.Identity, len(idSet))
	if len(idSet) > 0 {
		ids := make(bson.A, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}
		collection := connection.Database(m.database).Collection(identitiesCollection)
		cursor, err := collection.Find(ctx, bson.D{{Key: "id", Value: bson.D{{Key: "$in", Value: ids}}}})
		if err != nil {
			return nil, fmt.Errorf("mongodb resolve identities: %w", err)
		}
		defer cursor.Close(ctx)

		var identities []entity.Identity
		if err = cursor.All(ctx, &identities); err != nil {
			return nil, fmt.Errorf("mongodb decode identities: %w", err)
		}
		for _, identity := range identities {
			resolved[identity.ID] = identity
		}
	}

	lookup := func(id string) entity.Identity {
		if identity, ok := resolved[id]; ok {
			return identity
		}
		return entity.Identity{ID: id}
	}

	rooms := make([]entity.Room, 0, len(docs))
	for _, doc := range docs {
		room := entity.Room{
			ID:           doc.ID,
			Type:         doc.Type,
			Status:       doc.Status,
			Participants: make([]entity.Identity, 0, len(doc.Participants)),
			LastActivity: doc.LastActivity,
			Transfers:    doc.Transfers,
		}
		for _, p := range doc.Participants {
			room.Participants = append(room.Participants, lookup(p))
		}
		if doc.AssignedAgent != "" {
			agent := lookup(doc.AssignedAgent)
			room.AssignedAgent = &agent
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

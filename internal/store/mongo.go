package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crewboard/api/internal/tenant"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	cardsCollection        = "cards"
	messagesCollection     = "chatmessages"
	projectIndexCollection = "project_index"
	userIndexCollection    = "user_index"

	codeNamespaceExists = 48
)

// MongoStore keeps projects and users in one collection per tenant
// partition. Cards, chat messages and the lookup indexes are shared
// collections.
type MongoStore struct {
	client     *mongo.Client
	db         *mongo.Database
	partitions *tenant.Registry[*mongo.Collection]
	logger     zerolog.Logger
}

func OpenMongo(ctx context.Context, uri, database string, logger zerolog.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return NewMongoStore(client, database, logger), nil
}

func NewMongoStore(client *mongo.Client, database string, logger zerolog.Logger) *MongoStore {
	s := &MongoStore{
		client: client,
		db:     client.Database(database),
		logger: logger.With().Str("component", "mongo_store").Logger(),
	}
	s.partitions = tenant.NewRegistry(s.openPartition)
	return s
}

// openPartition creates the backing collection on first use. A collection
// that already exists is reused.
func (s *MongoStore) openPartition(ctx context.Context, name string) (*mongo.Collection, error) {
	if err := s.db.CreateCollection(ctx, name); err != nil && !hasErrorCode(err, codeNamespaceExists) {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	coll := s.db.Collection(name)
	s.logger.Debug().Str("partition", name).Msg("partition opened")
	return coll, nil
}

// EnsureIndexes creates the indexes of the shared collections.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		cardsCollection: {
			{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "createdAt", Value: 1}}},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "chatType", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
		projectIndexCollection: {
			{Keys: bson.D{{Key: "teamMembers", Value: 1}}},
			{Keys: bson.D{{Key: "partition", Value: 1}}},
		},
		userIndexCollection: {
			{Keys: bson.D{{Key: "partition", Value: 1}}},
		},
	}
	for name, models := range specs {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) EnsurePartition(ctx context.Context, name string) error {
	_, err := s.partitions.Open(ctx, name)
	return err
}

func (s *MongoStore) DropPartition(ctx context.Context, name string) error {
	if err := s.db.Collection(name).Drop(ctx); err != nil {
		return fmt.Errorf("drop partition %s: %w", name, err)
	}
	s.partitions.Forget(name)
	filter := bson.M{"partition": name}
	if _, err := s.db.Collection(projectIndexCollection).DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("clear project index for %s: %w", name, err)
	}
	if _, err := s.db.Collection(userIndexCollection).DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("clear user index for %s: %w", name, err)
	}
	return nil
}

func (s *MongoStore) InsertUser(ctx context.Context, partition string, user User) error {
	coll, err := s.partitions.Open(ctx, partition)
	if err != nil {
		return err
	}
	entry := UserIndexEntry{
		Username:  user.Username,
		UserID:    user.ID,
		Partition: partition,
		Role:      user.Role,
		Name:      user.Name,
	}
	// The index insert claims the identity; it fails on duplicates.
	if _, err := s.db.Collection(userIndexCollection).InsertOne(ctx, entry); err != nil {
		return wrapWriteErr("index user", err)
	}
	if _, err := coll.InsertOne(ctx, user); err != nil {
		_, _ = s.db.Collection(userIndexCollection).DeleteOne(ctx, bson.M{"_id": user.Username})
		return wrapWriteErr("insert user", err)
	}
	return nil
}

func (s *MongoStore) GetUserIndex(ctx context.Context, username string) (UserIndexEntry, error) {
	var entry UserIndexEntry
	err := s.db.Collection(userIndexCollection).FindOne(ctx, bson.M{"_id": username}).Decode(&entry)
	return entry, wrapReadErr("lookup user index", err)
}

func (s *MongoStore) LookupUser(ctx context.Context, username string) (User, error) {
	entry, err := s.GetUserIndex(ctx, username)
	if err != nil {
		return User{}, err
	}
	return s.GetUser(ctx, entry.Partition, entry.UserID)
}

func (s *MongoStore) GetUser(ctx context.Context, partition, id string) (User, error) {
	coll, err := s.partitions.Open(ctx, partition)
	if err != nil {
		return User{}, err
	}
	var user User
	err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	return user, wrapReadErr("get user", err)
}

func (s *MongoStore) ListUsers(ctx context.Context, partition string, filter UserFilter) ([]User, error) {
	coll, err := s.partitions.Open(ctx, partition)
	if err != nil {
		return nil, err
	}
	query := bson.M{}
	if filter.Role != "" {
		query["role"] = filter.Role
	}
	if filter.CreatedBy != "" {
		query["createdBy"] = filter.CreatedBy
	}
	cursor, err := coll.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := []User{}
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

func (s *MongoStore) DeleteUser(ctx context.Context, partition, id string) error {
	coll, err := s.partitions.Open(ctx, partition)
	if err != nil {
		return err
	}
	var user User
	if err := coll.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&user); err != nil {
		return wrapReadErr("delete user", err)
	}
	_, err = s.db.Collection(userIndexCollection).DeleteOne(ctx, bson.M{"_id": user.Username, "userId": id})
	if err != nil {
		return fmt.Errorf("delete user index: %w", err)
	}
	return nil
}

func (s *MongoStore) InsertProject(ctx context.Context, partition string, project Project) error {
	coll, err := s.partitions.Open(ctx, partition)
	if err != nil {
		return err
	}
	if _, err := coll.InsertOne(ctx, project); err != nil {
		return wrapWriteErr("insert project", err)
	}
	entry := ProjectIndexEntry{
		ProjectID:   project.ID,
		Partition:   partition,
		CreatedBy:   project.CreatedBy,
		TeamMembers: project.TeamMembers,
	}
	if _, err := s.db.Collection(projectIndexCollection).InsertOne(ctx, entry); err != nil {
		_, _ = coll.DeleteOne(ctx, bson.M{"_id": project.ID})
		return wrapWriteErr("index project", err)
	}
	return nil
}

func (s *MongoStore) GetProjectIndex(ctx context.Context, projectID string) (ProjectIndexEntry, error) {
	var entry ProjectIndexEntry
	err := s.db.Collection(projectIndexCollection).FindOne(ctx, bson.M{"_id": projectID}).Decode(&entry)
	return entry, wrapReadErr("lookup project index", err)
}

func (s *MongoStore) ListProjectIndexByMember(ctx context.Context, member string) ([]ProjectIndexEntry, error) {
	cursor, err := s.db.Collection(projectIndexCollection).Find(ctx,
		bson.M{"teamMembers": member},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list project index: %w", err)
	}
	entries := []ProjectIndexEntry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("decode project index: %w", err)
	}
	return entries, nil
}

func (s *MongoStore) GetProject(ctx context.Context, partition, id string) (Project, error) {
	coll, err := s.partitions.Open(ctx, partition)
	if err != nil {
		return Project{}, err
	}
	var project Project
	err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&project)
	return project, wrapReadErr("get project", err)
}

func (s *MongoStore) ListProjects(ctx context.Context, partition string) ([]Project, error) {
	coll, err := s.partitions.Open(ctx, partition)
	if err != nil {
		return nil, err
	}
	cursor, err := coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	projects := []Project{}
	if err := cursor.All(ctx, &projects); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}
	return projects, nil
}

func (s *MongoStore) UpdateProject(ctx context.Context, partition, id string, update ProjectUpdate) (Project, error) {
	coll, err := s.partitions.Open(ctx, partition)
	if err != nil {
		return Project{}, err
	}
	set := bson.M{}
	if update.Status != nil {
		set["status"] = *update.Status
	}
	if update.Percentage != nil {
		set["percentage"] = *update.Percentage
	}
	var project Project
	if len(set) == 0 {
		return s.GetProject(ctx, partition, id)
	}
	err = coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&project)
	return project, wrapReadErr("update project", err)
}

func (s *MongoStore) InsertCards(ctx context.Context, cards []Card) error {
	if len(cards) == 0 {
		return nil
	}
	docs := make([]any, len(cards))
	for i := range cards {
		docs[i] = cards[i]
	}
	if _, err := s.db.Collection(cardsCollection).InsertMany(ctx, docs); err != nil {
		return wrapWriteErr("insert cards", err)
	}
	return nil
}

func (s *MongoStore) GetCard(ctx context.Context, id string) (Card, error) {
	var card Card
	err := s.db.Collection(cardsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&card)
	return card, wrapReadErr("get card", err)
}

func (s *MongoStore) ListCards(ctx context.Context, projectID string) ([]Card, error) {
	cursor, err := s.db.Collection(cardsCollection).Find(ctx,
		bson.M{"projectId": projectID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	cards := []Card{}
	if err := cursor.All(ctx, &cards); err != nil {
		return nil, fmt.Errorf("decode cards: %w", err)
	}
	return cards, nil
}

func (s *MongoStore) ReplaceCard(ctx context.Context, card Card) error {
	result, err := s.db.Collection(cardsCollection).ReplaceOne(ctx, bson.M{"_id": card.ID}, card)
	if err != nil {
		return fmt.Errorf("replace card: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteCard(ctx context.Context, id string) (Card, error) {
	var card Card
	err := s.db.Collection(cardsCollection).FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&card)
	return card, wrapReadErr("delete card", err)
}

func (s *MongoStore) InsertMessage(ctx context.Context, msg ChatMessage) error {
	if _, err := s.db.Collection(messagesCollection).InsertOne(ctx, msg); err != nil {
		return wrapWriteErr("insert message", err)
	}
	return nil
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (ChatMessage, error) {
	var msg ChatMessage
	err := s.db.Collection(messagesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	return msg, wrapReadErr("get message", err)
}

func (s *MongoStore) ListMessages(ctx context.Context, query MessageQuery) ([]ChatMessage, error) {
	filter := bson.M{
		"projectId": query.ProjectID,
		"chatType":  query.ChatType,
		"isDeleted": bson.M{"$ne": true},
	}
	if query.Participants != nil {
		filter["participants"] = query.Participants
	}
	cursor, err := s.db.Collection(messagesCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages := []ChatMessage{}
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return messages, nil
}

// AdvanceMessageStatus sets status only while the stored status is one of
// from, so concurrent readers can never move a message backwards.
func (s *MongoStore) AdvanceMessageStatus(ctx context.Context, id, status string, from []string) (bool, error) {
	result, err := s.db.Collection(messagesCollection).UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": from}},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return false, fmt.Errorf("advance message status: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) MarkMessageDeleted(ctx context.Context, id string) error {
	return s.updateMessage(ctx, id, bson.M{"isDeleted": true})
}

func (s *MongoStore) UpdateMessageBody(ctx context.Context, id, message, envelope string, editedAt time.Time) error {
	return s.updateMessage(ctx, id, bson.M{
		"message":          message,
		"encryptedMessage": envelope,
		"editedAt":         editedAt,
	})
}

func (s *MongoStore) updateMessage(ctx context.Context, id string, set bson.M) error {
	result, err := s.db.Collection(messagesCollection).UpdateByID(ctx, id, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func hasErrorCode(err error, code int) bool {
	var serverErr mongo.ServerError
	return errors.As(err, &serverErr) && serverErr.HasErrorCode(code)
}

func wrapReadErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func wrapWriteErr(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return fmt.Errorf("%s: %w", op, err)
}

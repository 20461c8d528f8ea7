// Package mongostore is the MongoDB-backed implementation of
// internal/store.Store: users, games, archived games, and the
// per-time-control rating table live in four collections, mirroring the persisted-record shape
// the core's document-store contract assumes.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xqserver/xqserver/internal/store"
)

const (
	usersCollection   = "users"
	gamesCollection   = "games"
	archiveCollection = "game_archive"
	ratingsCollection = "ratings"
)

// Store adapts a *mongo.Database to internal/store.Store.
type Store struct {
	db *mongo.Database
}

// New wraps db for use as a store.Store.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Connect dials uri and returns a Store backed by database dbName.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connecting: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return New(client.Database(dbName)), nil
}

type userDoc struct {
	Username     string    `bson:"username"`
	PasswordHash string    `bson:"password_hash"`
	AvatarID     string    `bson:"avatar_id"`
	Online       bool      `bson:"online"`
	Friends      []string  `bson:"friends,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	doc := userDoc{
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		AvatarID:     u.AvatarID,
		Online:       u.Online,
		Friends:      u.Friends,
		CreatedAt:    u.CreatedAt,
	}
	_, err := s.db.Collection(usersCollection).InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("mongostore: creating user %s: %w", u.Username, err)
	}
	return nil
}

func (s *Store) FindUserByName(ctx context.Context, username string) (store.User, error) {
	var doc userDoc
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("mongostore: finding user %s: %w", username, err)
	}
	return store.User{
		Username:     doc.Username,
		PasswordHash: doc.PasswordHash,
		AvatarID:     doc.AvatarID,
		Online:       doc.Online,
		Friends:      doc.Friends,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

func (s *Store) UpdateOnlineStatus(ctx context.Context, username string, online bool) error {
	_, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$set": bson.M{"online": online}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: updating online status for %s: %w", username, err)
	}
	return nil
}

func (s *Store) AddFriend(ctx context.Context, username, friend string) error {
	_, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$addToSet": bson.M{"friends": friend}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: adding friend %s for %s: %w", friend, username, err)
	}
	return nil
}

func (s *Store) RemoveFriend(ctx context.Context, username, friend string) error {
	_, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$pull": bson.M{"friends": friend}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: removing friend %s for %s: %w", friend, username, err)
	}
	return nil
}

type moveDoc struct {
	Piece    string    `bson:"piece"`
	FromRow  int       `bson:"from_row"`
	FromCol  int       `bson:"from_col"`
	ToRow    int       `bson:"to_row"`
	ToCol    int       `bson:"to_col"`
	PlayedAt time.Time `bson:"played_at"`
}

type gameDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	RedUser     string             `bson:"red_user"`
	BlackUser   string             `bson:"black_user"`
	TimeControl string             `bson:"time_control"`
	Rated       bool               `bson:"rated"`
	Status      string             `bson:"status"`
	WhoseTurn   string             `bson:"whose_turn"`
	MoveCount   int                `bson:"move_count"`
	FEN         string             `bson:"fen"`
	RedMillis   int64              `bson:"red_millis"`
	BlackMillis int64              `bson:"black_millis"`
	Moves       []moveDoc          `bson:"moves"`
	Result      string             `bson:"result"`
	Winner      string             `bson:"winner"`
	CreatedAt   time.Time          `bson:"created_at"`
	EndedAt     time.Time          `bson:"ended_at,omitempty"`
}

func (s *Store) CreateGame(ctx context.Context, g store.Game) (string, error) {
	doc := gameDoc{
		RedUser:     g.RedUser,
		BlackUser:   g.BlackUser,
		TimeControl: g.TimeControl,
		Rated:       g.Rated,
		Status:      g.Status,
		WhoseTurn:   g.WhoseTurn,
		MoveCount:   g.MoveCount,
		FEN:         g.FEN,
		RedMillis:   g.Clocks.RedMillis,
		BlackMillis: g.Clocks.BlackMillis,
		CreatedAt:   g.CreatedAt,
	}
	res, err := s.db.Collection(gamesCollection).InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("mongostore: creating game: %w", err)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("mongostore: unexpected inserted id type")
	}
	return id.Hex(), nil
}

func gameFilter(gameID string) (bson.M, error) {
	oid, err := primitive.ObjectIDFromHex(gameID)
	if err != nil {
		return nil, fmt.Errorf("mongostore: malformed game id %q: %w", gameID, err)
	}
	return bson.M{"_id": oid}, nil
}

func (s *Store) FindGameByID(ctx context.Context, gameID string) (store.Game, error) {
	filter, err := gameFilter(gameID)
	if err != nil {
		return store.Game{}, err
	}

	var doc gameDoc
	err = s.db.Collection(gamesCollection).FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return store.Game{}, store.ErrNotFound
	}
	if err != nil {
		return store.Game{}, fmt.Errorf("mongostore: finding game %s: %w", gameID, err)
	}
	return docToGame(doc), nil
}

func docToGame(doc gameDoc) store.Game {
	moves := make([]store.Move, 0, len(doc.Moves))
	for _, m := range doc.Moves {
		moves = append(moves, store.Move{
			Piece: m.Piece, FromRow: m.FromRow, FromCol: m.FromCol,
			ToRow: m.ToRow, ToCol: m.ToCol, PlayedAt: m.PlayedAt,
		})
	}
	return store.Game{
		ID:          doc.ID.Hex(),
		RedUser:     doc.RedUser,
		BlackUser:   doc.BlackUser,
		TimeControl: doc.TimeControl,
		Rated:       doc.Rated,
		Status:      doc.Status,
		WhoseTurn:   doc.WhoseTurn,
		MoveCount:   doc.MoveCount,
		FEN:         doc.FEN,
		Clocks:      store.Clocks{RedMillis: doc.RedMillis, BlackMillis: doc.BlackMillis},
		Moves:       moves,
		Result:      doc.Result,
		Winner:      doc.Winner,
		CreatedAt:   doc.CreatedAt,
		EndedAt:     doc.EndedAt,
	}
}

func (s *Store) AppendMoveAndUpdate(ctx context.Context, gameID string, move store.Move, nextTurn string, clocks store.Clocks, fen string) error {
	filter, err := gameFilter(gameID)
	if err != nil {
		return err
	}

	set := bson.M{
		"whose_turn":   nextTurn,
		"red_millis":   clocks.RedMillis,
		"black_millis": clocks.BlackMillis,
	}
	if fen != "" {
		set["fen"] = fen
	}

	doc := moveDoc{Piece: move.Piece, FromRow: move.FromRow, FromCol: move.FromCol, ToRow: move.ToRow, ToCol: move.ToCol, PlayedAt: move.PlayedAt}
	_, err = s.db.Collection(gamesCollection).UpdateOne(ctx, filter, bson.M{
		"$push": bson.M{"moves": doc},
		"$inc":  bson.M{"move_count": 1},
		"$set":  set,
	})
	if err != nil {
		return fmt.Errorf("mongostore: appending move to game %s: %w", gameID, err)
	}
	return nil
}

func (s *Store) EndGame(ctx context.Context, gameID, status, result, winner string) error {
	filter, err := gameFilter(gameID)
	if err != nil {
		return err
	}

	_, err = s.db.Collection(gamesCollection).UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{
			"status":   status,
			"result":   result,
			"winner":   winner,
			"ended_at": time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("mongostore: ending game %s: %w", gameID, err)
	}

	game, err := s.FindGameByID(ctx, gameID)
	if err != nil {
		return fmt.Errorf("mongostore: re-reading game %s for archive: %w", gameID, err)
	}
	archiveDoc := gameDoc{
		RedUser: game.RedUser, BlackUser: game.BlackUser, TimeControl: game.TimeControl,
		Rated: game.Rated, Status: status, WhoseTurn: game.WhoseTurn, MoveCount: game.MoveCount,
		FEN: game.FEN, RedMillis: game.Clocks.RedMillis, BlackMillis: game.Clocks.BlackMillis,
		Result: result, Winner: winner, CreatedAt: game.CreatedAt, EndedAt: time.Now(),
	}
	if _, err := s.db.Collection(archiveCollection).InsertOne(ctx, archiveDoc); err != nil {
		return fmt.Errorf("mongostore: archiving game %s: %w", gameID, err)
	}
	return nil
}

func (s *Store) FindGamesByUser(ctx context.Context, filter store.GameFilter) ([]store.Game, error) {
	query := bson.M{"$or": []bson.M{{"red_user": filter.Username}, {"black_user": filter.Username}}}
	if filter.TimeControl != "" {
		query["time_control"] = filter.TimeControl
	}

	opts := options.Find().SetSort(bson.M{"created_at": -1})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.db.Collection(gamesCollection).Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding games for %s: %w", filter.Username, err)
	}
	defer cur.Close(ctx)

	var out []store.Game
	for cur.Next(ctx) {
		var doc gameDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decoding game: %w", err)
		}
		out = append(out, docToGame(doc))
	}
	return out, cur.Err()
}

type ratingDoc struct {
	Username    string `bson:"username"`
	TimeControl string `bson:"time_control"`
	Rating      int    `bson:"rating"`
}

func (s *Store) UpdatePlayerStats(ctx context.Context, username, timeControl string, newRating int, resultField string) error {
	_, err := s.db.Collection(ratingsCollection).UpdateOne(ctx,
		bson.M{"username": username, "time_control": timeControl},
		bson.M{
			"$set": bson.M{"rating": newRating},
			"$inc": bson.M{resultField + "_count": 1},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: updating stats for %s/%s: %w", username, timeControl, err)
	}
	return nil
}

func (s *Store) GetPlayerRating(ctx context.Context, username, timeControl string) (int, error) {
	var doc ratingDoc
	err := s.db.Collection(ratingsCollection).FindOne(ctx, bson.M{"username": username, "time_control": timeControl}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 1200, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mongostore: reading rating for %s/%s: %w", username, timeControl, err)
	}
	return doc.Rating, nil
}

func (s *Store) FindRandomOpponent(ctx context.Context, username, timeControl string, window int) (string, error) {
	var rating ratingDoc
	err := s.db.Collection(ratingsCollection).FindOne(ctx, bson.M{"username": username, "time_control": timeControl}).Decode(&rating)
	if err != nil && err != mongo.ErrNoDocuments {
		return "", fmt.Errorf("mongostore: reading rating for %s/%s: %w", username, timeControl, err)
	}
	if rating.Rating == 0 {
		rating.Rating = 1200
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"time_control": timeControl,
			"username":     bson.M{"$ne": username},
			"rating":       bson.M{"$gte": rating.Rating - window, "$lte": rating.Rating + window},
		}}},
		{{Key: "$sample", Value: bson.M{"size": 1}}},
	}
	cur, err := s.db.Collection(ratingsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return "", fmt.Errorf("mongostore: sampling opponent for %s: %w", username, err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return "", store.ErrNotFound
	}
	var doc ratingDoc
	if err := cur.Decode(&doc); err != nil {
		return "", fmt.Errorf("mongostore: decoding sampled opponent: %w", err)
	}
	return doc.Username, nil
}

func (s *Store) TopPlayers(ctx context.Context, timeControl string, limit int) ([]store.RatingEntry, error) {
	opts := options.Find().SetSort(bson.M{"rating": -1})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := s.db.Collection(ratingsCollection).Find(ctx, bson.M{"time_control": timeControl}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding top players for %s: %w", timeControl, err)
	}
	defer cur.Close(ctx)

	var out []store.RatingEntry
	for cur.Next(ctx) {
		var doc ratingDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decoding rating: %w", err)
		}
		out = append(out, store.RatingEntry{Username: doc.Username, Rating: doc.Rating})
	}
	return out, cur.Err()
}

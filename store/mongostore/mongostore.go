// Package mongostore implements the job-record store on MongoDB. Each job
// record is one document holding the flat field map; record expiry rides on
// a TTL index over an expiresAt marker.
//
// Field names are escaped before storage because MongoDB reserves '$'-led
// keys and '.' path separators, both of which occur in the replay protocol
// ("$error", marker sequences).
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/loom/store"
)

type (
	// Options configures the MongoDB store.
	Options struct {
		// Collection holds the job documents. Required.
		Collection *mongo.Collection
	}

	// Store is a MongoDB-backed implementation of store.Store.
	Store struct {
		col *mongo.Collection
	}

	jobDoc struct {
		ID        string            `bson:"_id"`
		Fields    map[string]string `bson:"fields"`
		ExpiresAt *time.Time        `bson:"expiresAt,omitempty"`
	}
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New constructs a MongoDB-backed store and ensures the TTL index used by
// ExpireJob exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Collection == nil {
		return nil, errors.New("mongo collection is required")
	}
	_, err := opts.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return nil, err
	}
	return &Store{col: opts.Collection}, nil
}

// escapeField makes a protocol field name safe as a BSON key. '.' and a
// leading '$' are replaced with their full-width forms, a reversible mapping
// that cannot collide with protocol names.
func escapeField(name string) string {
	name = strings.ReplaceAll(name, ".", "．")
	if strings.HasPrefix(name, "$") {
		name = "＄" + name[1:]
	}
	return name
}

func unescapeField(name string) string {
	if strings.HasPrefix(name, "＄") {
		name = "$" + strings.TrimPrefix(name, "＄")
	}
	return strings.ReplaceAll(name, "．", ".")
}

func (s *Store) load(ctx context.Context, jobID string) (map[string]string, error) {
	var doc jobDoc
	err := s.col.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(doc.Fields))
	for k, v := range doc.Fields {
		out[unescapeField(k)] = v
	}
	return out, nil
}

// FindJobFields loads the document and filters client-side; MongoDB has no
// server-side glob over map keys. Cursor is a sorted-name offset.
func (s *Store) FindJobFields(ctx context.Context, jobID, pattern, cursor string, maxFields, maxBytes int) (string, map[string]string, error) {
	rec, err := s.load(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return "", map[string]string{}, nil
	}
	if err != nil {
		return "", nil, err
	}
	names := make([]string, 0, len(rec))
	for name := range rec {
		if store.MatchPattern(pattern, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(names) {
			return "", nil, errors.New("malformed cursor")
		}
		start = n
	}
	out := make(map[string]string)
	bytes := 0
	for i := start; i < len(names); i++ {
		name := names[i]
		value := rec[name]
		if len(out) > 0 && ((maxFields > 0 && len(out) >= maxFields) || (maxBytes > 0 && bytes+len(value) > maxBytes)) {
			return strconv.Itoa(i), out, nil
		}
		out[name] = value
		bytes += len(name) + len(value)
	}
	return "", out, nil
}

// SetFields upserts the fields with a single $set, which is atomic at the
// document level. The created count is computed from a prior read and may
// undercount under concurrent writers; callers use it for diagnostics only.
func (s *Store) SetFields(ctx context.Context, jobID string, fields map[string]string) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	existing, err := s.load(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return 0, err
	}
	set := bson.M{}
	created := 0
	for k, v := range fields {
		if _, ok := existing[k]; !ok {
			created++
		}
		set["fields."+escapeField(k)] = v
	}
	_, err = s.col.UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": set}, options.UpdateOne().SetUpsert(true))
	return created, err
}

// GetField returns one field or store.ErrFieldNotFound.
func (s *Store) GetField(ctx context.Context, jobID, field string) (string, error) {
	rec, err := s.load(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return "", store.ErrFieldNotFound
		}
		return "", err
	}
	v, ok := rec[field]
	if !ok {
		return "", store.ErrFieldNotFound
	}
	return v, nil
}

// GetFields returns the present subset of the requested fields.
func (s *Store) GetFields(ctx context.Context, jobID string, fields []string) (map[string]string, error) {
	rec, err := s.load(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// DeleteFields removes fields with $unset.
func (s *Store) DeleteFields(ctx context.Context, jobID string, fields ...string) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	existing, err := s.load(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	unset := bson.M{}
	removed := 0
	for _, f := range fields {
		if _, ok := existing[f]; ok {
			removed++
		}
		unset["fields."+escapeField(f)] = ""
	}
	_, err = s.col.UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$unset": unset})
	return removed, err
}

// IncrementFieldByFloat performs a read-modify-write on the stringified
// numeric field. Single-document updates keep the write atomic; the
// read-compute window is accepted because the engine serializes increments
// per (job, field) through the scheduler.
func (s *Store) IncrementFieldByFloat(ctx context.Context, jobID, field string, delta float64) (float64, error) {
	rec, err := s.load(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return 0, err
	}
	cur, _ := strconv.ParseFloat(rec[field], 64)
	next := cur + delta
	_, err = s.col.UpdateOne(ctx, bson.M{"_id": jobID},
		bson.M{"$set": bson.M{"fields." + escapeField(field): strconv.FormatFloat(next, 'g', -1, 64)}},
		options.UpdateOne().SetUpsert(true))
	return next, err
}

// UpdateContext applies the JSONB ops and writes the marker in one $set, so
// document and marker land in a single atomic document update.
func (s *Store) UpdateContext(ctx context.Context, jobID string, ops []store.ContextOp, marker string) ([]json.RawMessage, error) {
	rec, err := s.load(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return nil, err
	}
	doc, results, err := store.ApplyContextOps([]byte(rec["context"]), ops)
	if err != nil {
		return nil, err
	}
	set := bson.M{"fields.context": string(doc)}
	if marker != "" {
		set["fields."+escapeField(marker)] = store.EncodeMarker(results)
	}
	_, err = s.col.UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": set}, options.UpdateOne().SetUpsert(true))
	return results, err
}

// ExpireJob sets or clears the TTL marker consumed by the expiresAt index.
func (s *Store) ExpireJob(ctx context.Context, jobID string, ttl time.Duration) error {
	var update bson.M
	if ttl <= 0 {
		update = bson.M{"$unset": bson.M{"expiresAt": ""}}
	} else {
		at := time.Now().UTC().Add(ttl)
		update = bson.M{"$set": bson.M{"expiresAt": at}}
	}
	_, err := s.col.UpdateOne(ctx, bson.M{"_id": jobID}, update)
	return err
}

// DeleteJob removes the document.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.col.DeleteOne(ctx, bson.M{"_id": jobID})
	return err
}

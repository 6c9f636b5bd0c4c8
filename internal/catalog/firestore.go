package catalog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pixcache/pixcache/internal/config"
)

// FirestoreStore keeps one document per preview in a single collection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// docID encodes the record key. Firestore IDs cannot contain "/".
func docID(bucket, objectPath, size string) string {
	return "preview_" + base64.RawURLEncoding.EncodeToString([]byte(bucket+"\x00"+objectPath+"\x00"+size))
}

func NewFirestoreStore(ctx context.Context, cfg config.FirestoreConfig) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "pixcache-previews"
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *FirestoreStore) Put(ctx context.Context, rec *Record) error {
	_, err := s.collectionRef().Doc(docID(rec.Bucket, rec.ObjectPath, rec.Size)).Set(ctx, recordToDoc(rec))
	if err != nil {
		return fmt.Errorf("recording preview: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, bucket, objectPath, size string) (*Record, error) {
	doc, err := s.collectionRef().Doc(docID(bucket, objectPath, size)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting preview record: %w", err)
	}
	return docToRecord(doc.Data()), nil
}

func (s *FirestoreStore) ListForObject(ctx context.Context, bucket, objectPath string) ([]Record, error) {
	q := s.collectionRef().
		Where("bucket", "==", bucket).
		Where("object_path", "==", objectPath)
	return s.collect(ctx, q)
}

func (s *FirestoreStore) List(ctx context.Context, bucket string) ([]Record, error) {
	q := s.collectionRef().Where("type", "==", "preview")
	if bucket != "" {
		q = q.Where("bucket", "==", bucket)
	}
	return s.collect(ctx, q)
}

func (s *FirestoreStore) collect(ctx context.Context, q firestore.Query) ([]Record, error) {
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing preview records: %w", err)
	}
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, *docToRecord(doc.Data()))
	}
	sortRecords(out)
	return out, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, bucket, objectPath, size string) error {
	_, err := s.collectionRef().Doc(docID(bucket, objectPath, size)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting preview record: %w", err)
	}
	return nil
}

func recordToDoc(rec *Record) map[string]interface{} {
	return map[string]interface{}{
		"type":         "preview",
		"bucket":       rec.Bucket,
		"object_path":  rec.ObjectPath,
		"size":         rec.Size,
		"preview_path": rec.PreviewPath,
		"bytes":        rec.Bytes,
		"etag":         rec.ETag,
		"created_at":   formatTime(rec.CreatedAt),
	}
}

func docToRecord(data map[string]interface{}) *Record {
	str := func(k string) string {
		s, _ := data[k].(string)
		return s
	}
	rec := &Record{
		Bucket:      str("bucket"),
		ObjectPath:  str("object_path"),
		Size:        str("size"),
		PreviewPath: str("preview_path"),
		ETag:        str("etag"),
		CreatedAt:   parseTime(str("created_at")),
	}
	switch v := data["bytes"].(type) {
	case int64:
		rec.Bytes = v
	case int:
		rec.Bytes = int64(v)
	case float64:
		rec.Bytes = int64(v)
	}
	return rec
}

var _ Store = (*FirestoreStore)(nil)

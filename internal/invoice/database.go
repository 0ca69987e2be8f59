package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	fieldsBucketName = "fields"
	usageBucketName  = "usage"
	usageKey         = "stats"
)

var (
	// ErrFieldNotFound is returned when a field name is not in the schema
	ErrFieldNotFound = errors.New("field not found")

	// ErrFieldExists is returned when a field name is already in the schema
	ErrFieldExists = errors.New("field already exists")
)

// DB defines the interface for database operations
type DB interface {
	// CreateField adds a field at the end of the schema
	CreateField(field *Field) error

	// UpdateField replaces an existing field
	UpdateField(field *Field) error

	// GetField retrieves a field by name
	GetField(name string) (*Field, error)

	// ListFields returns all fields in schema order
	ListFields() ([]*Field, error)

	// DeleteField removes a field from the schema
	DeleteField(name string) error

	// SeedFields fills an empty schema and returns how many fields were added
	SeedFields(fields []Field, now time.Time) (int, error)

	// AddUsage records n processed invoices
	AddUsage(n int, now time.Time) (*Usage, error)

	// GetUsage returns the usage, starting the trial on first use
	GetUsage(now time.Time) (*Usage, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(fieldsBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(usageBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func putField(bucket *bbolt.Bucket, field *Field) error {
	data, err := json.Marshal(field)
	if err != nil {
		return fmt.Errorf("marshaling field: %w", err)
	}
	return bucket.Put([]byte(field.Name), data)
}

// CreateField adds a field after every existing one
func (b *BoltDB) CreateField(field *Field) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fieldsBucketName))
		if bucket.Get([]byte(field.Name)) != nil {
			return fmt.Errorf("%w: %s", ErrFieldExists, field.Name)
		}

		position := 0
		err := bucket.ForEach(func(k, v []byte) error {
			var existing Field
			if err := json.Unmarshal(v, &existing); err != nil {
				return fmt.Errorf("unmarshaling field: %w", err)
			}
			position = max(position, existing.Position+1)
			return nil
		})
		if err != nil {
			return err
		}

		field.Position = position
		return putField(bucket, field)
	})
}

// UpdateField replaces an existing field, keeping its position
func (b *BoltDB) UpdateField(field *Field) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fieldsBucketName))
		data := bucket.Get([]byte(field.Name))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrFieldNotFound, field.Name)
		}
		var existing Field
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("unmarshaling field: %w", err)
		}
		field.Position = existing.Position
		return putField(bucket, field)
	})
}

// GetField retrieves a field by name
func (b *BoltDB) GetField(name string) (*Field, error) {
	var field *Field
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fieldsBucketName))
		data := bucket.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrFieldNotFound, name)
		}
		return json.Unmarshal(data, &field)
	})
	if err != nil {
		return nil, err
	}
	return field, nil
}

// ListFields returns all fields ordered by position
func (b *BoltDB) ListFields() ([]*Field, error) {
	fields := make([]*Field, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fieldsBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var field Field
			if err := json.Unmarshal(v, &field); err != nil {
				return fmt.Errorf("unmarshaling field: %w", err)
			}
			fields = append(fields, &field)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(fields, func(i, j int) bool {
		return fields[i].Position < fields[j].Position
	})
	return fields, nil
}

// DeleteField removes a field from the schema
func (b *BoltDB) DeleteField(name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fieldsBucketName))
		if bucket.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: %s", ErrFieldNotFound, name)
		}
		return bucket.Delete([]byte(name))
	})
}

// SeedFields writes fields in order when the schema is empty
func (b *BoltDB) SeedFields(fields []Field, now time.Time) (int, error) {
	seeded := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fieldsBucketName))
		if k, _ := bucket.Cursor().First(); k != nil {
			return nil
		}
		for i, f := range fields {
			field := f
			field.Position = i
			field.Active = true
			field.CreatedAt = now
			field.UpdatedAt = now
			if err := putField(bucket, &field); err != nil {
				return err
			}
		}
		seeded = len(fields)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seeded, nil
}

func readUsage(bucket *bbolt.Bucket, now time.Time) (*Usage, error) {
	data := bucket.Get([]byte(usageKey))
	if data == nil {
		return &Usage{TrialStart: now}, nil
	}
	var usage Usage
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, fmt.Errorf("unmarshaling usage: %w", err)
	}
	return &usage, nil
}

func writeUsage(bucket *bbolt.Bucket, usage *Usage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}
	return bucket.Put([]byte(usageKey), data)
}

// AddUsage records n processed invoices
func (b *BoltDB) AddUsage(n int, now time.Time) (*Usage, error) {
	var usage *Usage
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usageBucketName))
		var err error
		usage, err = readUsage(bucket, now)
		if err != nil {
			return err
		}
		usage.TotalCalls += n
		return writeUsage(bucket, usage)
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// GetUsage returns the usage; the trial starts the first time it is read
func (b *BoltDB) GetUsage(now time.Time) (*Usage, error) {
	var usage *Usage
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usageBucketName))
		existing := bucket.Get([]byte(usageKey)) != nil
		var err error
		usage, err = readUsage(bucket, now)
		if err != nil || existing {
			return err
		}
		return writeUsage(bucket, usage)
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

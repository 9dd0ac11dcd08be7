package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// BadgerStore keeps blobs in an embedded badger database. Values are the
// content type, length prefixed, followed by the payload.
type BadgerStore struct {
	db     *badger.DB
	signer *Signer
}

func OpenBadgerStore(dir string, signer *Signer, logger *zap.Logger) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return openBadger(badger.DefaultOptions(dir), signer, logger)
}

// OpenInMemoryBadgerStore is used by tests.
func OpenInMemoryBadgerStore(signer *Signer) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true), signer, nil)
}

func openBadger(opts badger.Options, signer *Signer, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		opts.Logger = nil
	} else {
		opts.Logger = badgerLogger{logger.Named("badger").Sugar()}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, signer: signer}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Put(_ context.Context, bucket, key string, data []byte, contentType string) error {
	if err := validate(bucket, key, len(data)); err != nil {
		return err
	}
	value := encodeObject(data, contentType)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(bucket, key), value)
	})
}

func (s *BadgerStore) Get(_ context.Context, bucket, key string) (Object, error) {
	var obj Object
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(bucket, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			obj, decodeErr = decodeObject(val)
			return decodeErr
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Object{}, ErrObjectNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

func (s *BadgerStore) PresignedURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", errors.New("badger store has no signer")
	}
	return s.signer.URL(bucket, key, ttl)
}

func (s *BadgerStore) Delete(_ context.Context, bucket, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(objectKey(bucket, key))
	})
}

func objectKey(bucket, key string) []byte {
	return []byte("obj/" + bucket + "/" + key)
}

func encodeObject(data []byte, contentType string) []byte {
	out := make([]byte, 2+len(contentType)+len(data))
	binary.BigEndian.PutUint16(out, uint16(len(contentType)))
	copy(out[2:], contentType)
	copy(out[2+len(contentType):], data)
	return out
}

// decodeObject copies out of val, which badger only guarantees inside the
// transaction.
func decodeObject(val []byte) (Object, error) {
	if len(val) < 2 {
		return Object{}, errors.New("corrupt object header")
	}
	n := int(binary.BigEndian.Uint16(val))
	if len(val) < 2+n {
		return Object{}, errors.New("corrupt object content type")
	}
	return Object{
		ContentType: string(val[2 : 2+n]),
		Data:        append([]byte(nil), val[2+n:]...),
	}, nil
}

type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }

package storage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"chatbox/internal/models"
)

type FileMetadata struct {
	ID        string `msgpack:"id"`
	Hash      string `msgpack:"hash"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	MemberID  int64  `msgpack:"memberId"`
	ConvID    int64  `msgpack:"convId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.ID)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertFileMetadata(meta FileMetadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return tx.Bucket(bucketFiles).Put(meta.Key(), data)
	})
}

func (s *BboltStorage) GetFileMetadata(id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}

// PushSubscription stores one browser push endpoint for a member.
// The subscription JSON is kept opaque, as handed over by the client.
type PushSubscription struct {
	ID       string `msgpack:"id"`
	MemberID int64  `msgpack:"memberId"`
	Raw      []byte `msgpack:"raw"`
}

func (p *PushSubscription) Key() []byte {
	return []byte(p.ID)
}

func (p *PushSubscription) MarshalBinary() (data []byte, err error) {
	type alias PushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *PushSubscription) UnmarshalBinary(data []byte) error {
	type alias PushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func (s *BboltStorage) UpsertPushSubscription(sub PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := sub.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal push subscription: %w", err)
		}
		return tx.Bucket(bucketPushSubscriptions).Put(sub.Key(), data)
	})
}

func (s *BboltStorage) DeletePushSubscription(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubscriptions).Delete([]byte(id))
	})
}

func (s *BboltStorage) ListPushSubscriptions(memberID int64) ([]PushSubscription, error) {
	var subs []PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubscriptions).ForEach(func(k, v []byte) error {
			var sub PushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			if sub.MemberID == memberID {
				subs = append(subs, sub)
			}
			return nil
		})
	})
	return subs, err
}

package storage

import (
	"bytes"
	"context"
	"fmt"
)

const (
	sqliteContentType = "application/vnd.sqlite3"
	binaryContentType = "application/octet-stream"

	metadataSession = "tabletalk-session"
	metadataTable   = "tabletalk-table"
)

// Publisher copies converted store files into an object store under the
// session prefix. It keeps no state, so artifacts of sessions from an earlier
// process are still removed by Discard.
type Publisher struct {
	Objects ObjectStore
}

func NewPublisher(objects ObjectStore) *Publisher {
	return &Publisher{Objects: objects}
}

func (p *Publisher) Publish(ctx context.Context, sessionID, tableName, ext string, data []byte) (ObjectInfo, error) {
	key, err := BuildArtifactPath(sessionID, tableName, ext)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := p.Objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), PutOptions{
		ContentType: ContentTypeFor(ext),
		Metadata: map[string]string{
			metadataSession: sessionID,
			metadataTable:   tableName,
		},
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("publish artifact: %w", err)
	}
	return info, nil
}

// ContentTypeFor maps a store file extension onto the media type served for it.
func ContentTypeFor(ext string) string {
	if ext == ".db" {
		return sqliteContentType
	}
	return binaryContentType
}

// Discard deletes every artifact published for sessionID.
func (p *Publisher) Discard(ctx context.Context, sessionID string) error {
	prefix, err := SessionPrefix(sessionID)
	if err != nil {
		return err
	}
	if _, err := p.Objects.DeletePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("discard artifacts of %q: %w", sessionID, err)
	}
	return nil
}

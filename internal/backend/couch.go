package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

const couchDocID = "snapshot:current"

// CouchBackend keeps the snapshot as a single CouchDB document. The
// payload is stored under the "payload" field so the document has room
// for _id/_rev bookkeeping without touching the snapshot body.
type CouchBackend struct {
	client *kivik.Client
	dbName string
}

type couchDoc struct {
	ID       string          `json:"_id"`
	Rev      string          `json:"_rev,omitempty"`
	DeviceID string          `json:"deviceId"`
	Payload  json.RawMessage `json:"payload"`
}

func NewCouchBackend(url, dbName string) (*CouchBackend, error) {
	if url == "" || dbName == "" {
		return nil, fmt.Errorf("couch backend: URL or database not configured")
	}
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("couch backend: %w", err)
	}
	return &CouchBackend{client: client, dbName: dbName}, nil
}

func (c *CouchBackend) Name() string { return "couch" }

func (c *CouchBackend) PutSnapshot(ctx context.Context, deviceID string, payload []byte) error {
	db := c.client.DB(c.dbName)
	doc := couchDoc{ID: couchDocID, DeviceID: deviceID, Payload: payload}

	// Updates need the current _rev; a missing doc is a fresh create.
	var existing couchDoc
	row := db.Get(ctx, couchDocID)
	if err := row.ScanDoc(&existing); err == nil {
		doc.Rev = existing.Rev
	} else if kivik.HTTPStatus(err) != http.StatusNotFound {
		return couchError("put", err)
	}

	if _, err := db.Put(ctx, couchDocID, doc); err != nil {
		return couchError("put", err)
	}
	return nil
}

// couchError separates HTTP rejections (kivik carries the status) from
// transport failures.
func couchError(op string, err error) error {
	if status := kivik.HTTPStatus(err); status >= 400 && status < 500 {
		return &StatusError{Backend: "couch", Op: op, Status: status, Body: err.Error()}
	}
	return &NetworkError{Backend: "couch", Op: op, Err: err}
}

func (c *CouchBackend) GetSnapshot(ctx context.Context) ([]byte, error) {
	db := c.client.DB(c.dbName)
	var doc couchDoc
	row := db.Get(ctx, couchDocID)
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNoSnapshot
		}
		return nil, couchError("get", err)
	}
	return doc.Payload, nil
}

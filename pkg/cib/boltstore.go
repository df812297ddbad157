package cib

import (
	"fmt"
	"path/filepath"

	"github.com/pacegrid/pacegrid/pkg/events"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCIB = []byte("cib")

	keyDocument = []byte("document")
)

// Store is the CIB collaborator surface the controller consumes. All
// writes are serialized and subscribers are notified after a write
// lands.
type Store interface {
	// Load returns the current document.
	Load() (*Document, error)

	// Replace swaps the whole document. The caller's expected epoch
	// triple must match the stored one or ErrConflict is returned and
	// the caller requeues a fresh read-compute-write cycle.
	Replace(expected Epochs, doc *Document) error

	// RecordOp appends an operation result to a node's lrm history and
	// bumps num_updates.
	RecordOp(nodeUUID, uname, rscID string, op LRMRscOp) error

	// SetTransientAttr writes a transient node attribute and bumps
	// num_updates.
	SetTransientAttr(nodeUUID, uname, name, value string) error

	// Subscribe returns a channel of change notifications.
	Subscribe() events.Subscriber

	Close() error
}

// BoltStore implements Store on a local BoltDB file. It stands in for
// the cluster CIB daemon: same optimistic-concurrency contract, same
// notification behavior, one process.
type BoltStore struct {
	db     *bolt.DB
	broker *events.Broker
}

// NewBoltStore opens (or creates) the store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pacegrid-cib.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCIB)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()
	return &BoltStore{db: db, broker: broker}, nil
}

// Close closes the database and stops notification delivery.
func (s *BoltStore) Close() error {
	s.broker.Stop()
	return s.db.Close()
}

// Subscribe returns a channel receiving a notification per landed write.
func (s *BoltStore) Subscribe() events.Subscriber {
	return s.broker.Subscribe()
}

// Bootstrap seeds an empty store with the given document. Existing
// content is left untouched.
func (s *BoltStore) Bootstrap(doc *Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCIB)
		if b.Get(keyDocument) != nil {
			return nil
		}
		data, err := Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put(keyDocument, data)
	})
}

// Load returns the current document.
func (s *BoltStore) Load() (*Document, error) {
	var doc *Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCIB)
		data := b.Get(keyDocument)
		if data == nil {
			return fmt.Errorf("cib: store is empty")
		}
		parsed, err := Parse(data)
		if err != nil {
			return err
		}
		doc = parsed
		return nil
	})
	return doc, err
}

// Replace swaps the document if the expected epochs still match.
func (s *BoltStore) Replace(expected Epochs, doc *Document) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCIB)
		current := b.Get(keyDocument)
		if current != nil {
			parsed, err := Parse(current)
			if err != nil {
				return err
			}
			if parsed.Epochs() != expected {
				return ErrConflict
			}
		}
		data, err := Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put(keyDocument, data)
	})
	if err != nil {
		return err
	}
	s.notify(events.EventCIBUpdated, "document replaced")
	return nil
}

// RecordOp appends an lrm_rsc_op record under the node's history.
func (s *BoltStore) RecordOp(nodeUUID, uname, rscID string, op LRMRscOp) error {
	err := s.mutate(func(doc *Document) error {
		st := findOrAddNodeState(doc, nodeUUID, uname)
		if st.LRM == nil {
			st.LRM = &LRM{ID: nodeUUID}
		}
		for i := range st.LRM.Resources.Resources {
			lr := &st.LRM.Resources.Resources[i]
			if lr.ID == rscID {
				lr.Ops = append(lr.Ops, op)
				return nil
			}
		}
		st.LRM.Resources.Resources = append(st.LRM.Resources.Resources, LRMResource{
			ID:  rscID,
			Ops: []LRMRscOp{op},
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(events.EventCIBUpdated, fmt.Sprintf("op history %s on %s", rscID, uname))
	return nil
}

// SetTransientAttr writes a transient attribute for a node.
func (s *BoltStore) SetTransientAttr(nodeUUID, uname, name, value string) error {
	err := s.mutate(func(doc *Document) error {
		st := findOrAddNodeState(doc, nodeUUID, uname)
		if st.TransientAttributes == nil {
			st.TransientAttributes = &TransientAttributes{ID: nodeUUID}
		}
		if len(st.TransientAttributes.InstanceAttributes) == 0 {
			st.TransientAttributes.InstanceAttributes = []PropertySet{{ID: "status-" + nodeUUID}}
		}
		set := &st.TransientAttributes.InstanceAttributes[0]
		for i := range set.NVPairs {
			if set.NVPairs[i].Name == name {
				set.NVPairs[i].Value = value
				return nil
			}
		}
		set.NVPairs = append(set.NVPairs, NVPair{Name: name, Value: value})
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(events.EventCIBUpdated, fmt.Sprintf("transient attr %s on %s", name, uname))
	return nil
}

// mutate applies fn to the stored document and bumps num_updates, all
// inside one write transaction.
func (s *BoltStore) mutate(fn func(*Document) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCIB)
		data := b.Get(keyDocument)
		if data == nil {
			return fmt.Errorf("cib: store is empty")
		}
		doc, err := Parse(data)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		doc.NumUpdates++
		out, err := Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put(keyDocument, out)
	})
}

func (s *BoltStore) notify(kind events.EventType, msg string) {
	s.broker.Publish(&events.Event{Type: kind, Message: msg})
}

func findOrAddNodeState(doc *Document, nodeUUID, uname string) *NodeState {
	for i := range doc.Status.NodeStates {
		if doc.Status.NodeStates[i].ID == nodeUUID {
			return &doc.Status.NodeStates[i]
		}
	}
	doc.Status.NodeStates = append(doc.Status.NodeStates, NodeState{
		ID:    nodeUUID,
		Uname: uname,
		InCCM: "true",
		CRMD:  "online",
	})
	return &doc.Status.NodeStates[len(doc.Status.NodeStates)-1]
}

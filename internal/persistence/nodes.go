package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Node pairing states.
const (
	NodeStatePending  = "pending"
	NodeStateApproved = "approved"
	NodeStateRejected = "rejected"
)

// Node is a pairing record for a bridge satellite.
type Node struct {
	NodeID    string    `json:"nodeId"`
	Name      string    `json:"name,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Caps      []string  `json:"caps,omitempty"`
	State     string    `json:"state"`
	RequestID string    `json:"requestId,omitempty"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreatePairRequest records a node asking to pair and returns the request
// id. Re-requesting while pending returns the existing request id; a
// rejected node gets a fresh pending record.
func (s *Store) CreatePairRequest(ctx context.Context, nodeID, name, platform string, caps []string) (string, error) {
	existing, err := s.GetNode(ctx, nodeID)
	if err == nil {
		switch existing.State {
		case NodeStatePending:
			return existing.RequestID, nil
		case NodeStateApproved:
			return "", fmt.Errorf("node %s already paired", nodeID)
		}
	}

	requestID := uuid.NewString()
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("marshal caps: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO nodes (node_id, name, platform, caps, state, request_id, token)
			VALUES (?, ?, ?, ?, ?, ?, '')
			ON CONFLICT(node_id) DO UPDATE SET
				name = excluded.name,
				platform = excluded.platform,
				caps = excluded.caps,
				state = excluded.state,
				request_id = excluded.request_id,
				token = '',
				updated_at = CURRENT_TIMESTAMP;
		`, nodeID, name, platform, string(capsJSON), NodeStatePending, requestID)
		if err != nil {
			return fmt.Errorf("insert pair request: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// ApprovePairRequest transitions the pending node to approved and mints its
// bridge token.
func (s *Store) ApprovePairRequest(ctx context.Context, requestID string) (Node, string, error) {
	node, err := s.getNodeByRequest(ctx, requestID)
	if err != nil {
		return Node{}, "", err
	}
	if node.State != NodeStatePending {
		return Node{}, "", fmt.Errorf("pair request %s is %s, not pending", requestID, node.State)
	}

	token, err := newPairToken()
	if err != nil {
		return Node{}, "", err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE nodes SET state = ?, token = ?, updated_at = CURRENT_TIMESTAMP
		WHERE request_id = ?;
	`, NodeStateApproved, token, requestID)
	if err != nil {
		return Node{}, "", fmt.Errorf("approve pair request: %w", err)
	}
	node.State = NodeStateApproved
	return node, token, nil
}

// RejectPairRequest transitions the pending node to rejected.
func (s *Store) RejectPairRequest(ctx context.Context, requestID string) (Node, error) {
	node, err := s.getNodeByRequest(ctx, requestID)
	if err != nil {
		return Node{}, err
	}
	if node.State != NodeStatePending {
		return Node{}, fmt.Errorf("pair request %s is %s, not pending", requestID, node.State)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE nodes SET state = ?, token = '', updated_at = CURRENT_TIMESTAMP
		WHERE request_id = ?;
	`, NodeStateRejected, requestID)
	if err != nil {
		return Node{}, fmt.Errorf("reject pair request: %w", err)
	}
	node.State = NodeStateRejected
	return node, nil
}

// VerifyNodeToken checks a bridge token against the approved record.
func (s *Store) VerifyNodeToken(ctx context.Context, nodeID, token string) (bool, error) {
	node, err := s.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return node.State == NodeStateApproved && node.Token != "" && node.Token == token, nil
}

// GetNode returns the pairing record for nodeID.
func (s *Store) GetNode(ctx context.Context, nodeID string) (Node, error) {
	return s.scanNode(s.db.QueryRowContext(ctx, `
		SELECT node_id, name, platform, caps, state, request_id, token, created_at, updated_at
		FROM nodes WHERE node_id = ?;
	`, nodeID))
}

func (s *Store) getNodeByRequest(ctx context.Context, requestID string) (Node, error) {
	return s.scanNode(s.db.QueryRowContext(ctx, `
		SELECT node_id, name, platform, caps, state, request_id, token, created_at, updated_at
		FROM nodes WHERE request_id = ?;
	`, requestID))
}

// ListNodes returns pairing records, optionally filtered by state.
func (s *Store) ListNodes(ctx context.Context, state string) ([]Node, error) {
	query := `
		SELECT node_id, name, platform, caps, state, request_id, token, created_at, updated_at
		FROM nodes`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		node, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("node rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanNode(row rowScanner) (Node, error) {
	var node Node
	var capsJSON string
	err := row.Scan(&node.NodeID, &node.Name, &node.Platform, &capsJSON, &node.State, &node.RequestID, &node.Token, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return Node{}, fmt.Errorf("scan node: %w", err)
	}
	if capsJSON != "" {
		_ = json.Unmarshal([]byte(capsJSON), &node.Caps)
	}
	return node, nil
}

func newPairToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pair token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/helios/internal/protocol"
)

const feedColumns = `item_id, collab_session_id, kind, role, content, card_id, card_type,
	card_status, card_json, source_event_key, ts`

// FeedCard is a stored card together with its feed placement
type FeedCard struct {
	ItemID          string
	CollabSessionID string
	Card            protocol.Card
	SourceEventKey  string
	Timestamp       time.Time
}

// Item converts the stored card into a feed entry
func (c *FeedCard) Item() protocol.FeedItem {
	card := c.Card
	return protocol.FeedItem{ID: c.ItemID, Kind: protocol.FeedItemCard, Card: &card, Timestamp: c.Timestamp}
}

// CachedResponse is a previously computed card action outcome
type CachedResponse struct {
	Key         string
	CardID      string
	ActionID    protocol.ActionID
	RequestHash string
	Response    protocol.CardActionResponse
	ProcessedAt time.Time
}

// UpsertCard stores card, updating in place when a row with the same card id or
// source event key exists. The existing row keeps its card id and, unless ts is
// non-zero, its timestamp.
func (s *Store) UpsertCard(ctx context.Context, collabSessionID string, card protocol.Card, sourceEventKey string, ts time.Time) (*FeedCard, error) {
	if err := card.Validate(); err != nil {
		return nil, err
	}
	sourceEventKey = strings.TrimSpace(sourceEventKey)

	var result *FeedCard
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findCard(ctx, tx, `card_id = ?`, card.CardID)
		if errors.Is(err, sql.ErrNoRows) && sourceEventKey != "" {
			existing, err = findCard(ctx, tx, `source_event_key = ?`, sourceEventKey)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if existing == nil {
			if ts.IsZero() {
				ts = time.Now()
			}
			item := &FeedCard{
				ItemID:          uuid.NewString(),
				CollabSessionID: collabSessionID,
				Card:            card,
				SourceEventKey:  sourceEventKey,
				Timestamp:       ts.UTC(),
			}
			if err := insertCard(ctx, tx, item); err != nil {
				return err
			}
			result = item
			return nil
		}

		card.CardID = existing.Card.CardID
		if sourceEventKey == "" {
			sourceEventKey = existing.SourceEventKey
		}
		if ts.IsZero() {
			ts = existing.Timestamp
		}
		updated := &FeedCard{
			ItemID:          existing.ItemID,
			CollabSessionID: collabSessionID,
			Card:            card,
			SourceEventKey:  sourceEventKey,
			Timestamp:       ts.UTC(),
		}
		if err := updateCard(ctx, tx, updated); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetCard returns the stored card or ErrNotFound
func (s *Store) GetCard(ctx context.Context, cardID string) (*FeedCard, error) {
	card, err := findCard(ctx, s.db, `card_id = ?`, cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", cardID, ErrNotFound)
	}
	return card, err
}

// UpdateCardStatus changes the status of an action_request card.
// Status event cards are returned unchanged.
func (s *Store) UpdateCardStatus(ctx context.Context, cardID string, status protocol.CardStatus) (*FeedCard, error) {
	var result *FeedCard
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findCard(ctx, tx, `card_id = ?`, cardID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("card %s: %w", cardID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if existing.Card.Type() != protocol.CardTypeActionRequest {
			result = existing
			return nil
		}
		existing.Card.Status = status
		if err := updateCard(ctx, tx, existing); err != nil {
			return err
		}
		result = existing
		return nil
	})
	return result, err
}

// AppendText adds a text entry to a session feed
func (s *Store) AppendText(ctx context.Context, collabSessionID, role, content string, ts time.Time) (*protocol.FeedItem, error) {
	if ts.IsZero() {
		ts = time.Now()
	}
	item := &protocol.FeedItem{
		ID:        uuid.NewString(),
		Kind:      protocol.FeedItemText,
		Role:      role,
		Content:   content,
		Timestamp: ts.UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collab_feed_items (`+feedColumns+`)
		VALUES (?, ?, 'text', ?, ?, NULL, NULL, NULL, NULL, NULL, ?)`,
		item.ID, collabSessionID, role, content, formatTime(item.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("failed to append feed text: %w", err)
	}
	return item, nil
}

// ListFeed returns up to limit entries of a session feed, newest first, skipping offset.
// hasMore reports whether further entries exist past the page.
func (s *Store) ListFeed(ctx context.Context, collabSessionID string, limit, offset int) (items []protocol.FeedItem, hasMore bool, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM collab_feed_items
		WHERE collab_session_id = ?
		ORDER BY ts DESC, rowid DESC
		LIMIT ? OFFSET ?`, collabSessionID, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list feed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanFeedItem(rows)
		if err != nil {
			return nil, false, err
		}
		items = append(items, item.FeedItem)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(items) > limit {
		return items[:limit], true, nil
	}
	return items, false, nil
}

// GetCardActionResponse returns a cached action outcome or ErrNotFound
func (s *Store) GetCardActionResponse(ctx context.Context, key string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key, card_id, action_id, request_hash, response_json, processed_at
		FROM collab_card_action_idempotency WHERE idempotency_key = ?`, key)

	var (
		cached       CachedResponse
		actionID     string
		responseJSON string
		processedAt  string
	)
	err := row.Scan(&cached.Key, &cached.CardID, &actionID, &cached.RequestHash, &responseJSON, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card action %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read card action response: %w", err)
	}
	cached.ActionID = protocol.ActionID(actionID)
	if err := json.Unmarshal([]byte(responseJSON), &cached.Response); err != nil {
		return nil, fmt.Errorf("card action %s: invalid cached response: %w", key, err)
	}
	if cached.ProcessedAt, err = parseTime(processedAt); err != nil {
		return nil, err
	}
	return &cached, nil
}

// SaveCardActionResponse stores an action outcome unless one exists for key,
// and returns whichever response is stored afterwards.
func (s *Store) SaveCardActionResponse(ctx context.Context, cached CachedResponse) (*CachedResponse, error) {
	responseJSON, err := json.Marshal(cached.Response)
	if err != nil {
		return nil, fmt.Errorf("failed to encode card action response: %w", err)
	}
	if cached.ProcessedAt.IsZero() {
		cached.ProcessedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO collab_card_action_idempotency
		(idempotency_key, card_id, action_id, request_hash, response_json, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cached.Key, cached.CardID, string(cached.ActionID), cached.RequestHash,
		string(responseJSON), formatTime(cached.ProcessedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to save card action response: %w", err)
	}
	return s.GetCardActionResponse(ctx, cached.Key)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findCard(ctx context.Context, q querier, where string, arg any) (*FeedCard, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM collab_feed_items WHERE kind = 'card' AND `+where+` LIMIT 1`, arg)
	item, err := scanFeedItem(row)
	if err != nil {
		return nil, err
	}
	return item.feedCard, nil
}

func insertCard(ctx context.Context, tx *sql.Tx, c *FeedCard) error {
	cardJSON, err := json.Marshal(c.Card)
	if err != nil {
		return fmt.Errorf("failed to encode card %s: %w", c.Card.CardID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO collab_feed_items (`+feedColumns+`)
		VALUES (?, ?, 'card', NULL, NULL, ?, ?, ?, ?, ?, ?)`,
		c.ItemID, c.CollabSessionID, c.Card.CardID, string(c.Card.Type()), string(c.Card.Status),
		string(cardJSON), nullString(c.SourceEventKey), formatTime(c.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert card %s: %w", c.Card.CardID, err)
	}
	return nil
}

func updateCard(ctx context.Context, tx *sql.Tx, c *FeedCard) error {
	cardJSON, err := json.Marshal(c.Card)
	if err != nil {
		return fmt.Errorf("failed to encode card %s: %w", c.Card.CardID, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE collab_feed_items
		SET collab_session_id = ?, card_id = ?, card_type = ?, card_status = ?,
			card_json = ?, source_event_key = ?, ts = ?
		WHERE item_id = ?`,
		c.CollabSessionID, c.Card.CardID, string(c.Card.Type()), string(c.Card.Status),
		string(cardJSON), nullString(c.SourceEventKey), formatTime(c.Timestamp), c.ItemID)
	if err != nil {
		return fmt.Errorf("failed to update card %s: %w", c.Card.CardID, err)
	}
	return nil
}

// scannedItem carries both views of a feed row
type scannedItem struct {
	protocol.FeedItem
	feedCard *FeedCard
}

func scanFeedItem(row rowScanner) (scannedItem, error) {
	var (
		itemID, collabSessionID, kind, ts string
		role, content, cardID, cardType   sql.NullString
		cardStatus, cardJSON, sourceKey   sql.NullString
	)
	if err := row.Scan(&itemID, &collabSessionID, &kind, &role, &content, &cardID, &cardType,
		&cardStatus, &cardJSON, &sourceKey, &ts); err != nil {
		return scannedItem{}, err
	}

	at, err := parseTime(ts)
	if err != nil {
		return scannedItem{}, err
	}

	item := scannedItem{FeedItem: protocol.FeedItem{ID: itemID, Kind: protocol.FeedItemKind(kind), Timestamp: at}}
	switch item.Kind {
	case protocol.FeedItemText:
		item.Role = role.String
		item.Content = content.String
	case protocol.FeedItemCard:
		var card protocol.Card
		if err := json.Unmarshal([]byte(cardJSON.String), &card); err != nil {
			return scannedItem{}, fmt.Errorf("feed item %s: invalid card: %w", itemID, err)
		}
		item.Card = &card
		item.feedCard = &FeedCard{
			ItemID:          itemID,
			CollabSessionID: collabSessionID,
			Card:            card,
			SourceEventKey:  sourceKey.String,
			Timestamp:       at,
		}
	default:
		return scannedItem{}, fmt.Errorf("feed item %s: unknown kind %q", itemID, kind)
	}
	return item, nil
}

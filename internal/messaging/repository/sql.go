package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
)

// SQLStore implements Store on top of SQLite or PostgreSQL through a
// read/write connection pool. Queries are written with ? placeholders and
// rebound per driver.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) writer() *sqlx.DB { return s.pool.Writer() }
func (s *SQLStore) reader() *sqlx.DB { return s.pool.Reader() }

// initSchema creates the database tables if they don't exist
func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS message_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT '',
		source_id TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		message_server_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'GROUP',
		source_type TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (message_server_id) REFERENCES message_servers(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS channel_participants (
		channel_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		PRIMARY KEY (channel_id, entity_id),
		FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		raw_message TEXT DEFAULT '{}',
		source_type TEXT NOT NULL DEFAULT '',
		source_id TEXT DEFAULT '',
		in_reply_to_message_id TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS server_agents (
		server_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		PRIMARY KEY (server_id, agent_id),
		FOREIGN KEY (server_id) REFERENCES message_servers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_channels_server_id ON channels(message_server_id);
	CREATE INDEX IF NOT EXISTS idx_participants_entity_id ON channel_participants(entity_id);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel_id);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_server_agents_agent_id ON server_agents(agent_id);
	`

	_, err := s.writer().Exec(schema)
	return err
}

func marshalJSON(value map[string]any) (string, error) {
	if value == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalJSON(raw string, target *map[string]any) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}

// --- Servers ---

func (s *SQLStore) CreateServer(ctx context.Context, server *models.MessageServer) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now

	metadataJSON, err := marshalJSON(server.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize server metadata: %w", err)
	}

	w := s.writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO message_servers (id, name, source_type, source_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), server.ID, server.Name, server.SourceType, server.SourceID, metadataJSON, server.CreatedAt, server.UpdatedAt)
	return err
}

func (s *SQLStore) scanServer(row *sql.Row) (*models.MessageServer, error) {
	server := &models.MessageServer{}
	var metadataJSON string
	err := row.Scan(&server.ID, &server.Name, &server.SourceType, &server.SourceID, &metadataJSON, &server.CreatedAt, &server.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadataJSON, &server.Metadata); err != nil {
		return nil, fmt.Errorf("failed to deserialize server metadata: %w", err)
	}
	return server, nil
}

func (s *SQLStore) GetServer(ctx context.Context, id string) (*models.MessageServer, error) {
	r := s.reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, name, source_type, source_id, metadata, created_at, updated_at
		FROM message_servers WHERE id = ?
	`), id)
	return s.scanServer(row)
}

func (s *SQLStore) GetServerBySourceID(ctx context.Context, sourceID string) (*models.MessageServer, error) {
	r := s.reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, name, source_type, source_id, metadata, created_at, updated_at
		FROM message_servers WHERE source_id = ? ORDER BY created_at ASC LIMIT 1
	`), sourceID)
	return s.scanServer(row)
}

func (s *SQLStore) ListServers(ctx context.Context) ([]*models.MessageServer, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, name, source_type, source_id, metadata, created_at, updated_at
		FROM message_servers ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.MessageServer
	for rows.Next() {
		server := &models.MessageServer{}
		var metadataJSON string
		if err := rows.Scan(&server.ID, &server.Name, &server.SourceType, &server.SourceID, &metadataJSON, &server.CreatedAt, &server.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metadataJSON, &server.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize server metadata: %w", err)
		}
		result = append(result, server)
	}
	return result, rows.Err()
}

// --- Channels ---

func (s *SQLStore) CreateChannel(ctx context.Context, channel *models.Channel, participantIDs []string) error {
	if channel.ID == "" {
		channel.ID = uuid.New().String()
	}
	if channel.Type == "" {
		channel.Type = models.ChannelTypeGroup
	}
	now := time.Now().UTC()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}
	channel.UpdatedAt = now

	metadataJSON, err := marshalJSON(channel.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize channel metadata: %w", err)
	}

	w := s.writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, w.Rebind(`
		INSERT INTO channels (id, message_server_id, name, type, source_type, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), channel.ID, channel.MessageServerID, channel.Name, channel.Type, channel.SourceType, metadataJSON, channel.CreatedAt, channel.UpdatedAt)
	if err != nil {
		return err
	}

	for _, entityID := range dedupe(participantIDs) {
		_, err = tx.ExecContext(ctx, w.Rebind(`
			INSERT INTO channel_participants (channel_id, entity_id) VALUES (?, ?)
		`), channel.ID, entityID)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLStore) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	r := s.reader()
	channel := &models.Channel{}
	var metadataJSON string
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, message_server_id, name, type, source_type, metadata, created_at, updated_at
		FROM channels WHERE id = ?
	`), id).Scan(&channel.ID, &channel.MessageServerID, &channel.Name, &channel.Type, &channel.SourceType, &metadataJSON, &channel.CreatedAt, &channel.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadataJSON, &channel.Metadata); err != nil {
		return nil, fmt.Errorf("failed to deserialize channel metadata: %w", err)
	}
	return channel, nil
}

func (s *SQLStore) UpdateChannel(ctx context.Context, id string, update ChannelUpdate) (*models.Channel, error) {
	channel, err := s.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		channel.Name = *update.Name
	}
	if update.Metadata != nil {
		channel.Metadata = update.Metadata
	}
	channel.UpdatedAt = time.Now().UTC()

	metadataJSON, err := marshalJSON(channel.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize channel metadata: %w", err)
	}

	w := s.writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, w.Rebind(`
		UPDATE channels SET name = ?, metadata = ?, updated_at = ? WHERE id = ?
	`), channel.Name, metadataJSON, channel.UpdatedAt, id)
	if err != nil {
		return nil, err
	}

	if update.Participants != nil {
		if _, err := tx.ExecContext(ctx, w.Rebind(`DELETE FROM channel_participants WHERE channel_id = ?`), id); err != nil {
			return nil, err
		}
		for _, entityID := range dedupe(update.Participants) {
			_, err = tx.ExecContext(ctx, w.Rebind(`
				INSERT INTO channel_participants (channel_id, entity_id) VALUES (?, ?)
			`), id, entityID)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return channel, nil
}

func (s *SQLStore) DeleteChannel(ctx context.Context, id string) error {
	w := s.writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Explicit cleanup keeps databases without FK enforcement consistent.
	if _, err := tx.ExecContext(ctx, w.Rebind(`DELETE FROM messages WHERE channel_id = ?`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, w.Rebind(`DELETE FROM channel_participants WHERE channel_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, w.Rebind(`DELETE FROM channels WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) ListChannelsForServer(ctx context.Context, serverID string) ([]*models.Channel, error) {
	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT id, message_server_id, name, type, source_type, metadata, created_at, updated_at
		FROM channels WHERE message_server_id = ? ORDER BY created_at ASC
	`), serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Channel
	for rows.Next() {
		channel := &models.Channel{}
		var metadataJSON string
		if err := rows.Scan(&channel.ID, &channel.MessageServerID, &channel.Name, &channel.Type, &channel.SourceType, &metadataJSON, &channel.CreatedAt, &channel.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metadataJSON, &channel.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize channel metadata: %w", err)
		}
		result = append(result, channel)
	}
	return result, rows.Err()
}

func (s *SQLStore) GetChannelParticipants(ctx context.Context, channelID string) ([]string, error) {
	r := s.reader()
	var participants []string
	err := r.SelectContext(ctx, &participants, r.Rebind(`
		SELECT entity_id FROM channel_participants WHERE channel_id = ? ORDER BY entity_id ASC
	`), channelID)
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (s *SQLStore) IsChannelParticipant(ctx context.Context, channelID, entityID string) (bool, error) {
	r := s.reader()
	var count int
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT COUNT(1) FROM channel_participants WHERE channel_id = ? AND entity_id = ?
	`), channelID, entityID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLStore) AddChannelParticipants(ctx context.Context, channelID string, entityIDs []string) error {
	w := s.writer()
	for _, entityID := range dedupe(entityIDs) {
		exists, err := s.IsChannelParticipant(ctx, channelID, entityID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		_, err = w.ExecContext(ctx, w.Rebind(`
			INSERT INTO channel_participants (channel_id, entity_id) VALUES (?, ?)
		`), channelID, entityID)
		if err != nil {
			return err
		}
	}
	return nil
}

// FindDmChannel locates an existing DM channel on the server whose two
// participants are exactly the given pair. Returns ErrNotFound when no such
// channel exists.
func (s *SQLStore) FindDmChannel(ctx context.Context, serverID, firstUserID, secondUserID string) (*models.Channel, error) {
	r := s.reader()
	var channelID string
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT c.id FROM channels c
		WHERE c.message_server_id = ? AND c.type = 'DM'
		AND EXISTS (SELECT 1 FROM channel_participants p WHERE p.channel_id = c.id AND p.entity_id = ?)
		AND EXISTS (SELECT 1 FROM channel_participants p WHERE p.channel_id = c.id AND p.entity_id = ?)
		ORDER BY c.created_at ASC LIMIT 1
	`), serverID, firstUserID, secondUserID).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetChannel(ctx, channelID)
}

// --- Messages ---

func (s *SQLStore) CreateMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = message.CreatedAt

	rawJSON, err := marshalJSON(message.RawMessage)
	if err != nil {
		return fmt.Errorf("failed to serialize raw message: %w", err)
	}
	metadataJSON, err := marshalJSON(message.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize message metadata: %w", err)
	}

	w := s.writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO messages (id, channel_id, author_id, content, raw_message, source_type, source_id, in_reply_to_message_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), message.ID, message.ChannelID, message.AuthorID, message.Content, rawJSON, message.SourceType, message.SourceID, message.InReplyToMessageID, metadataJSON, message.CreatedAt, message.UpdatedAt)
	return err
}

func scanMessage(scan func(dest ...any) error) (*models.Message, error) {
	message := &models.Message{}
	var rawJSON, metadataJSON string
	err := scan(&message.ID, &message.ChannelID, &message.AuthorID, &message.Content, &rawJSON, &message.SourceType, &message.SourceID, &message.InReplyToMessageID, &metadataJSON, &message.CreatedAt, &message.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rawJSON, &message.RawMessage); err != nil {
		return nil, fmt.Errorf("failed to deserialize raw message: %w", err)
	}
	if err := unmarshalJSON(metadataJSON, &message.Metadata); err != nil {
		return nil, fmt.Errorf("failed to deserialize message metadata: %w", err)
	}
	return message, nil
}

const messageColumns = `id, channel_id, author_id, content, raw_message, source_type, source_id, in_reply_to_message_id, metadata, created_at, updated_at`

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	r := s.reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT `+messageColumns+` FROM messages WHERE id = ?
	`), id)
	return scanMessage(row.Scan)
}

func (s *SQLStore) UpdateMessage(ctx context.Context, id, content string, metadata map[string]any) (*models.Message, error) {
	message, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	message.Content = content
	if metadata != nil {
		message.Metadata = metadata
	}
	message.UpdatedAt = time.Now().UTC()

	metadataJSON, err := marshalJSON(message.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message metadata: %w", err)
	}

	w := s.writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		UPDATE messages SET content = ?, metadata = ?, updated_at = ? WHERE id = ?
	`), message.Content, metadataJSON, message.UpdatedAt, id)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (s *SQLStore) DeleteMessage(ctx context.Context, id string) error {
	w := s.writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM messages WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, channelID string, opts ListMessagesOptions) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE channel_id = ?`
	args := []any{channelID}
	if opts.Before != nil {
		query += ` AND created_at < ?`
		args = append(args, opts.Before.UTC())
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	r := s.reader()
	rows, err := r.QueryContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		message, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	return result, rows.Err()
}

func (s *SQLStore) CountMessages(ctx context.Context, channelID string) (int, error) {
	r := s.reader()
	var count int
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT COUNT(1) FROM messages WHERE channel_id = ?
	`), channelID).Scan(&count)
	return count, err
}

func (s *SQLStore) DeleteMessagesBatch(ctx context.Context, channelID string, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, nil
	}
	w := s.writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM messages WHERE id IN (
			SELECT id FROM messages WHERE channel_id = ? ORDER BY created_at ASC LIMIT ?
		)
	`), channelID, batchSize)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// --- Agent registrations ---

func (s *SQLStore) AddAgentToServer(ctx context.Context, serverID, agentID string) error {
	exists, err := s.agentOnServer(ctx, serverID, agentID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	w := s.writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO server_agents (server_id, agent_id) VALUES (?, ?)
	`), serverID, agentID)
	return err
}

func (s *SQLStore) RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error {
	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM server_agents WHERE server_id = ? AND agent_id = ?
	`), serverID, agentID)
	return err
}

func (s *SQLStore) ListAgentsForServer(ctx context.Context, serverID string) ([]string, error) {
	r := s.reader()
	var agents []string
	err := r.SelectContext(ctx, &agents, r.Rebind(`
		SELECT agent_id FROM server_agents WHERE server_id = ? ORDER BY agent_id ASC
	`), serverID)
	if err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *SQLStore) ListServersForAgent(ctx context.Context, agentID string) ([]string, error) {
	r := s.reader()
	var servers []string
	err := r.SelectContext(ctx, &servers, r.Rebind(`
		SELECT server_id FROM server_agents WHERE agent_id = ? ORDER BY server_id ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	return servers, nil
}

func (s *SQLStore) agentOnServer(ctx context.Context, serverID, agentID string) (bool, error) {
	r := s.reader()
	var count int
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT COUNT(1) FROM server_agents WHERE server_id = ? AND agent_id = ?
	`), serverID, agentID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

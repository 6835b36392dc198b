package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crewhq/crewd/pkg/models"
)

const instanceColumns = `id, plugin_type, display_name, config_cipher, webhook_secret_cipher, agent_ids,
	is_public_channel, debounce_ms, enabled, created_at`

// CreateInstance inserts a channel instance. Config and webhook secret are
// sealed before they touch the database.
func (s *Store) CreateInstance(ctx context.Context, inst *models.PluginInstance, webhookSecret string) error {
	if inst.PluginType == "" {
		return NewValidationError("plugin_type", "must not be empty")
	}
	if inst.DisplayName == "" {
		return NewValidationError("display_name", "must not be empty")
	}
	if inst.ID == "" {
		inst.ID = newID()
	}
	if inst.AgentIDs == nil {
		inst.AgentIDs = []string{}
	}

	configCipher, err := s.sealInstanceConfig(inst.Config)
	if err != nil {
		return err
	}
	var secretCipher []byte
	if webhookSecret != "" {
		secretCipher, err = s.box.Seal([]byte(webhookSecret))
		if err != nil {
			return fmt.Errorf("seal webhook secret: %w", err)
		}
	}
	agentIDs, err := marshalJSON(inst.AgentIDs)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO plugin_instances (id, plugin_type, display_name, config_cipher, webhook_secret_cipher,
			agent_ids, is_public_channel, debounce_ms, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		inst.ID, inst.PluginType, inst.DisplayName, configCipher, secretCipher,
		agentIDs, inst.IsPublicChannel, inst.DebounceMS, inst.Enabled,
	).Scan(&inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance fetches an instance with its config decrypted.
func (s *Store) GetInstance(ctx context.Context, id string) (*models.PluginInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM plugin_instances WHERE id = $1`, id)
	return s.scanInstance(row, true)
}

// GetInstanceWebhookSecret returns the decrypted webhook secret, or "" when
// none is configured.
func (s *Store) GetInstanceWebhookSecret(ctx context.Context, id string) (string, error) {
	var cipher []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT webhook_secret_cipher FROM plugin_instances WHERE id = $1`, id).Scan(&cipher)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get webhook secret: %w", err)
	}
	if len(cipher) == 0 {
		return "", nil
	}
	secret, err := s.box.Open(cipher)
	if err != nil {
		return "", fmt.Errorf("open webhook secret: %w", err)
	}
	return string(secret), nil
}

// ListInstances lists all instances. Configs are not decrypted on the list
// path; fetch an instance by id when the credential is needed.
func (s *Store) ListInstances(ctx context.Context, enabledOnly bool) ([]*models.PluginInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM plugin_instances
		WHERE NOT $1 OR enabled
		ORDER BY display_name`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.PluginInstance
	for rows.Next() {
		inst, err := s.scanInstance(rows, false)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateInstanceConfig replaces the sealed config of an instance.
func (s *Store) UpdateInstanceConfig(ctx context.Context, id string, cfg *models.InstanceConfig) error {
	cipher, err := s.sealInstanceConfig(cfg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugin_instances SET config_cipher = $2 WHERE id = $1`, id, cipher)
	if err != nil {
		return fmt.Errorf("update instance config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance config: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateInstanceAgents replaces the assigned agent set.
func (s *Store) UpdateInstanceAgents(ctx context.Context, id string, agentIDs []string) error {
	if agentIDs == nil {
		agentIDs = []string{}
	}
	payload, err := marshalJSON(agentIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugin_instances SET agent_ids = $2 WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("update instance agents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance agents: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInstanceEnabled toggles an instance.
func (s *Store) SetInstanceEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugin_instances SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set instance enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set instance enabled: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) sealInstanceConfig(cfg *models.InstanceConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	plain, err := marshalJSON(cfg)
	if err != nil {
		return nil, err
	}
	cipher, err := s.box.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("seal instance config: %w", err)
	}
	return cipher, nil
}

func (s *Store) scanInstance(row rowScanner, decryptConfig bool) (*models.PluginInstance, error) {
	var (
		inst         models.PluginInstance
		configCipher []byte
		secretCipher []byte
		agentIDs     []byte
		debounce     stdsql.NullInt64
	)
	err := row.Scan(&inst.ID, &inst.PluginType, &inst.DisplayName, &configCipher, &secretCipher,
		&agentIDs, &inst.IsPublicChannel, &debounce, &inst.Enabled, &inst.CreatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	if err := json.Unmarshal(agentIDs, &inst.AgentIDs); err != nil {
		return nil, fmt.Errorf("decode instance agents: %w", err)
	}
	if debounce.Valid {
		v := debounce.Int64
		inst.DebounceMS = &v
	}
	if decryptConfig && len(configCipher) > 0 {
		plain, err := s.box.Open(configCipher)
		if err != nil {
			return nil, fmt.Errorf("open instance config: %w", err)
		}
		var cfg models.InstanceConfig
		if err := json.Unmarshal(plain, &cfg); err != nil {
			return nil, fmt.Errorf("decode instance config: %w", err)
		}
		inst.Config = &cfg
	}
	return &inst, nil
}

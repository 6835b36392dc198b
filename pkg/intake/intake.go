// Package intake turns inbound signals into work items and fans them out as
// queue messages on the target agents' lanes.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/plugins"
	"github.com/crewhq/crewd/pkg/store"
)

// ErrHookBlocked is returned when a pre-create hook vetoes the submission.
var ErrHookBlocked = errors.New("work item blocked by hook")

// ErrNoTargetAgents is returned when a submission resolves to zero enabled
// target agents.
var ErrNoTargetAgents = errors.New("no target agents")

// ErrPermissionDenied is returned when a disabled plugin instance tries to
// submit work.
var ErrPermissionDenied = errors.New("permission denied")

// Service creates work items and enqueues their per-agent queue messages.
type Service struct {
	store         *store.Store
	hooks         *plugins.Hooks
	registry      *plugins.Registry
	lanes         *config.LanesConfig
	maxRelayDepth int
	logger        *slog.Logger
}

// NewService wires the intake pipeline. hooks may be nil.
func NewService(st *store.Store, hooks *plugins.Hooks, registry *plugins.Registry, lanes *config.LanesConfig, maxRelayDepth int) *Service {
	if hooks == nil {
		hooks = plugins.NewHooks(st)
	}
	return &Service{
		store:         st,
		hooks:         hooks,
		registry:      registry,
		lanes:         lanes,
		maxRelayDepth: maxRelayDepth,
		logger:        slog.Default().With("component", "intake"),
	}
}

// Submission is one inbound signal: a webhook delivery, a chat message, a
// routine firing, or an internal relay.
type Submission struct {
	InstanceID string
	SessionKey string
	Source     string
	// SourceRef is the idempotency key. Resubmitting the same ref returns
	// the original work item without fanning out again.
	SourceRef  string
	Title      string
	Text       string
	SenderName string
	Actor      models.ActorEnvelope
	RelayDepth int
	// TargetAgentIDs overrides the instance's assigned agents.
	TargetAgentIDs  []string
	ResponseContext map[string]any
	// NotBefore pushes the lane debounce window out, e.g. catch-up jitter
	// on routine firings.
	NotBefore *time.Time
}

// Receipt reports what a submission produced.
type Receipt struct {
	WorkItem *models.WorkItem
	// Created is false when the source ref deduped to an existing item; no
	// new queue messages were enqueued in that case.
	Created bool
	// QueueKeys lists the lanes a message was enqueued on.
	QueueKeys []string
	// ExcludedAgents lists targets skipped by origin exclusion or because
	// the agent is disabled.
	ExcludedAgents []string
}

// Submit runs the intake pipeline: pre-create hook, work item insert (deduped
// by source ref), transcript insert, lifecycle event publication, per-agent
// fan-out, post-create hook, best-effort receipt acknowledgement.
func (s *Service) Submit(ctx context.Context, sub *Submission) (*Receipt, error) {
	if sub.Actor.Kind == "" {
		sub.Actor.Kind = models.ActorHuman
	}

	var instance *models.PluginInstance
	if sub.InstanceID != "" {
		inst, err := s.store.GetInstance(ctx, sub.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("resolve plugin instance: %w", err)
		}
		if !inst.Enabled {
			s.hooks.RecordPermissionDenied(ctx, inst.ID, "disabled instance attempted a work item submission")
			return nil, fmt.Errorf("%w: plugin instance %s is disabled", ErrPermissionDenied, inst.ID)
		}
		instance = inst
	}

	item := &models.WorkItem{
		SessionKey: sub.SessionKey,
		Source:     sub.Source,
		Title:      sub.Title,
		Payload: models.WorkItemPayload{
			Text:            sub.Text,
			SenderName:      sub.SenderName,
			Actor:           sub.Actor,
			RelayDepth:      sub.RelayDepth,
			TargetAgentIDs:  sub.TargetAgentIDs,
			ResponseContext: sub.ResponseContext,
		},
	}
	if sub.InstanceID != "" {
		item.PluginInstanceID = &sub.InstanceID
	}
	if sub.SourceRef != "" {
		ref := sub.SourceRef
		item.SourceRef = &ref
	}

	if res := s.hooks.Dispatch(ctx, &plugins.HookEvent{
		Hook:       plugins.HookWorkItemPreCreate,
		InstanceID: sub.InstanceID,
		WorkItem:   item,
	}); res != nil && res.Blocked {
		return nil, fmt.Errorf("%w: %s", ErrHookBlocked, res.Reason)
	}

	created, err := s.store.CreateWorkItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("create work item: %w", err)
	}
	receipt := &Receipt{WorkItem: item, Created: created}
	if !created {
		s.logger.Info("Work item deduplicated",
			"work_item_id", item.ID,
			"source_ref", sub.SourceRef)
		return receipt, nil
	}

	s.recordTranscript(ctx, item, sub)
	s.publishCreatedEvent(ctx, item)

	queueKeys, excluded, err := s.fanOut(ctx, item, instance, sub.NotBefore)
	if err != nil {
		return nil, err
	}
	receipt.QueueKeys = queueKeys
	receipt.ExcludedAgents = excluded

	s.hooks.Dispatch(ctx, &plugins.HookEvent{
		Hook:       plugins.HookWorkItemPostCreate,
		InstanceID: sub.InstanceID,
		WorkItem:   item,
	})
	s.acknowledge(ctx, instance, sub.ResponseContext)

	s.logger.Info("Work item accepted",
		"work_item_id", item.ID,
		"source", sub.Source,
		"session_key", sub.SessionKey,
		"lanes", len(queueKeys))
	return receipt, nil
}

// fanOut enqueues one queue message per resolved target agent. The debounce
// window composes agent override over instance override over the default, and
// each additional agent gets a fair-share stagger so a multi-agent session
// does not fire every lane at the same instant.
func (s *Service) fanOut(ctx context.Context, item *models.WorkItem, instance *models.PluginInstance, notBefore *time.Time) (queueKeys, excluded []string, err error) {
	targetIDs := item.Payload.TargetAgentIDs
	if len(targetIDs) == 0 && instance != nil {
		targetIDs = instance.AgentIDs
	}
	if len(targetIDs) == 0 {
		return nil, nil, fmt.Errorf("%w: work item %s", ErrNoTargetAgents, item.ID)
	}

	agents, err := s.store.ListAgentsByIDs(ctx, targetIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve target agents: %w", err)
	}
	byID := make(map[string]*models.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	// Deterministic stagger order.
	sorted := append([]string(nil), targetIDs...)
	sort.Strings(sorted)

	index := 0
	for _, agentID := range sorted {
		agent, ok := byID[agentID]
		if !ok || !agent.Enabled {
			excluded = append(excluded, agentID)
			s.logger.Warn("Skipping unavailable target agent",
				"work_item_id", item.ID, "agent_id", agentID)
			continue
		}
		if item.Payload.Actor.Kind == models.ActorAgent && item.Payload.Actor.AgentID == agentID {
			// Agents never get their own prior output back.
			excluded = append(excluded, agentID)
			continue
		}

		debounce := s.lanes.Debounce
		if instance != nil && instance.DebounceMS != nil {
			debounce = time.Duration(*instance.DebounceMS) * time.Millisecond
		}
		if agent.DebounceMS != nil {
			debounce = time.Duration(*agent.DebounceMS) * time.Millisecond
		}
		debounce += time.Duration(index) * s.lanes.FanoutStagger

		queueKey := item.SessionKey + ":" + agentID
		_, err := s.store.EnqueueQueueMessage(ctx, store.EnqueueParams{
			QueueKey:   queueKey,
			SessionKey: item.SessionKey,
			AgentID:    agentID,
			WorkItemID: item.ID,
			Text:       item.Payload.Text,
			SenderName: item.Payload.SenderName,
			Mode:       s.lanes.Mode,
			DebounceMS: debounce.Milliseconds(),
			MaxQueued:  s.lanes.MaxQueued,
			NotBefore:  notBefore,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("enqueue lane %s: %w", queueKey, err)
		}
		queueKeys = append(queueKeys, queueKey)
		index++
	}

	if len(queueKeys) == 0 {
		return nil, excluded, fmt.Errorf("%w: all targets excluded for work item %s", ErrNoTargetAgents, item.ID)
	}
	return queueKeys, excluded, nil
}

// recordTranscript inserts the inbound message into the session transcript.
// Relay and routine items skip this: an agent's output was already recorded
// when its dispatch finalized, and routine prompts are instructions rather
// than conversation.
func (s *Service) recordTranscript(ctx context.Context, item *models.WorkItem, sub *Submission) {
	if sub.Source != models.SourceChat && sub.Source != models.SourceWebhook {
		return
	}
	author := sub.SenderName
	if author == "" {
		author = sub.Actor.Handle
	}
	msg := &models.Message{
		SessionKey: item.SessionKey,
		WorkItemID: &item.ID,
		Role:       models.RoleUser,
		Author:     author,
		Content:    sub.Text,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		s.logger.Warn("Failed to record inbound transcript message",
			"work_item_id", item.ID, "error", err)
	}
}

// publishCreatedEvent emits the lifecycle envelope event routines match on.
func (s *Service) publishCreatedEvent(ctx context.Context, item *models.WorkItem) {
	env := models.EventEnvelope{
		EventID:     item.ID,
		Source:      item.Source,
		EventType:   "work_item.created",
		SourceRef:   strOrEmpty(item.SourceRef),
		SessionKey:  item.SessionKey,
		ActorKind:   item.Payload.Actor.Kind,
		ActorHandle: item.Payload.Actor.Handle,
		Status:      string(item.Status),
		Title:       item.Title,
		CreatedAt:   item.CreatedAt,
	}
	if item.PluginInstanceID != nil {
		env.PluginInstanceID = *item.PluginInstanceID
	}
	if _, _, err := s.store.PublishRoutineEvent(ctx, "work_item.created:"+item.ID, env); err != nil {
		s.logger.Warn("Failed to publish lifecycle event",
			"work_item_id", item.ID, "error", err)
	}
}

// acknowledge fires the optional channel-side receipt signal.
func (s *Service) acknowledge(ctx context.Context, instance *models.PluginInstance, responseContext map[string]any) {
	if instance == nil || s.registry == nil {
		return
	}
	handler, ok := s.registry.Get(instance.PluginType)
	if !ok {
		return
	}
	acker, ok := handler.(plugins.ReceiptAcknowledger)
	if !ok {
		return
	}
	if err := acker.AcknowledgeReceipt(ctx, instance, responseContext); err != nil {
		s.logger.Debug("Receipt acknowledgement failed",
			"instance_id", instance.ID, "error", err)
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package team

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/agent"
	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
	"github.com/aosanya/HiveCortex/internal/store"
)

// inbox is the coordinator's own bus consumption: agents report task
// completion with RESPONSE messages and progress with task:progress INFORMs;
// the coordinator folds both into the durable task records.

// Start registers the coordinator's mailbox and launches the inbox loop
func (c *Coordinator) Start(ctx context.Context) error {
	mb, err := c.bus.Register(c.id)
	if err != nil {
		return err
	}
	go c.inboxLoop(ctx, mb)
	return nil
}

// Stop deregisters the coordinator from the bus
func (c *Coordinator) Stop() {
	c.bus.Deregister(c.id)
}

// inboxLoop drains the coordinator mailbox until the context is cancelled
func (c *Coordinator) inboxLoop(ctx context.Context, mb *bus.Mailbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-mb.Signal():
			for {
				msg := mb.Dequeue()
				if msg == nil {
					break
				}
				c.handleInbox(ctx, msg)
			}
		}
	}
}

// handleInbox routes one inbound message
func (c *Coordinator) handleInbox(ctx context.Context, msg *bus.Message) {
	switch {
	case msg.Type == bus.MessageTypeResponse && msg.Content.Topic == bus.TopicTaskAssignment:
		c.handleAssignmentResult(ctx, msg)
	case msg.Content.Topic == bus.TopicTaskProgress:
		c.handleProgress(ctx, msg)
	default:
		// Heartbeats and peer broadcasts need no coordinator action.
	}
}

// handleAssignmentResult applies per-task results from an agent's RESPONSE
func (c *Coordinator) handleAssignmentResult(ctx context.Context, msg *bus.Message) {
	results, ok := msg.Content.Body["results"].([]interface{})
	if !ok {
		// In-process delivery keeps the concrete slice type.
		if typed, tok := msg.Content.Body["results"].([]map[string]interface{}); tok {
			results = make([]interface{}, len(typed))
			for i, r := range typed {
				results[i] = r
			}
			ok = true
		}
	}
	if !ok {
		log.WithField("from", msg.From.Key()).Debug("Assignment response without results")
		return
	}

	for _, raw := range results {
		result, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		taskID, _ := result["task_id"].(string)
		if taskID == "" {
			continue
		}
		success, _ := result["success"].(bool)
		if success {
			if err := c.CompleteTask(ctx, taskID); err != nil && err != ErrTerminalTask {
				log.WithError(err).WithField("task_id", taskID).Warn("Failed to mark task completed")
			}
			continue
		}
		cause, _ := result["error"].(string)
		if cause == "" {
			cause = "agent reported failure"
		}
		if err := c.FailTask(ctx, taskID, cause); err != nil && err != ErrTerminalTask {
			log.WithError(err).WithField("task_id", taskID).Warn("Failed to mark task failed")
		}
	}
}

// handleProgress applies a task:progress INFORM
func (c *Coordinator) handleProgress(ctx context.Context, msg *bus.Message) {
	taskID, _ := msg.Content.Body["task_id"].(string)
	if taskID == "" {
		return
	}
	progress, _ := msg.Content.Body["progress"].(float64)
	if err := c.UpdateTaskProgress(ctx, taskID, progress); err != nil && err != ErrTerminalTask && err != ErrTaskNotFound {
		log.WithError(err).WithField("task_id", taskID).Debug("Failed to update task progress")
	}
}

// DispatchTask assigns an unassigned task to an agent, recording the
// assignment transition, and sends the COMMAND. The agent's RESPONSE is
// addressed to replyTo (the coordinator itself when zero), which is how the
// scheduler subscribes to completions for dependency-ordered dispatch.
func (c *Coordinator) DispatchTask(ctx context.Context, taskID, toKey string, replyTo identity.AgentID) error {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return ErrTerminalTask
	}
	to, err := identity.ParseAgentKey(toKey)
	if err != nil {
		return err
	}
	if replyTo.IsZero() {
		replyTo = c.id
	}

	task.Status = TaskStatusAssigned
	task.AssignedAgents = []identity.AgentID{to}
	task.UpdatedAt = time.Now().UTC()
	if err := c.repo.PutTask(ctx, task); err != nil {
		return err
	}
	c.recordTaskEvent(ctx, task.ID, store.EventTaskAssigned, map[string]interface{}{
		"agent":   toKey,
		"goal_id": task.GoalID,
	})

	body := bus.BodyOf(agent.Assignment{
		GoalID:   task.GoalID,
		Strategy: "scheduler",
		Tasks: []agent.AssignedTask{{
			ID:          task.ID,
			Description: task.Description,
			Type:        task.Type,
			Timeout:     task.Timeout,
		}},
	})
	msg := bus.NewMessage(replyTo, []identity.AgentID{to}, bus.MessageTypeCommand, bus.PriorityHigh, bus.TopicTaskAssignment, body)
	msg.RequiresResponse = true
	return c.bus.Send(msg)
}

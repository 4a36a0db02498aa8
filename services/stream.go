package services

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"atlas-run-service/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// SSE bridge: each stream subscribes to the hub and, on ANY change to
// the watched table, re-queries the complete ordered snapshot and
// writes it as one event. Clients replace their local copy wholesale;
// they never merge deltas.

const keepaliveInterval = 25 * time.Second

// StreamMembersSSE streams full member-list snapshots for a session.
func (s *SessionService) StreamMembersSSE(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	if ok, err := s.isMember(sessionID, userID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	} else if !ok {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this session — check your permissions"})
	}

	fetch := func(db *gorm.DB) (any, error) {
		var members []models.SessionMember
		err := db.Where("session_id = ?", sessionID).
			Order("points DESC, user_id ASC").
			Find(&members).Error
		return members, err
	}
	streamSnapshots(c, s.DB, s.Hub, sessionID, TopicMembers, fetch)
	return nil
}

// StreamMessagesSSE streams full chat-log snapshots for a session.
func (s *MessageService) StreamMessagesSSE(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	var count int64
	if err := s.DB.Model(&models.SessionMember{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Count(&count).Error; err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}
	if count == 0 {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this session — check your permissions"})
	}

	fetch := func(db *gorm.DB) (any, error) {
		msgs, err := fetchMessageSnapshot(db, sessionID)
		return msgs, err
	}
	streamSnapshots(c, s.DB, s.Hub, sessionID, TopicMessages, fetch)
	return nil
}

func streamSnapshots(c *fiber.Ctx, db *gorm.DB, hub *RealtimeHub, sessionID string, topic ChangeTopic, fetch func(*gorm.DB) (any, error)) {
	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	ctx := c.Context()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		changes, unsubscribe := hub.Subscribe(sessionID, topic)
		defer unsubscribe()

		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()

		writeSnapshot := func() bool {
			snapshot, err := fetch(db)
			if err != nil {
				log.Printf("[SSE] %s/%s snapshot query failed: %v", sessionID, topic, err)
				return true // transient; keep the stream open
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				log.Printf("[SSE] %s/%s marshal failed: %v", sessionID, topic, err)
				return true
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload)
			return w.Flush() == nil
		}

		// initial snapshot so the client renders without waiting for a change
		if !writeSnapshot() {
			return
		}

		for {
			select {
			case <-changes:
				if !writeSnapshot() {
					// client disconnected
					return
				}
			case <-ticker.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			case <-ctx.Done():
				// client closed connection
				return
			}
		}
	})
}

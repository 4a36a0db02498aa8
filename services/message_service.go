package services

import (
	"errors"
	"log"
	"path/filepath"
	"strings"

	"atlas-run-service/models"
	"atlas-run-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

type MessageService struct {
	DB  *gorm.DB
	Hub *RealtimeHub
}

func NewMessageService(db *gorm.DB, hub *RealtimeHub) *MessageService {
	return &MessageService{DB: db, Hub: hub}
}

// SendMessage appends one chat message to a session. Accepts multipart
// form data: a `content` text field, an `image` file, or both. The
// image goes to R2 first; the row is only written once the upload
// produced a public URL, so a stored message never points at a blob
// that does not exist.
func (s *MessageService) SendMessage(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	var session models.Session
	if err := s.DB.First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "session not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	var count int64
	if err := s.DB.Model(&models.SessionMember{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Count(&count).Error; err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}
	if count == 0 {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this session — check your permissions"})
	}

	content := strings.TrimSpace(c.FormValue("content"))

	var imageURL *string
	if image, err := c.FormFile("image"); err == nil && image.Size > 0 {
		ext := filepath.Ext(image.Filename)
		if ext == "" {
			ext = ".jpg"
		}
		key := "sessions/" + slug.Make(session.Name) + "/chat/" + uuid.NewString() + ext
		url, err := utils.UploadFileToR2(image, key)
		if err != nil {
			log.Printf("ERROR uploading chat image for session %s: %v", sessionID, err)
			return c.Status(500).JSON(fiber.Map{"error": "failed to upload image"})
		}
		imageURL = &url
	}

	if content == "" && imageURL == nil {
		return c.Status(400).JSON(fiber.Map{"error": "message needs content or an image"})
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		UserName:  s.lookupUserName(userID),
		ImageURL:  imageURL,
	}
	if content != "" {
		msg.Content = &content
	}
	if err := s.DB.Create(&msg).Error; err != nil {
		log.Printf("ERROR sending message in session %s: %v", sessionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to send message"})
	}

	s.Hub.Notify(sessionID, TopicMessages)
	return c.Status(201).JSON(msg)
}

// ListMessages returns the full ordered chat log for a session. The
// SSE stream re-uses the same query, so a sent message and its
// streamed snapshot copy are always identical.
func (s *MessageService) ListMessages(c *fiber.Ctx) error {
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

	messages, err := fetchMessageSnapshot(s.DB, sessionID)
	if err != nil {
		log.Printf("ERROR fetching messages for session %s: %v", sessionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch messages"})
	}
	return c.JSON(messages)
}

// fetchMessageSnapshot is the one ordering used everywhere a chat log
// is read: REST list, SSE snapshots.
func fetchMessageSnapshot(db *gorm.DB, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	err := db.Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	return messages, err
}

func (s *MessageService) lookupUserName(userID string) string {
	var mirror models.ProfileMirror
	if err := s.DB.First(&mirror, "user_id = ?", userID).Error; err != nil {
		return ""
	}
	return mirror.UserName
}

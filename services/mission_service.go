package services

import (
	"errors"
	"log"
	"path/filepath"
	"strings"
	"time"

	"atlas-run-service/models"
	"atlas-run-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MissionService struct {
	DB  *gorm.DB
	Hub *RealtimeHub
}

func NewMissionService(db *gorm.DB, hub *RealtimeHub) *MissionService {
	return &MissionService{DB: db, Hub: hub}
}

// ListMissions returns active mission templates with the caller's own
// participation state folded in (not_started / joined / completed).
func (s *MissionService) ListMissions(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var missions []models.MissionInstance
	if err := s.DB.Where("status = ?", models.MissionStatusActive).
		Order("created_at DESC").
		Find(&missions).Error; err != nil {
		log.Printf("ERROR fetching missions: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch missions"})
	}

	var participations []models.MissionParticipation
	if err := s.DB.Where("user_id = ?", userID).Find(&participations).Error; err != nil {
		log.Printf("ERROR fetching participations for %s: %v", userID, err)
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}
	byMission := make(map[string]string, len(participations))
	for _, p := range participations {
		byMission[p.MissionInstanceID] = p.Status
	}

	for i := range missions {
		status, ok := byMission[missions[i].ID]
		if !ok {
			status = "not_started"
		}
		missions[i].MyStatus = status

		var count int64
		s.DB.Model(&models.MissionParticipation{}).
			Where("mission_instance_id = ?", missions[i].ID).
			Count(&count)
		missions[i].ParticipantCount = count
	}
	return c.JSON(missions)
}

func (s *MissionService) GetMission(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	missionID := c.Params("id")

	var mission models.MissionInstance
	if err := s.DB.First(&mission, "id = ?", missionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "mission not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	mission.MyStatus = "not_started"
	var participation models.MissionParticipation
	if err := s.DB.Where("mission_instance_id = ? AND user_id = ?", missionID, userID).
		First(&participation).Error; err == nil {
		mission.MyStatus = participation.Status
	}

	var count int64
	s.DB.Model(&models.MissionParticipation{}).
		Where("mission_instance_id = ?", missionID).
		Count(&count)
	mission.ParticipantCount = count

	return c.JSON(mission)
}

// JoinMission moves the caller from not-started to joined. Joining
// twice is a no-op success, same contract as joining a session.
func (s *MissionService) JoinMission(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	missionID := c.Params("id")

	var mission models.MissionInstance
	if err := s.DB.First(&mission, "id = ? AND status = ?", missionID, models.MissionStatusActive).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "mission not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	participation := models.MissionParticipation{
		ID:                uuid.NewString(),
		MissionInstanceID: missionID,
		UserID:            userID,
		Status:            models.ParticipationStatusJoined,
	}
	res := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mission_instance_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(&participation)
	if res.Error != nil {
		log.Printf("ERROR joining mission %s for user %s: %v", missionID, userID, res.Error)
		return c.Status(500).JSON(fiber.Map{"error": "failed to join mission"})
	}

	if res.RowsAffected == 0 {
		if err := s.DB.Where("mission_instance_id = ? AND user_id = ?", missionID, userID).
			First(&participation).Error; err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "DB error"})
		}
	}
	return c.JSON(participation)
}

// CompleteMission closes out a joined mission with proof (multipart:
// optional `media` file, `location` and `notes` fields). The
// submission insert and the joined→completed transition commit
// together; the per-session point bonus then runs as a best-effort
// side effect that can fail without failing the completion.
func (s *MissionService) CompleteMission(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	missionID := c.Params("id")

	var mission models.MissionInstance
	if err := s.DB.First(&mission, "id = ?", missionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "mission not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	var participation models.MissionParticipation
	if err := s.DB.Where("mission_instance_id = ? AND user_id = ?", missionID, userID).
		First(&participation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(400).JSON(fiber.Map{"error": "join the mission before completing it"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}
	if participation.Status == models.ParticipationStatusCompleted {
		return c.Status(409).JSON(fiber.Map{"error": "mission already completed"})
	}

	var mediaURL string
	if media, err := c.FormFile("media"); err == nil && media.Size > 0 {
		ext := filepath.Ext(media.Filename)
		if ext == "" {
			ext = ".mp4"
		}
		key := "missions/" + missionID + "/proof/" + uuid.NewString() + ext
		url, err := utils.UploadFileToR2(media, key)
		if err != nil {
			log.Printf("ERROR uploading mission proof for %s: %v", missionID, err)
			return c.Status(500).JSON(fiber.Map{"error": "failed to upload proof media"})
		}
		mediaURL = url
	}

	submission := models.MissionSubmission{
		ID:                uuid.NewString(),
		MissionInstanceID: missionID,
		UserID:            userID,
		MediaURL:          mediaURL,
		Location:          strings.TrimSpace(c.FormValue("location")),
		Notes:             strings.TrimSpace(c.FormValue("notes")),
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&submission).Error; err != nil {
			return err
		}
		now := time.Now()
		res := tx.Model(&models.MissionParticipation{}).
			Where("id = ? AND status = ?", participation.ID, models.ParticipationStatusJoined).
			Updates(map[string]interface{}{
				"status":       models.ParticipationStatusCompleted,
				"completed_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// lost a race with another device completing the same mission
			return errAlreadyCompleted
		}
		return nil
	})
	if errors.Is(err, errAlreadyCompleted) {
		return c.Status(409).JSON(fiber.Map{"error": "mission already completed"})
	}
	if err != nil {
		log.Printf("ERROR completing mission %s for user %s: %v", missionID, userID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to complete mission"})
	}

	bonus := mission.PointBonus
	if bonus <= 0 {
		bonus = models.DefaultMissionPointBonus
	}
	awarded := s.awardBonusToSessions(userID, bonus)

	return c.Status(201).JSON(fiber.Map{
		"submission":       submission,
		"points_awarded":   bonus,
		"sessions_awarded": awarded,
	})
}

var errAlreadyCompleted = errors.New("participation already completed")

// awardBonusToSessions adds the mission bonus to every active session
// the user belongs to. Completion has already committed by the time
// this runs: a failed award is logged and skipped, never propagated.
func (s *MissionService) awardBonusToSessions(userID string, bonus int) int {
	var memberships []models.SessionMember
	err := s.DB.
		Where("user_id = ? AND session_id IN (?)", userID,
			s.DB.Model(&models.Session{}).Select("id").Where("status = ?", models.SessionStatusActive)).
		Find(&memberships).Error
	if err != nil {
		log.Printf("[MissionBonus] could not list sessions for user %s: %v (completion unaffected)", userID, err)
		return 0
	}

	awarded := 0
	for _, m := range memberships {
		res := awardMemberPoints(s.DB, m.SessionID, userID, bonus)
		if res.Error != nil || res.RowsAffected == 0 {
			log.Printf("[MissionBonus] award failed for user %s in session %s: %v (completion unaffected)",
				userID, m.SessionID, res.Error)
			continue
		}
		awarded++
		s.Hub.Notify(m.SessionID, TopicMembers)
	}
	return awarded
}

// CreateMission is the admin surface for new mission templates.
func (s *MissionService) CreateMission(c *fiber.Ctx) error {
	type Req struct {
		Title       string     `json:"title"`
		Description string     `json:"description"`
		MediaURL    string     `json:"media_url"`
		PointBonus  int        `json:"point_bonus"`
		StartsAt    *time.Time `json:"starts_at"`
		EndsAt      *time.Time `json:"ends_at"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return c.Status(400).JSON(fiber.Map{"error": "title is required"})
	}
	if req.PointBonus <= 0 {
		req.PointBonus = models.DefaultMissionPointBonus
	}

	mission := models.MissionInstance{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		MediaURL:    req.MediaURL,
		PointBonus:  req.PointBonus,
		Status:      models.MissionStatusActive,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
	}
	if err := s.DB.Create(&mission).Error; err != nil {
		log.Printf("ERROR creating mission: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create mission"})
	}
	return c.Status(201).JSON(mission)
}

// UpdateMission edits a template or archives it (status field).
func (s *MissionService) UpdateMission(c *fiber.Ctx) error {
	missionID := c.Params("id")

	type Req struct {
		Title       string     `json:"title"`
		Description string     `json:"description"`
		MediaURL    string     `json:"media_url"`
		PointBonus  int        `json:"point_bonus"`
		Status      string     `json:"status"`
		StartsAt    *time.Time `json:"starts_at"`
		EndsAt      *time.Time `json:"ends_at"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if req.Status != "" && req.Status != models.MissionStatusActive && req.Status != models.MissionStatusArchived {
		return c.Status(400).JSON(fiber.Map{"error": "invalid status"})
	}

	var mission models.MissionInstance
	if err := s.DB.First(&mission, "id = ?", missionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "mission not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	if req.Title != "" {
		mission.Title = strings.TrimSpace(req.Title)
	}
	if req.Description != "" {
		mission.Description = req.Description
	}
	if req.MediaURL != "" {
		mission.MediaURL = req.MediaURL
	}
	if req.PointBonus > 0 {
		mission.PointBonus = req.PointBonus
	}
	if req.Status != "" {
		mission.Status = req.Status
	}
	if req.StartsAt != nil {
		mission.StartsAt = req.StartsAt
	}
	if req.EndsAt != nil {
		mission.EndsAt = req.EndsAt
	}

	if err := s.DB.Save(&mission).Error; err != nil {
		log.Printf("ERROR updating mission %s: %v", missionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "update failed"})
	}
	return c.JSON(mission)
}

// GetMissionSubmissions lists proofs for a mission (admin view).
func (s *MissionService) GetMissionSubmissions(c *fiber.Ctx) error {
	missionID := c.Params("id")

	var submissions []models.MissionSubmission
	if err := s.DB.Where("mission_instance_id = ?", missionID).
		Order("created_at DESC").
		Find(&submissions).Error; err != nil {
		log.Printf("ERROR fetching submissions for mission %s: %v", missionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch submissions"})
	}
	return c.JSON(submissions)
}

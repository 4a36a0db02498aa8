package services

import (
	"errors"
	"log"
	"strings"

	"atlas-run-service/models"
	"atlas-run-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// joinCodeAttempts bounds the regenerate-on-collision loop when
// creating a session. The code space is 31^6, so a second collision in
// a row already means something is very wrong with the database.
const joinCodeAttempts = 5

type SessionService struct {
	DB  *gorm.DB
	Hub *RealtimeHub
}

func NewSessionService(db *gorm.DB, hub *RealtimeHub) *SessionService {
	return &SessionService{DB: db, Hub: hub}
}

// CreateSession creates a session with a fresh join code and auto-joins
// the creator with zero points. Both inserts run in one transaction so
// a failed member insert can never leave an orphaned session behind.
func (s *SessionService) CreateSession(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	type Req struct {
		Name string `json:"name"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "name is required"})
	}

	weekStart := startOfDayUTC(nowFunc())
	weekEnd := weekStart.AddDate(0, 0, 7)

	var session *models.Session
	var creator *models.SessionMember
	var created bool
	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		candidate := &models.Session{
			ID:        uuid.NewString(),
			Name:      req.Name,
			JoinCode:  utils.GenerateJoinCode(),
			CreatorID: userID,
			Status:    models.SessionStatusActive,
			WeekStart: weekStart,
			WeekEnd:   weekEnd,
		}
		member := &models.SessionMember{
			ID:        uuid.NewString(),
			SessionID: candidate.ID,
			UserID:    userID,
			UserName:  s.lookupUserName(userID),
			Points:    0,
		}
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(candidate).Error; err != nil {
				return err
			}
			return tx.Create(member).Error
		})
		if err == nil {
			session = candidate
			creator = member
			created = true
			break
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// join code collision — roll a new one
			log.Printf("[Session] join code collision on attempt %d, regenerating", attempt+1)
			continue
		}
		log.Printf("ERROR creating session for user %s: %v", userID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create session"})
	}
	if !created {
		log.Printf("ERROR creating session for user %s: exhausted join code attempts", userID)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create session"})
	}

	// The session is committed either way; if the refetch fails, answer
	// from the rows we just wrote instead of a half-empty body.
	if err := s.DB.Preload("Members").First(session, "id = ?", session.ID).Error; err != nil {
		log.Printf("ERROR refetching session %s after create: %v", session.ID, err)
		session.Members = []models.SessionMember{*creator}
	}
	return c.Status(201).JSON(session)
}

// JoinSessionByCode resolves a join code case-insensitively and adds
// the caller as a member. Joining a session you already belong to is a
// no-op success, not an error: the insert carries ON CONFLICT DO
// NOTHING on (session_id, user_id).
func (s *SessionService) JoinSessionByCode(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	type Req struct {
		Code string `json:"code"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	code := utils.NormalizeJoinCode(req.Code)
	if !utils.ValidJoinCode(code) {
		return c.Status(400).JSON(fiber.Map{"error": "invalid join code"})
	}

	var session models.Session
	if err := s.DB.Where("join_code = ? AND status = ?", code, models.SessionStatusActive).
		First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "no active session with that code"})
		}
		log.Printf("ERROR looking up join code %s: %v", code, err)
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	member := models.SessionMember{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		UserID:    userID,
		UserName:  s.lookupUserName(userID),
		Points:    0,
	}
	res := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(&member)
	if res.Error != nil {
		log.Printf("ERROR joining session %s for user %s: %v", session.ID, userID, res.Error)
		return c.Status(500).JSON(fiber.Map{"error": "failed to join session"})
	}

	alreadyMember := res.RowsAffected == 0
	if alreadyMember {
		// return the existing membership row instead of the discarded insert
		if err := s.DB.Where("session_id = ? AND user_id = ?", session.ID, userID).
			First(&member).Error; err != nil {
			log.Printf("ERROR fetching membership %s/%s: %v", session.ID, userID, err)
			return c.Status(500).JSON(fiber.Map{"error": "DB error"})
		}
	} else {
		s.Hub.Notify(session.ID, TopicMembers)
	}

	return c.JSON(fiber.Map{
		"session":        session,
		"membership":     member,
		"already_member": alreadyMember,
	})
}

// AwardPoints applies a point delta to one membership as a single
// atomic UPDATE. There is no read-modify-write round trip, so two
// devices awarding concurrently cannot lose an update; GREATEST keeps
// the points-never-negative invariant.
func (s *SessionService) AwardPoints(c *fiber.Ctx) error {
	callerID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	type Req struct {
		UserID string `json:"user_id,omitempty"` // defaults to the caller
		Delta  int    `json:"delta"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if req.Delta == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "delta must be non-zero"})
	}
	targetID := req.UserID
	if targetID == "" {
		targetID = callerID
	}

	if ok, err := s.isMember(sessionID, callerID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	} else if !ok {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this session — check your permissions"})
	}

	res := awardMemberPoints(s.DB, sessionID, targetID, req.Delta)
	if res.Error != nil {
		log.Printf("ERROR awarding %d points to %s in session %s: %v", req.Delta, targetID, sessionID, res.Error)
		return c.Status(500).JSON(fiber.Map{"error": "failed to award points"})
	}
	if res.RowsAffected == 0 {
		return c.Status(404).JSON(fiber.Map{"error": "membership not found"})
	}

	s.Hub.Notify(sessionID, TopicMembers)

	var member models.SessionMember
	s.DB.Where("session_id = ? AND user_id = ?", sessionID, targetID).First(&member)
	return c.JSON(member)
}

// awardMemberPoints is the single point-mutation path for the whole
// service; the mission bonus goes through it too.
func awardMemberPoints(db *gorm.DB, sessionID, userID string, delta int) *gorm.DB {
	return db.Model(&models.SessionMember{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Update("points", gorm.Expr("GREATEST(points + ?, 0)", delta))
}

// LeaveSession removes the caller's membership. When the last member
// walks out the session is marked ended in the same transaction, so no
// zero-member ghost session stays joinable by code.
func (s *SessionService) LeaveSession(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("session_id = ? AND user_id = ?", sessionID, userID).
			Delete(&models.SessionMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var remaining int64
		if err := tx.Model(&models.SessionMember{}).
			Where("session_id = ?", sessionID).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			return tx.Model(&models.Session{}).
				Where("id = ?", sessionID).
				Update("status", models.SessionStatusEnded).Error
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "membership not found"})
	}
	if err != nil {
		log.Printf("ERROR leaving session %s for user %s: %v", sessionID, userID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to leave session"})
	}

	s.Hub.Notify(sessionID, TopicMembers)
	return c.JSON(fiber.Map{"message": "left session"})
}

// GetSession returns one session with its member list, members first
// by points. Only members can see a session.
func (s *SessionService) GetSession(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	if ok, err := s.isMember(sessionID, userID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	} else if !ok {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this session — check your permissions"})
	}

	var session models.Session
	err := s.DB.
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("points DESC, user_id ASC")
		}).
		First(&session, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "session not found"})
		}
		log.Printf("ERROR fetching session %s: %v", sessionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}
	session.MemberCount = int64(len(session.Members))
	return c.JSON(session)
}

// ListMySessions returns every active session the caller belongs to.
func (s *SessionService) ListMySessions(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var sessions []models.Session
	err := s.DB.
		Where("status = ? AND id IN (?)", models.SessionStatusActive,
			s.DB.Model(&models.SessionMember{}).Select("session_id").Where("user_id = ?", userID)).
		Order("created_at DESC").
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("points DESC, user_id ASC")
		}).
		Find(&sessions).Error
	if err != nil {
		log.Printf("ERROR listing sessions for user %s: %v", userID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch sessions"})
	}
	for i := range sessions {
		sessions[i].MemberCount = int64(len(sessions[i].Members))
	}
	return c.JSON(sessions)
}

// GetLeaderboard returns ranked standings for the current week.
func (s *SessionService) GetLeaderboard(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	if ok, err := s.isMember(sessionID, userID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	} else if !ok {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this session — check your permissions"})
	}

	var members []models.SessionMember
	if err := s.DB.Where("session_id = ?", sessionID).
		Order("points DESC, user_id ASC").
		Find(&members).Error; err != nil {
		log.Printf("ERROR fetching leaderboard for session %s: %v", sessionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch leaderboard"})
	}

	type Entry struct {
		Rank     int    `json:"rank"`
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
		Points   int    `json:"points"`
	}
	entries := make([]Entry, 0, len(members))
	for i, m := range members {
		rank := i + 1
		if i > 0 && m.Points == members[i-1].Points {
			rank = entries[i-1].Rank // ties share a rank
		}
		entries = append(entries, Entry{
			Rank:     rank,
			UserID:   m.UserID,
			UserName: m.UserName,
			Points:   m.Points,
		})
	}
	return c.JSON(entries)
}

// GetWeekResults returns the session's rollover audit log, newest first.
func (s *SessionService) GetWeekResults(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	if ok, err := s.isMember(sessionID, userID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	} else if !ok {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this session — check your permissions"})
	}

	var results []models.SessionWeekResult
	if err := s.DB.Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		log.Printf("ERROR fetching week results for session %s: %v", sessionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch results"})
	}
	return c.JSON(results)
}

// SubmitDare records the caller's dare for the current week. A second
// submission before rollover hits the (session_id, user_id) unique
// index and is surfaced as a conflict — unlike join, resubmitting a
// dare IS an error the user should see.
func (s *SessionService) SubmitDare(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	type Req struct {
		DareText string `json:"dare_text"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	req.DareText = strings.TrimSpace(req.DareText)
	if req.DareText == "" {
		return c.Status(400).JSON(fiber.Map{"error": "dare_text is required"})
	}

	if ok, err := s.isMember(sessionID, userID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	} else if !ok {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this session — check your permissions"})
	}

	dare := models.SessionDare{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		DareText:  req.DareText,
	}
	if err := s.DB.Create(&dare).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return c.Status(409).JSON(fiber.Map{"error": "you already submitted a dare this week"})
		}
		log.Printf("ERROR submitting dare for %s in session %s: %v", userID, sessionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to submit dare"})
	}
	return c.Status(201).JSON(dare)
}

// ListDares returns this week's dare pool for the session.
func (s *SessionService) ListDares(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	if ok, err := s.isMember(sessionID, userID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	} else if !ok {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this session — check your permissions"})
	}

	var dares []models.SessionDare
	if err := s.DB.Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&dares).Error; err != nil {
		log.Printf("ERROR fetching dares for session %s: %v", sessionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch dares"})
	}
	return c.JSON(dares)
}

func (s *SessionService) isMember(sessionID, userID string) (bool, error) {
	var count int64
	err := s.DB.Model(&models.SessionMember{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Count(&count).Error
	if err != nil {
		log.Printf("ERROR membership check %s/%s: %v", sessionID, userID, err)
		return false, err
	}
	return count > 0, nil
}

// lookupUserName reads the profile mirror; an empty name is fine, the
// sync worker will have filled the mirror in by the next snapshot.
func (s *SessionService) lookupUserName(userID string) string {
	var mirror models.ProfileMirror
	if err := s.DB.First(&mirror, "user_id = ?", userID).Error; err != nil {
		return ""
	}
	return mirror.UserName
}

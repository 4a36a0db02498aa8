package services

import (
	"errors"
	"log"
	"math/rand"
	"time"

	"atlas-run-service/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ErrNoMembers is returned when rollover is requested for a session
// nobody belongs to; there is no loser to record.
var ErrNoMembers = errors.New("session has no members")

// ErrSessionNotActive is returned when rollover is requested for a
// session that already ended.
var ErrSessionNotActive = errors.New("session is not active")

// EndOfWeekProcessing closes out one week for a session: record the
// loser and a randomly drawn dare, zero every member's points, clear
// the dare pool, advance the week window by 7 days. Every step runs in
// a single transaction — readers either see the old week or the new
// one, never a half-reset.
func (s *SessionService) EndOfWeekProcessing(sessionID string) (*models.SessionWeekResult, error) {
	var result *models.SessionWeekResult

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var session models.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&session, "id = ?", sessionID).Error; err != nil {
			return err
		}
		if session.Status != models.SessionStatusActive {
			return ErrSessionNotActive
		}

		var members []models.SessionMember
		if err := tx.Where("session_id = ?", sessionID).
			Order("points ASC, user_id ASC").
			Find(&members).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return ErrNoMembers
		}

		var dares []models.SessionDare
		if err := tx.Where("session_id = ?", sessionID).Find(&dares).Error; err != nil {
			return err
		}

		loser := pickLoser(members)
		chosen := pickDare(dares, rand.Intn)

		result = &models.SessionWeekResult{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			LoserUserID: loser.UserID,
			WeekStart:   session.WeekStart,
			WeekEnd:     session.WeekEnd,
		}
		if chosen != nil {
			id := chosen.ID
			result.ChosenDareID = &id
			result.DareText = chosen.DareText
		}
		if err := tx.Create(result).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.SessionMember{}).
			Where("session_id = ?", sessionID).
			Update("points", 0).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).
			Delete(&models.SessionDare{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Session{}).
			Where("id = ?", sessionID).
			Updates(map[string]interface{}{
				"week_start": session.WeekStart.AddDate(0, 0, 7),
				"week_end":   session.WeekEnd.AddDate(0, 0, 7),
			}).Error
	})
	if err != nil {
		return nil, err
	}

	s.Hub.Notify(sessionID, TopicMembers)
	return result, nil
}

// pickLoser returns the member with the fewest points. Ties break on
// the lexicographically smallest user id, so repeated runs over the
// same standings name the same loser.
func pickLoser(members []models.SessionMember) *models.SessionMember {
	loser := &members[0]
	for i := range members[1:] {
		m := &members[i+1]
		if m.Points < loser.Points ||
			(m.Points == loser.Points && m.UserID < loser.UserID) {
			loser = m
		}
	}
	return loser
}

// pickDare draws uniformly from the pool; nil when the pool is empty.
// intn is injected so tests can fix the draw.
func pickDare(dares []models.SessionDare, intn func(int) int) *models.SessionDare {
	if len(dares) == 0 {
		return nil
	}
	return &dares[intn(len(dares))]
}

// RunRollover is the admin endpoint for forcing a rollover outside the
// scheduled window.
func (s *SessionService) RunRollover(c *fiber.Ctx) error {
	sessionID := c.Params("id")

	result, err := s.EndOfWeekProcessing(sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "session not found"})
		}
		if errors.Is(err, ErrNoMembers) {
			return c.Status(400).JSON(fiber.Map{"error": "session has no members"})
		}
		if errors.Is(err, ErrSessionNotActive) {
			return c.Status(409).JSON(fiber.Map{"error": "session is not active"})
		}
		log.Printf("[Rollover] manual run failed for session %s: %v", sessionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "rollover failed"})
	}
	return c.JSON(result)
}

// StartRolloverScheduler runs due rollovers in the background. Each
// session is processed independently so one failure doesn't starve the
// rest; a failed session is retried on the next tick.
func (s *SessionService) StartRolloverScheduler() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			var due []models.Session
			now := nowFunc().UTC()
			err := s.DB.Where("status = ? AND week_end <= ?", models.SessionStatusActive, now).
				Find(&due).Error
			if err != nil {
				log.Printf("[Rollover] DB error: %v", err)
				return
			}

			for _, session := range due {
				if _, err := s.EndOfWeekProcessing(session.ID); err != nil {
					// nothing to do for empty sessions or ones that
					// ended between the scan and the lock
					if errors.Is(err, ErrNoMembers) || errors.Is(err, ErrSessionNotActive) {
						continue
					}
					log.Printf("[Rollover] Failed to roll over session %s: %v", session.ID, err)
				} else {
					log.Printf("✅ Rolled over session: %s", session.Name)
				}
			}
		}),
	)
}

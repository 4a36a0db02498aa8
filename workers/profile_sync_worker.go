package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"atlas-run-service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileSyncClient polls the remote auth/profile service for changed
// profiles and mirrors them locally, so member lists and chat
// snapshots carry display names without a remote call per request.
type ProfileSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
}

func NewProfileSyncClient(db *gorm.DB) *ProfileSyncClient {
	baseURL := os.Getenv("AUTH_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("AUTH_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("ATLAS_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("ATLAS_SERVICE_TOKEN environment variable is required for profile sync")
	}

	return &ProfileSyncClient{
		BaseURL: baseURL,
		Token:   token,
		DB:      db,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *ProfileSyncClient) GetChangedProfiles(ctx context.Context, since time.Time) ([]models.ProfileMirror, error) {
	since = since.UTC()

	u, err := url.Parse(fmt.Sprintf("%s/api/v1/public/profiles", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("since", since.Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call profile service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("profile service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Profiles []models.ProfileMirror `json:"profiles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode profile response: %w", err)
	}
	return response.Profiles, nil
}

// SyncProfiles upserts the changed mirrors and fans the new names out
// to the denormalized member and message rows.
func (c *ProfileSyncClient) SyncProfiles(profiles []models.ProfileMirror) error {
	if len(profiles) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range profiles {
		profiles[i].SyncedAt = now
	}

	return c.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(&profiles).Error; err != nil {
			return err
		}

		for _, p := range profiles {
			if err := tx.Model(&models.SessionMember{}).
				Where("user_id = ?", p.UserID).
				Update("user_name", p.UserName).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Message{}).
				Where("user_id = ?", p.UserID).
				Update("user_name", p.UserName).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// PollProfiles runs the sync loop until ctx is cancelled. The cursor
// is the max remote-side UpdatedAt seen so far, persisted implicitly
// in the mirror table so restarts resume where they left off.
func PollProfiles(ctx context.Context, client *ProfileSyncClient, interval time.Duration) {
	cursor := client.loadCursor()
	log.Printf("[ProfileSync] starting with cursor %s", cursor.Format(time.RFC3339))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ProfileSync] stopping")
			return
		case <-ticker.C:
			profiles, err := client.GetChangedProfiles(ctx, cursor)
			if err != nil {
				log.Printf("[ProfileSync] fetch failed: %v", err)
				continue
			}
			if len(profiles) == 0 {
				continue
			}
			if err := client.SyncProfiles(profiles); err != nil {
				log.Printf("[ProfileSync] upsert failed: %v", err)
				continue
			}
			for _, p := range profiles {
				if p.UpdatedAt.After(cursor) {
					cursor = p.UpdatedAt
				}
			}
			log.Printf("[ProfileSync] mirrored %d profile(s), cursor now %s",
				len(profiles), cursor.Format(time.RFC3339))
		}
	}
}

func (c *ProfileSyncClient) loadCursor() time.Time {
	var latest models.ProfileMirror
	if err := c.DB.Order("updated_at DESC").First(&latest).Error; err != nil {
		return time.Time{}
	}
	return latest.UpdatedAt
}

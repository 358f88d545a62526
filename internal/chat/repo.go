package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/supportbot/internal/identity"
)

const (
	saveTurnRetryDelay = 50 * time.Millisecond
	maxSessionContext  = 4000
)

type Repo struct {
	db         *gorm.DB
	retryDelay time.Duration
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, retryDelay: saveTurnRetryDelay}
}

// Sessions

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, chatID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("id = ?", chatID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSession returns the chat with the given id, creating it for owner when it
// does not exist yet. created reports whether this call inserted the row.
func (r *Repo) SaveSession(ctx context.Context, chatID string, owner identity.Identity, provider, model string) (*Session, bool, error) {
	existing, err := r.GetSession(ctx, chatID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, &PersistenceError{Op: "get session", Err: err}
	}

	kind, ownerID := owner.StorageKey()
	s := &Session{
		ID:        chatID,
		OwnerKind: kind,
		OwnerID:   ownerID,
		Provider:  provider,
		Model:     model,
	}
	createErr := r.CreateSession(ctx, s)
	if createErr == nil {
		return s, true, nil
	}

	// lost a creation race, or the id belongs to a soft-deleted chat
	existing, err = r.GetSession(ctx, chatID)
	if err == nil {
		return existing, false, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var deleted int64
		if r.db.WithContext(ctx).Unscoped().Model(&Session{}).
			Where("id = ?", chatID).Count(&deleted).Error == nil && deleted > 0 {
			return nil, false, ErrChatNotFound
		}
	}
	return nil, false, &PersistenceError{Op: "create session", Err: createErr}
}

// UpdateSessionTitle sets the title only while it is still empty.
func (r *Repo) UpdateSessionTitle(ctx context.Context, chatID, title string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND title = ?", chatID, "").
		Update("title", title)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) TouchSession(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", chatID).
		Update("updated_at", time.Now()).Error
}

// AppendSessionContext appends c to the chat's accumulated context, keeping the
// most recent maxSessionContext characters.
func (r *Repo) AppendSessionContext(ctx context.Context, chatID, c string) error {
	if c == "" {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s Session
		if err := tx.Select("id", "context").Where("id = ?", chatID).First(&s).Error; err != nil {
			return err
		}
		next := c
		if s.Context != "" {
			next = s.Context + "\n" + c
		}
		if rs := []rune(next); len(rs) > maxSessionContext {
			next = string(rs[len(rs)-maxSessionContext:])
		}
		return tx.Model(&Session{}).Where("id = ?", chatID).Update("context", next).Error
	})
}

// SoftDeleteSession hides the chat and orphans the memories distilled from it.
func (r *Repo) SoftDeleteSession(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MemoryRecord{}).
			Where("source_chat_id = ?", chatID).
			Update("source_chat_id", nil).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", chatID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// Turns

// SaveTurn inserts a turn. A duplicate (chat_id, sender, text) resolves to the
// row already stored; if that row cannot be found the insert is retried once
// after a short delay.
func (r *Repo) SaveTurn(ctx context.Context, chatID string, who identity.Identity, sender Sender, kind TurnKind, text, turnContext string) (*Turn, error) {
	ownerKind, ownerID := who.StorageKey()
	t := &Turn{
		ChatID:    chatID,
		OwnerKind: ownerKind,
		OwnerID:   ownerID,
		Sender:    sender,
		Kind:      kind,
		Text:      text,
		TextHash:  hashText(text),
	}
	if turnContext != "" {
		t.Context = &turnContext
	}

	err := r.db.WithContext(ctx).Create(t).Error
	if err == nil {
		return t, nil
	}

	existing, getErr := r.findTurn(ctx, chatID, sender, t.TextHash)
	if getErr == nil {
		return existing, nil
	}
	if !errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, &PersistenceError{Op: "save turn", Err: errors.Join(err, getErr)}
	}

	timer := time.NewTimer(r.retryDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, &PersistenceError{Op: "save turn", Err: ctx.Err()}
	case <-timer.C:
	}

	t.ID = 0
	t.CreatedAt = time.Time{}
	if err = r.db.WithContext(ctx).Create(t).Error; err == nil {
		return t, nil
	}
	if existing, getErr = r.findTurn(ctx, chatID, sender, t.TextHash); getErr == nil {
		return existing, nil
	}
	return nil, &PersistenceError{Op: "save turn", Err: err}
}

func (r *Repo) findTurn(ctx context.Context, chatID string, sender Sender, textHash string) (*Turn, error) {
	var t Turn
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND sender = ? AND text_hash = ?", chatID, sender, textHash).
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTurns returns turns in ASC id order, starting after afterID.
func (r *Repo) ListTurns(ctx context.Context, chatID string, afterID uint64, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 200
	}
	var turns []Turn
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND id > ?", chatID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&turns).Error; err != nil {
		return nil, err
	}
	return turns, nil
}

// ListRecentTurns returns up to limit conversation turns in ASC order,
// leaving out follow-up pseudo-turns. The newest row is skipped when its id is
// currentID; a repeated message resolves to an older row, which stays in the
// window so its reply keeps its question.
func (r *Repo) ListRecentTurns(ctx context.Context, chatID string, limit int, currentID uint64) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	var desc []Turn
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND kind <> ?", chatID, KindFollowUp).
		Order("id DESC").
		Limit(limit + 1).
		Find(&desc).Error; err != nil {
		return nil, err
	}
	if len(desc) > 0 && currentID != 0 && desc[0].ID == currentID {
		desc = desc[1:]
	}
	if len(desc) > limit {
		desc = desc[:limit]
	}
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

// CountTurns counts user and assistant turns; follow-up pseudo-turns do not count.
func (r *Repo) CountTurns(ctx context.Context, chatID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Turn{}).
		Where("chat_id = ? AND kind <> ?", chatID, KindFollowUp).
		Count(&n).Error
	return n, err
}

func (r *Repo) LatestTurn(ctx context.Context, chatID string) (*Turn, error) {
	var t Turn
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id DESC").
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// RecentUserTexts returns the text of the chat's last limit user messages in
// turn order.
func (r *Repo) RecentUserTexts(ctx context.Context, chatID string, limit int) ([]string, error) {
	var desc []string
	if err := r.db.WithContext(ctx).Model(&Turn{}).
		Where("chat_id = ? AND sender = ? AND kind = ?", chatID, SenderUser, KindMessage).
		Order("id DESC").
		Limit(limit).
		Pluck("text", &desc).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

// GetContextHistory returns every non-empty per-turn context of the chat in
// turn order.
func (r *Repo) GetContextHistory(ctx context.Context, chatID string) ([]string, error) {
	var out []string
	if err := r.db.WithContext(ctx).Model(&Turn{}).
		Where("chat_id = ? AND context IS NOT NULL AND context <> ?", chatID, "").
		Order("id ASC").
		Pluck("context", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Security

func (r *Repo) SaveThreat(ctx context.Context, t *SecurityThreat) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// Memory

// TopMemories returns the owner's n most important memories, newest first on ties.
func (r *Repo) TopMemories(ctx context.Context, ownerID uint64, n int) ([]MemoryRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []MemoryRecord
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("importance DESC").
		Order("created_at DESC").
		Order("id DESC").
		Limit(n).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) CreateMemories(ctx context.Context, recs []MemoryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&recs).Error
}

// LatestMemoryActivity reports the most recent memory record or memory job
// for the chat. ok is false when there is none.
func (r *Repo) LatestMemoryActivity(ctx context.Context, chatID string) (at time.Time, ok bool, err error) {
	var rec MemoryRecord
	err = r.db.WithContext(ctx).
		Where("source_chat_id = ?", chatID).
		Order("created_at DESC").
		First(&rec).Error
	switch {
	case err == nil:
		at, ok = rec.CreatedAt, true
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return time.Time{}, false, err
	}

	var job MemoryJob
	err = r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		First(&job).Error
	switch {
	case err == nil:
		if !ok || job.CreatedAt.After(at) {
			at, ok = job.CreatedAt, true
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return time.Time{}, false, err
	}
	return at, ok, nil
}

// IdleSession is a candidate for the inactivity sweep.
type IdleSession struct {
	ChatID  string
	OwnerID uint64
}

// ListIdleSessions returns authenticated chats last touched between from and to.
func (r *Repo) ListIdleSessions(ctx context.Context, from, to time.Time, limit int) ([]IdleSession, error) {
	if limit <= 0 {
		limit = 100
	}
	var sessions []Session
	if err := r.db.WithContext(ctx).
		Select("id", "owner_id").
		Where("owner_kind = ? AND updated_at > ? AND updated_at < ?", identity.KindAuthenticated.String(), from, to).
		Order("updated_at ASC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	out := make([]IdleSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, IdleSession{ChatID: s.ID, OwnerID: uint64(s.OwnerID)})
	}
	return out, nil
}

// Memory jobs

func (r *Repo) GetJobByID(ctx context.Context, id string) (*MemoryJob, error) {
	var j MemoryJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*MemoryJob, error) {
	var job MemoryJob
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *MemoryJob) (*MemoryJob, bool, error) {
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// MarkJobRunning claims a queued job. It reports false when the job was
// already claimed or finished.
func (r *Repo) MarkJobRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&MemoryJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, count int) error {
	return r.db.WithContext(ctx).Model(&MemoryJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       JobSucceeded,
			"result_count": count,
			"error":        nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&MemoryJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

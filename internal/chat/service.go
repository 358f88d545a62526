package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/supportbot/internal/ai"
	"github.com/suPer8Hu/supportbot/internal/identity"
	"github.com/suPer8Hu/supportbot/internal/observability"
	"github.com/suPer8Hu/supportbot/internal/security"
)

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"

	titleRunes = 12
)

var ErrInvalidChatID = errors.New("invalid chat id")

// Deps wires a Service. Repo, Registry and Screener are required.
type Deps struct {
	Repo       *Repo
	Registry   *ai.Registry
	Screener   *security.Screener
	Gate       MemoryClassifier
	Dispatcher MemoryDispatcher
	Locker     ChatLocker
	Pacer      Pacer
	Metrics    *observability.Metrics
	Log        *zap.Logger

	Provider      string
	Model         string
	Pace          Pace
	ContextWindow int
	MemoryTopN    int
}

type Service struct {
	repo        *Repo
	registry    *ai.Registry
	screener    *security.Screener
	accumulator *Accumulator
	requester   *Requester
	emitter     *Emitter
	gate        MemoryClassifier
	dispatcher  MemoryDispatcher
	locker      ChatLocker
	metrics     *observability.Metrics
	log         *zap.Logger

	provider string
	model    string
	now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Gate == nil {
		d.Gate = NewKeywordGate()
	}
	if d.Locker == nil {
		d.Locker = NewLocalLocker()
	}
	if d.Provider == "" {
		d.Provider = defaultProvider
	}
	if d.Model == "" {
		d.Model = defaultModel
	}
	if d.Pace == (Pace{}) {
		d.Pace = DefaultPace()
	}
	return &Service{
		repo:        d.Repo,
		registry:    d.Registry,
		screener:    d.Screener,
		accumulator: NewAccumulator(d.Repo, d.ContextWindow, d.MemoryTopN),
		requester:   NewRequester(d.Log),
		emitter:     NewEmitter(d.Repo, d.Pacer, d.Pace, d.Log),
		gate:        d.Gate,
		dispatcher:  d.Dispatcher,
		locker:      d.Locker,
		metrics:     d.Metrics,
		log:         d.Log,
		provider:    d.Provider,
		model:       d.Model,
		now:         time.Now,
	}
}

// TurnRequest is one user submission.
type TurnRequest struct {
	// ChatID is an existing chat id, a new client-chosen id, or NewChatAlias.
	ChatID   string
	Identity identity.Identity
	Origin   string
	Message  string
}

type TurnResult struct {
	ChatID     string
	UserTurn   *Turn
	Threat     security.Result
	Completion *Completion
	Delivery   *Delivery
	// Failed is set when the turn ended with an error frame.
	Failed          bool
	MemoryRequested bool
}

// ProcessTurn runs one turn and streams the answer to w.
//
// Errors returned before anything was written to w (validation, unknown or
// foreign chat, storing the user turn) leave the stream untouched. Once
// streaming has started, completion and prompt failures are reported in-band
// with an error frame and ProcessTurn returns nil; only a cancelled ctx or an
// unreachable client is returned.
func (s *Service) ProcessTurn(ctx context.Context, req TurnRequest, w FrameWriter) (*TurnResult, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	chatID := req.ChatID
	if chatID == NewChatAlias {
		chatID = NewID()
	}
	if !ValidChatID(chatID) {
		return nil, ErrInvalidChatID
	}

	unlock, err := s.locker.Lock(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("lock chat %s: %w", chatID, err)
	}
	defer unlock()

	sess, created, err := s.repo.SaveSession(ctx, chatID, req.Identity, s.provider, s.model)
	if err != nil {
		return nil, err
	}
	if !created && !identity.FromStorage(sess.OwnerKind, sess.OwnerID).Equal(req.Identity) {
		return nil, ErrChatNotFound
	}

	res := &TurnResult{ChatID: chatID}

	threat, err := s.screener.Screen(text)
	if err != nil {
		return nil, err
	}
	res.Threat = threat

	// the user's text is stored on both branches
	userTurn, err := s.repo.SaveTurn(ctx, chatID, req.Identity, SenderUser, KindMessage, text, "")
	if err != nil {
		return nil, err
	}
	res.UserTurn = userTurn

	title := sess.Title
	if title == "" {
		title = makeTitle(text)
		if _, err := s.repo.UpdateSessionTitle(ctx, chatID, title); err != nil {
			s.log.Warn("update title failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}

	log := s.log.With(zap.String("chat_id", chatID), zap.Stringer("who", req.Identity))

	s.metrics.StreamStarted()
	branch := "normal"
	if threat.IsThreat() {
		branch = "security"
		err = s.answerThreat(ctx, w, req, chatID, text, title, res, log)
	} else {
		err = s.answer(ctx, w, req, sess, userTurn, title, res, log)
	}
	cancelled := ctx.Err() != nil
	s.metrics.StreamEnded(cancelled)

	switch {
	case cancelled:
		s.metrics.TurnDone(branch, "cancelled")
		log.Info("turn cancelled by client")
		return res, ctx.Err()
	case err != nil:
		s.metrics.TurnDone(branch, "error")
		return res, err
	case res.Failed:
		s.metrics.TurnDone(branch, "error")
	default:
		s.metrics.TurnDone(branch, "ok")
	}

	if err := s.repo.TouchSession(ctx, chatID); err != nil {
		log.Warn("touch session failed", zap.Error(err))
	}

	if uid, ok := req.Identity.UserID(); ok {
		requested, err := s.considerMemory(ctx, chatID, uid, text, "turn")
		if err != nil {
			log.Warn("memory gate failed", zap.Error(err))
		}
		res.MemoryRequested = requested
	}
	return res, nil
}

func (s *Service) answerThreat(ctx context.Context, w FrameWriter, req TurnRequest, chatID, text, title string, res *TurnResult, log *zap.Logger) error {
	threat := res.Threat
	matched, _ := json.Marshal(threat.Matched)
	rec := &SecurityThreat{
		ThreatType:      string(threat.Threat),
		ThreatLevel:     threat.Level.String(),
		OriginalText:    text,
		MatchedPatterns: string(matched),
		Origin:          req.Origin,
		ChatID:          &chatID,
	}
	rec.OwnerKind, rec.OwnerID = req.Identity.StorageKey()
	if err := s.repo.SaveThreat(ctx, rec); err != nil {
		log.Error("save security threat failed", zap.Error(err))
	}
	s.metrics.Threat(string(threat.Threat), threat.Level.String())
	log.Warn("security threat detected",
		zap.String("kind", string(threat.Threat)),
		zap.Stringer("level", threat.Level),
		zap.Strings("matched", threat.Matched),
		zap.String("origin", req.Origin),
	)

	canned := security.ResponseFor(threat.Threat)
	return s.deliver(ctx, w, req, res, log, Answer{
		ChatID:     chatID,
		Identity:   req.Identity,
		Kind:       KindMessage,
		Paragraphs: canned.Paragraphs,
		FollowUps:  canned.FollowUps,
		Title:      title,
	})
}

func (s *Service) answer(ctx context.Context, w FrameWriter, req TurnRequest, sess *Session, userTurn *Turn, title string, res *TurnResult, log *zap.Logger) error {
	in, err := s.accumulator.Gather(ctx, sess.ID, req.Identity, userTurn)
	if err != nil {
		return s.fail(ctx, w, req, sess.ID, res, log, err)
	}
	msgs, err := ComposePrompt(in)
	if err != nil {
		return s.fail(ctx, w, req, sess.ID, res, log, err)
	}

	provider, err := s.providerFor(ctx, sess)
	if err != nil {
		return s.fail(ctx, w, req, sess.ID, res, log, &CompletionServiceError{Err: err})
	}

	comp, err := s.requester.Complete(ctx, provider, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.CompletionError()
		return s.fail(ctx, w, req, sess.ID, res, log, err)
	}
	res.Completion = comp
	s.metrics.Completion(comp.Attempts, comp.FallbackReason)
	if comp.Fallback() {
		log.Info("answered with split fallback",
			zap.String("reason", comp.FallbackReason),
			zap.Int("paragraphs", len(comp.Paragraphs)),
		)
	}

	kind := KindMessage
	if comp.Fallback() {
		kind = KindFallback
	}
	if err := s.deliver(ctx, w, req, res, log, Answer{
		ChatID:     sess.ID,
		Identity:   req.Identity,
		Kind:       kind,
		Paragraphs: comp.Paragraphs,
		FollowUps:  comp.FollowUps,
		Context:    comp.Context,
		Title:      title,
	}); err != nil || res.Failed {
		return err
	}

	if err := s.repo.AppendSessionContext(ctx, sess.ID, comp.Context); err != nil {
		log.Warn("append session context failed", zap.Error(err))
	}
	return nil
}

// deliver emits ans. A paragraph that cannot be stored turns into an error
// frame; cancellation and write failures are returned as is.
func (s *Service) deliver(ctx context.Context, w FrameWriter, req TurnRequest, res *TurnResult, log *zap.Logger, ans Answer) error {
	d, err := s.emitter.Emit(ctx, w, ans)
	res.Delivery = d
	var pe *PersistenceError
	if err != nil && errors.As(err, &pe) && ctx.Err() == nil {
		return s.fail(ctx, w, req, ans.ChatID, res, log, err)
	}
	return err
}

// fail reports cause to the client with a saved fallback turn.
func (s *Service) fail(ctx context.Context, w FrameWriter, req TurnRequest, chatID string, res *TurnResult, log *zap.Logger, cause error) error {
	res.Failed = true
	log.Error("turn failed", zap.Error(cause))
	return s.emitter.EmitError(ctx, w, chatID, req.Identity, userFacingError(cause))
}

func userFacingError(err error) string {
	var cse *CompletionServiceError
	if errors.As(err, &cse) {
		return "The assistant is temporarily unavailable."
	}
	return "Something went wrong while preparing the answer."
}

func (s *Service) providerFor(ctx context.Context, sess *Session) (ai.Provider, error) {
	p, m := sess.Provider, sess.Model
	if p == "" {
		p = s.provider
	}
	if m == "" {
		m = s.model
	}
	return s.registry.Get(ctx, p, m)
}

// gateUserWindow is how many recent user messages the memory gate reads.
const gateUserWindow = 20

// considerMemory runs the memory gate for a chat and dispatches extraction
// when it passes.
func (s *Service) considerMemory(ctx context.Context, chatID string, uid uint64, latestUserText, source string) (bool, error) {
	count, err := s.repo.CountTurns(ctx, chatID)
	if err != nil {
		return false, err
	}
	contexts, err := s.repo.GetContextHistory(ctx, chatID)
	if err != nil {
		return false, err
	}
	userTexts, err := s.repo.RecentUserTexts(ctx, chatID, gateUserWindow)
	if err != nil {
		return false, err
	}
	latest, err := s.repo.LatestTurn(ctx, chatID)
	if err != nil {
		return false, err
	}
	lastMemoryAt, _, err := s.repo.LatestMemoryActivity(ctx, chatID)
	if err != nil {
		return false, err
	}

	extract := s.gate.ShouldExtract(GateInput{
		Identity:       identity.Authenticated(uid),
		TurnCount:      count,
		Contexts:       contexts,
		UserTexts:      userTexts,
		LatestUserText: latestUserText,
		LatestTurnAt:   latest.CreatedAt,
		LastMemoryAt:   lastMemoryAt,
		Now:            s.now(),
	})
	s.metrics.Gate(source, extract)
	if !extract || s.dispatcher == nil {
		return false, nil
	}

	if err := s.dispatcher.Dispatch(ctx, MemoryRequest{
		ChatID:     chatID,
		UserID:     uid,
		LastTurnID: latest.ID,
		Reason:     source,
	}); err != nil {
		return false, err
	}
	s.log.Info("memory extraction requested",
		zap.String("chat_id", chatID),
		zap.Uint64("uid", uid),
		zap.String("source", source),
		zap.Int64("turns", count),
	)
	return true, nil
}

// ListTurns returns the chat's turns for client reconciliation. A chat owned
// by someone else is reported as not found.
func (s *Service) ListTurns(ctx context.Context, who identity.Identity, chatID string, afterID uint64, limit int) ([]Turn, error) {
	if _, err := s.ownedSession(ctx, who, chatID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	return s.repo.ListTurns(ctx, chatID, afterID, limit)
}

// DeleteChat soft-deletes the chat. Memories distilled from it are kept as
// orphans.
func (s *Service) DeleteChat(ctx context.Context, who identity.Identity, chatID string) error {
	if _, err := s.ownedSession(ctx, who, chatID); err != nil {
		return err
	}
	if err := s.repo.SoftDeleteSession(ctx, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		return err
	}
	return nil
}

func (s *Service) ownedSession(ctx context.Context, who identity.Identity, chatID string) (*Session, error) {
	if !ValidChatID(chatID) {
		return nil, ErrInvalidChatID
	}
	sess, err := s.repo.GetSession(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	if !identity.FromStorage(sess.OwnerKind, sess.OwnerID).Equal(who) {
		return nil, ErrChatNotFound
	}
	return sess, nil
}

func makeTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if t := truncateRunes(text, titleRunes); t != text {
		return t + "..."
	}
	return text
}

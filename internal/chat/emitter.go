package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/identity"
)

const errorFallbackText = "Sorry, something went wrong while preparing your answer. Please try again in a moment."

// Emitter persists answer paragraphs and streams them word by word.
type Emitter struct {
	repo  *Repo
	pacer Pacer
	pace  Pace
	log   *zap.Logger
}

func NewEmitter(repo *Repo, pacer Pacer, pace Pace, log *zap.Logger) *Emitter {
	if pacer == nil {
		pacer = TimerPacer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{repo: repo, pacer: pacer, pace: pace, log: log}
}

// Answer is an ordered set of paragraphs to deliver for one turn.
type Answer struct {
	ChatID     string
	Identity   identity.Identity
	Kind       TurnKind
	Paragraphs []string
	FollowUps  []string
	// Context is stored on the first paragraph's turn.
	Context string
	Title   string
}

type Delivery struct {
	Turns    []*Turn
	FollowUp *Turn
}

// Emit delivers ans to w. Every paragraph is persisted before any of its
// frames is written. A cancelled ctx stops emission and persistence at the
// next step; the returned Delivery holds what was stored so far.
func (e *Emitter) Emit(ctx context.Context, w FrameWriter, ans Answer) (*Delivery, error) {
	if len(ans.Paragraphs) == 0 {
		return nil, fmt.Errorf("emit: no paragraphs")
	}
	if ans.Kind == "" {
		ans.Kind = KindMessage
	}

	d := &Delivery{Turns: make([]*Turn, 0, len(ans.Paragraphs))}
	total := len(ans.Paragraphs)

	for i, text := range ans.Paragraphs {
		if err := ctx.Err(); err != nil {
			return d, err
		}

		var turnCtx string
		if i == 0 {
			turnCtx = ans.Context
		}
		turn, err := e.repo.SaveTurn(ctx, ans.ChatID, ans.Identity, SenderAssistant, ans.Kind, text, turnCtx)
		if err != nil {
			return d, err
		}
		d.Turns = append(d.Turns, turn)

		if err := e.streamWords(ctx, w, ans.ChatID, text, i, total); err != nil {
			return d, err
		}

		if err := w.WriteFrame(ParagraphFrame{
			Type:            FrameParagraph,
			ChatID:          ans.ChatID,
			Message:         viewOf(turn),
			ParagraphIndex:  i,
			TotalParagraphs: total,
			IsComplete:      true,
		}); err != nil {
			return d, err
		}

		if i < total-1 {
			if err := e.pacer.Wait(ctx, e.pace.ParagraphPause); err != nil {
				return d, err
			}
		}
	}

	if err := e.pacer.Wait(ctx, e.pace.FollowUpDelay); err != nil {
		return d, err
	}

	if len(ans.FollowUps) > 0 {
		fu, err := e.repo.SaveTurn(ctx, ans.ChatID, ans.Identity, SenderAssistant, KindFollowUp,
			strings.Join(ans.FollowUps, "\n"), "")
		if err != nil {
			return d, err
		}
		d.FollowUp = fu
		if err := w.WriteFrame(FollowUpFrame{
			Type:              FrameFollowUp,
			ChatID:            ans.ChatID,
			Message:           viewOf(fu),
			FollowUpQuestions: ans.FollowUps,
		}); err != nil {
			return d, err
		}
	}

	if err := w.WriteFrame(CompleteFrame{
		Type:              FrameComplete,
		ChatID:            ans.ChatID,
		Title:             ans.Title,
		FollowUpQuestions: ans.FollowUps,
	}); err != nil {
		return d, err
	}
	return d, w.WriteFrame(RefreshFrame{Type: FrameRefresh, ChatID: ans.ChatID})
}

func (e *Emitter) streamWords(ctx context.Context, w FrameWriter, chatID, text string, index, total int) error {
	words := strings.Fields(text)
	for j := range words {
		if err := w.WriteFrame(StreamingFrame{
			Type:            FrameStreaming,
			ChatID:          chatID,
			Content:         strings.Join(words[:j+1], " "),
			ParagraphIndex:  index,
			TotalParagraphs: total,
			WordIndex:       j,
			TotalWords:      len(words),
		}); err != nil {
			return err
		}
		if j < len(words)-1 {
			if err := e.pacer.Wait(ctx, e.pace.wordDelay()); err != nil {
				return err
			}
		}
	}
	return nil
}

// EmitError saves a fallback assistant turn and reports the failure to the
// client, followed by a refresh frame.
func (e *Emitter) EmitError(ctx context.Context, w FrameWriter, chatID string, who identity.Identity, reason string) error {
	frame := ErrorFrame{Type: FrameError, ChatID: chatID, Error: reason}

	turn, err := e.repo.SaveTurn(ctx, chatID, who, SenderAssistant, KindFallback, errorFallbackText, "")
	if err != nil {
		e.log.Error("save fallback turn failed", zap.String("chat_id", chatID), zap.Error(err))
	} else {
		v := viewOf(turn)
		frame.Message = &v
	}

	if err := w.WriteFrame(frame); err != nil {
		return err
	}
	return w.WriteFrame(RefreshFrame{Type: FrameRefresh, ChatID: chatID})
}

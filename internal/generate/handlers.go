package generate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/daleheenan/startup-sub012/internal/job"
	"github.com/daleheenan/startup-sub012/internal/session"
)

// ChapterPayload is the enqueue payload for generate_chapter jobs.
type ChapterPayload struct {
	WordTarget   int    `json:"wordTarget"`
	Segments     int    `json:"segments"`
	Instructions string `json:"instructions,omitempty"`
}

// OutlinePayload is the enqueue payload for generate_outline jobs.
type OutlinePayload struct {
	Chapters     int    `json:"chapters"`
	Instructions string `json:"instructions,omitempty"`
}

// CharactersPayload is the enqueue payload for generate_characters jobs.
type CharactersPayload struct {
	Count        int    `json:"count"`
	Instructions string `json:"instructions,omitempty"`
}

// chapterCheckpoint is the resume state for a partially generated
// chapter. Finished segments are never regenerated after a retry.
type chapterCheckpoint struct {
	NextSegment  int    `json:"nextSegment"`
	WordsWritten int    `json:"wordsWritten"`
	Draft        string `json:"draft"`
}

// Register installs all generation handlers on the registry. Every
// type consumes the provider budget, so all are marked rate limited.
func Register(reg *job.Registry, client *Client, tracker *session.Tracker, logger *slog.Logger) {
	job.RegisterDefinition(reg, job.NewDefinition(job.TypeGenerateChapter,
		chapterHandler(client, tracker, logger),
		job.WithRateLimited(),
		job.WithMaxAttempts(3),
	))
	job.RegisterDefinition(reg, job.NewDefinition(job.TypeGenerateOutline,
		outlineHandler(client, tracker),
		job.WithRateLimited(),
		job.WithMaxAttempts(3),
	))
	job.RegisterDefinition(reg, job.NewDefinition(job.TypeGenerateCharacters,
		charactersHandler(client, tracker),
		job.WithRateLimited(),
		job.WithMaxAttempts(3),
	))
}

// chapterHandler produces a chapter in segments, checkpointing after
// each one. A retry resumes from the first unfinished segment instead
// of regenerating the whole chapter.
func chapterHandler(client *Client, tracker *session.Tracker, logger *slog.Logger) func(context.Context, *job.Run, ChapterPayload) error {
	return func(ctx context.Context, run *job.Run, p ChapterPayload) error {
		segments := p.Segments
		if segments <= 0 {
			segments = 1
		}

		var cp chapterCheckpoint
		resumed, err := run.RestoreCheckpoint(&cp)
		if err != nil {
			return err
		}
		if resumed {
			logger.Info("resuming chapter from checkpoint",
				slog.String("job_id", run.JobID().String()),
				slog.Int("next_segment", cp.NextSegment),
				slog.Int("words_written", cp.WordsWritten),
			)
		}

		for seg := cp.NextSegment; seg < segments; seg++ {
			if err := tracker.RecordRequest(ctx); err != nil {
				return err
			}

			result, err := client.Generate(ctx, Request{
				Kind:         "chapter_segment",
				TargetID:     run.TargetID(),
				Instructions: fmt.Sprintf("%s (segment %d of %d, target %d words)", p.Instructions, seg+1, segments, p.WordTarget),
				Continuation: cp.Draft,
			})
			if err != nil {
				return err
			}

			cp.NextSegment = seg + 1
			cp.WordsWritten += result.Words
			cp.Draft += result.Content
			if err := run.SaveCheckpoint(ctx, cp); err != nil {
				return err
			}

			_ = run.Progress(ctx, map[string]any{
				"segment":      cp.NextSegment,
				"segments":     segments,
				"wordsWritten": cp.WordsWritten,
				"wordTarget":   p.WordTarget,
			})
		}

		return nil
	}
}

func outlineHandler(client *Client, tracker *session.Tracker) func(context.Context, *job.Run, OutlinePayload) error {
	return func(ctx context.Context, run *job.Run, p OutlinePayload) error {
		if err := tracker.RecordRequest(ctx); err != nil {
			return err
		}

		result, err := client.Generate(ctx, Request{
			Kind:         "outline",
			TargetID:     run.TargetID(),
			Instructions: fmt.Sprintf("%s (%d chapters)", p.Instructions, p.Chapters),
		})
		if err != nil {
			return err
		}

		_ = run.Progress(ctx, map[string]any{
			"words": result.Words,
			"done":  true,
		})
		return nil
	}
}

func charactersHandler(client *Client, tracker *session.Tracker) func(context.Context, *job.Run, CharactersPayload) error {
	return func(ctx context.Context, run *job.Run, p CharactersPayload) error {
		if err := tracker.RecordRequest(ctx); err != nil {
			return err
		}

		result, err := client.Generate(ctx, Request{
			Kind:         "characters",
			TargetID:     run.TargetID(),
			Instructions: fmt.Sprintf("%s (%d characters)", p.Instructions, p.Count),
		})
		if err != nil {
			return err
		}

		_ = run.Progress(ctx, map[string]any{
			"words": result.Words,
			"done":  true,
		})
		return nil
	}
}

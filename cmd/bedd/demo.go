package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/bed"
	"github.com/xraph/bed/engine"
	"github.com/xraph/bed/handler"
	"github.com/xraph/bed/retry"
)

// webhookCmd delivers a payload to a URL.
type webhookCmd struct {
	bed.BaseCommand
	URL  string `json:"url"`
	Body string `json:"body"`
}

// reportCmd renders a report on the slow resource.
type reportCmd struct {
	bed.BaseCommand
	Name string `json:"name"`
}

func registerDemoHandlers(eng *engine.Engine, logger *slog.Logger) {
	// Fails about a third of the time to show retries.
	engine.Register(eng, handler.NewDefinition("webhook",
		func(ctx context.Context, cmd webhookCmd) error {
			if rand.IntN(3) == 0 {
				return handler.Incomplete("endpoint returned 503")
			}
			logger.Info("webhook delivered",
				slog.String("task_id", cmd.TaskID()),
				slog.String("url", cmd.URL),
			)
			return nil
		},
		handler.WithPolicy(retry.Fixed{MaxRetries: 3, Delay: 2 * time.Second}),
		handler.WithTimeout(10*time.Second),
	).WithOnGiveUp(func(_ context.Context, cmd webhookCmd) {
		logger.Warn("webhook abandoned", slog.String("url", cmd.URL))
	}))

	reportPolicy, err := retry.NewListed(0, 5*time.Second, 30*time.Second)
	if err != nil {
		panic(err)
	}
	engine.Register(eng, handler.NewDefinition("report",
		func(ctx context.Context, cmd reportCmd) error {
			select {
			case <-time.After(time.Duration(500+rand.IntN(1500)) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			logger.Info("report rendered", slog.String("name", cmd.Name))
			return nil
		},
		handler.WithResource("slow"),
		handler.WithPolicy(reportPolicy),
		handler.WithTimeout(time.Minute),
	))
}

// submitDemoTasks cycles through every immediacy mode.
func submitDemoTasks(ctx context.Context, eng *engine.Engine, logger *slog.Logger, n int) {
	modes := []bed.Immediacy{bed.ImmediacyNone, bed.ImmediacyAtCaller, bed.ImmediacyAtBed}

	for i := range n {
		base := bed.BaseCommand{ID: uuid.NewString(), Mode: modes[i%len(modes)]}

		var (
			receipt *engine.Receipt
			err     error
		)
		if i%2 == 0 {
			receipt, err = engine.Submit(ctx, eng, "webhook", webhookCmd{
				BaseCommand: base,
				URL:         "https://example.com/hooks/demo",
				Body:        `{"event":"demo"}`,
			})
		} else {
			receipt, err = engine.Submit(ctx, eng, "report", reportCmd{
				BaseCommand: base,
				Name:        "daily",
			})
		}
		if err != nil {
			logger.Error("demo submit failed",
				slog.String("task_id", base.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res := receipt.Result; res != nil {
			logger.Info("first attempt ran at caller",
				slog.String("task_id", res.TaskID),
				slog.String("status", string(res.Status)),
				slog.Duration("elapsed", res.Elapsed),
			)
		}
	}
	logger.Info("demo tasks submitted", slog.Int("count", n))
}

// Package bed provides best-effort delivery for Go: a caller submits a
// command together with the name of the handler that processes it, and bed
// keeps invoking that handler, across process restarts, crashes and
// transient failures, until it reports completion or its retry policy gives
// up.
//
// Delivery is at-least-once. Handlers must be idempotent on the command's
// task id.
//
// # Quick Start
//
//	eng, err := engine.New(pgStore,
//	    engine.WithConfig(cfg),
//	    engine.WithLogger(logger),
//	)
//
//	engine.Register(eng, handler.NewDefinition("send-webhook",
//	    func(ctx context.Context, cmd SendWebhook) error {
//	        return deliver(ctx, cmd)
//	    },
//	    handler.WithPolicy(retry.Fixed{MaxRetries: 5, Delay: time.Minute}),
//	))
//
//	_ = eng.Start(ctx)
//	_, err = engine.Submit(ctx, eng, "send-webhook", SendWebhook{
//	    BaseCommand: bed.BaseCommand{ID: orderID},
//	})
//
// # Architecture
//
// Instances coordinate only through the shared task store. Each instance
// runs one polling loop and one bounded worker pool per resource name. A
// poll claims runnable tasks by stamping them with the instance id; a
// claim is honoured for the configured lease, after which any instance may
// reclaim the task. Store backends live under store/: memory, postgres
// (pgx), bun, redis and mongo.
package bed

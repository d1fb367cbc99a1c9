// Package engine provides the application-level API of bed: registering
// handlers and submitting commands.
//
// # Building an Engine
//
//	eng, err := engine.New(store,
//	    engine.WithConfig(cfg),
//	    engine.WithLogger(logger),
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(myMiddleware),
//	    engine.WithJanitor("@every 1h", 7*24*time.Hour),
//	)
//
// # Registering Handlers
//
//	engine.Register(eng, handler.NewDefinition("send-email", sendEmail,
//	    handler.WithResource("smtp"),
//	    handler.WithPolicy(retry.Fixed{MaxRetries: 10, Delay: 30 * time.Second}),
//	))
//
// # Submitting Commands
//
//	receipt, err := engine.Submit(ctx, eng, "send-email", SendEmail{
//	    BaseCommand: bed.BaseCommand{ID: "welcome-" + userID, Mode: bed.ImmediacyAtBed},
//	    To:          "user@example.com",
//	})
//
// The command's immediacy only adds an early first attempt. The task is
// persisted before Submit returns in every mode, so a crash right after
// Submit does not lose it.
//
// # Options
//
//   - [WithConfig]: set the configuration (partition, lease, pools, polling)
//   - [WithLogger]: set the slog logger
//   - [WithSerializer]: set the payload codec
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
//   - [WithJanitor]: purge old succeeded tasks on a cron schedule
package engine

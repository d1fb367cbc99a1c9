// Package handler defines how business code plugs into bed.
//
// A handler is a typed function over a command type. It completes a task
// by returning nil; any error, including one built with [Incomplete],
// leaves the task incomplete and hands the decision to the retry policy.
//
//	var SendWebhook = handler.NewDefinition("send-webhook",
//	    func(ctx context.Context, cmd WebhookCmd) error {
//	        return client.Post(ctx, cmd.URL, cmd.Body)
//	    },
//	    handler.WithResource("webhooks"),
//	    handler.WithPolicy(retry.Fixed{MaxRetries: 5, Delay: time.Minute}),
//	)
//
//	handler.Register(registry, SendWebhook)
//
// [Registry] maps handler names to type-erased [Handler] values; the
// runner resolves a task's handler by the name stored with it.
package handler

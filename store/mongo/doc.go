// Package mongo implements store.Store on MongoDB using the official v2
// driver. Tasks live in one collection with a unique (partition, task_id)
// index. Claims and updates are single-document atomic operations whose
// timestamps come from the server's $$NOW, so every instance agrees on
// lease expiry. Requires MongoDB 4.2 or later.
//
// The caller owns the client lifecycle; mongo never closes it:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	store := mongo.New(client.Database("bed"))
//	store.Migrate(ctx)
package mongo
